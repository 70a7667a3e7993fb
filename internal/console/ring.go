// Package console keeps the most recent browser console messages in a
// fixed-capacity ring.
package console

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 100

// Entry is one console message emitted by the page.
type Entry struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Ring is a FIFO ring of console entries. Oldest entries are evicted first.
// It is written by the engine's console subscription and read by commands.
type Ring struct {
	mu sync.RWMutex

	entries  []Entry
	capacity int
	head     int   // index where the next write goes once full
	total    int64 // lifetime count, unaffected by eviction
}

// NewRing creates a ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Append adds an entry, evicting the oldest one when the ring is full.
func (r *Ring) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, e)
	} else {
		r.entries[r.head] = e
		r.head = (r.head + 1) % r.capacity
	}
	r.total++
}

// Recent returns up to n of the newest entries, oldest first.
func (r *Ring) Recent(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := len(r.entries)
	if n <= 0 || size == 0 {
		return []Entry{}
	}
	if n > size {
		n = size
	}

	out := make([]Entry, n)
	// head is the oldest retained entry once the ring has wrapped, 0 before
	start := (r.head + size - n) % size
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%size]
	}
	return out
}

// Total returns how many entries were ever appended.
func (r *Ring) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Len returns how many entries are currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Cap returns the configured capacity.
func (r *Ring) Cap() int {
	return r.capacity
}
