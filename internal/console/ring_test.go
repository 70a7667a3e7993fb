package console

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(r *Ring, n int) {
	for i := 0; i < n; i++ {
		r.Append(Entry{Type: "log", Text: fmt.Sprintf("msg-%d", i)})
	}
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 4, 5, 6, 17, 250} {
		t.Run(fmt.Sprintf("append_%d", n), func(t *testing.T) {
			r := NewRing(5)
			appendN(r, n)

			assert.LessOrEqual(t, r.Len(), 5)
			assert.Equal(t, int64(n), r.Total())
		})
	}
}

func TestRingRecentReturnsNewestInAppendOrder(t *testing.T) {
	t.Parallel()

	r := NewRing(5)
	appendN(r, 12)

	assert.Equal(t, []string{"msg-9", "msg-10", "msg-11"}, texts(r.Recent(3)))
	assert.Equal(t, []string{"msg-7", "msg-8", "msg-9", "msg-10", "msg-11"}, texts(r.Recent(20)))
}

func TestRingRecentBeforeWrap(t *testing.T) {
	t.Parallel()

	r := NewRing(10)
	appendN(r, 4)

	assert.Equal(t, []string{"msg-2", "msg-3"}, texts(r.Recent(2)))
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3"}, texts(r.Recent(10)))
	assert.Empty(t, r.Recent(0))
}

func TestRingDefaultsAndTimestamps(t *testing.T) {
	t.Parallel()

	r := NewRing(0)
	assert.Equal(t, DefaultCapacity, r.Cap())

	r.Append(Entry{Type: "error", Text: "boom"})
	got := r.Recent(1)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestRingConcurrentReaders(t *testing.T) {
	t.Parallel()

	r := NewRing(50)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		appendN(r, 1000)
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			assert.LessOrEqual(t, len(r.Recent(20)), 20)
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(1000), r.Total())
	assert.Equal(t, 50, r.Len())
}
