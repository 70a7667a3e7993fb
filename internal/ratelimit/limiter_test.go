package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstPerClient(t *testing.T) {
	t.Parallel()

	l := NewLimiter(100, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"), "request %d", i)
	}
	assert.False(t, l.Allow("a"))
	assert.Equal(t, 0, l.Remaining("a"))

	assert.True(t, l.Allow("b"), "clients have separate buckets")
	assert.Equal(t, 2, l.Remaining("b"))
	assert.Equal(t, 100, l.Limit())
}

func TestLimiterSweepDropsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(60, 1)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Hour)
	l.Allow("new")

	assert.Equal(t, 1, l.Sweep(time.Hour))
	assert.Equal(t, 1, l.Clients())
	assert.True(t, l.Allow("old"), "a forgotten client starts with a full bucket")
}
