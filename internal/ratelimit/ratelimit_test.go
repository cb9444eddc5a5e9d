package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New(limit, window)
	l.now = c.now
	return l, c
}

func TestAllowExhaustsAndRefills(t *testing.T) {
	l, c := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user-1"), "request %d", i)
	}
	assert.False(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-2"), "keys are independent")
	assert.Equal(t, 20*time.Second, l.RetryAfter("user-1"))

	c.advance(20 * time.Second)
	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))

	c.advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user-1"))
	}
	assert.False(t, l.Allow("user-1"), "refill is capped at the limit")
}

func TestResetAndPrune(t *testing.T) {
	l, c := newTestLimiter(1, time.Minute)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	l.Reset("a")
	assert.True(t, l.Allow("a"))

	assert.True(t, l.Allow("b"))
	c.advance(3 * time.Minute)
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, time.Duration(0), l.RetryAfter("a"))
}
