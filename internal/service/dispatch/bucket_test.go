package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a settable clock shared by buckets, queues and the
// coordinator under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestTokenBucketAcquireAndRefill(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(10, 1, clk.Now) // 1 token/s

	assert.True(t, b.TryAcquire(10))
	assert.False(t, b.TryAcquire(1), "empty bucket must refuse without mutating")
	assert.Equal(t, time.Second, b.TimeUntilAvailable(1))

	clk.Advance(3 * time.Second)
	assert.InDelta(t, 3, b.Tokens(), 0.001)
	assert.True(t, b.TryAcquire(3))

	clk.Advance(time.Hour)
	assert.InDelta(t, 10, b.Tokens(), 0.001, "refill is capped at capacity")
}

func TestTokenBucketReconcileMayGoNegative(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(1000, 100, clk.Now)

	assert.True(t, b.TryAcquire(500))
	// The call actually used 900 tokens: borrow 400 from future capacity.
	b.Reconcile(500, 900)
	assert.InDelta(t, 100, b.Tokens(), 0.001)

	assert.True(t, b.TryAcquire(100))
	b.Reconcile(100, 400)
	assert.InDelta(t, -300, b.Tokens(), 0.001)
	assert.False(t, b.TryAcquire(1))

	clk.Advance(4 * time.Second)
	assert.InDelta(t, 100, b.Tokens(), 0.001, "deficit is paid back by refills")
}

func TestTokenBucketReconcileReturnsOverestimate(t *testing.T) {
	clk := newFakeClock()
	b := NewTokenBucket(1000, 100, clk.Now)

	assert.True(t, b.TryAcquire(800))
	b.Reconcile(800, 100)
	assert.InDelta(t, 900, b.Tokens(), 0.001)
}
