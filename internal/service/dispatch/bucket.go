package dispatch

import "time"

// TokenBucket is a refilling bucket with float token arithmetic. Tokens may
// go negative after Reconcile when a call under-estimated; the deficit is
// paid back by future refills. Not safe for concurrent use; the owning
// Queue's mutex guards it.
type TokenBucket struct {
	capacity   float64
	rate       float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket returns a full bucket refilling at ratePerSecond. The now
// func is injectable for tests; nil means time.Now.
func NewTokenBucket(capacity, ratePerSecond float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity:   capacity,
		rate:       ratePerSecond,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

func (b *TokenBucket) refill() {
	t := b.now()
	elapsed := t.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.lastRefill = t
}

// TryAcquire takes amount tokens if available; on shortage it mutates
// nothing and returns false.
func (b *TokenBucket) TryAcquire(amount float64) bool {
	b.refill()
	if b.tokens < amount {
		return false
	}
	b.tokens -= amount
	return true
}

// Refund returns previously acquired tokens, used to roll back the first
// half of a dual-bucket acquire.
func (b *TokenBucket) Refund(amount float64) {
	b.tokens = min(b.capacity, b.tokens+amount)
}

// TimeUntilAvailable reports how long until amount tokens are available;
// zero when they already are.
func (b *TokenBucket) TimeUntilAvailable(amount float64) time.Duration {
	b.refill()
	if b.tokens >= amount {
		return 0
	}
	seconds := (amount - b.tokens) / b.rate
	return time.Duration(seconds * float64(time.Second))
}

// Reconcile adjusts the bucket after a real call reported actual usage.
// Over-estimation is returned; under-estimation borrows from future
// capacity, leaving the bucket transiently negative.
func (b *TokenBucket) Reconcile(estimated, actual float64) {
	b.tokens = min(b.capacity, b.tokens+(estimated-actual))
}

// Tokens reports the current token count after a refill.
func (b *TokenBucket) Tokens() float64 {
	b.refill()
	return b.tokens
}
