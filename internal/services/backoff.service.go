package services

import (
	"math/rand/v2"
	"time"
)

// Default reconnect delays: 1s, 2s, 4s ... capped at 30s
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// jitterFraction bounds the random extra delay added to each step
const jitterFraction = 0.1

// Backoff produces exponentially growing reconnect delays with a ceiling.
// Each delay gets up to 10% random jitter, clamped to the ceiling, so the
// sequence returned by Next never decreases until Reset.
type Backoff struct {
	base   time.Duration
	max    time.Duration
	cur    time.Duration
	jitter func(time.Duration) time.Duration
}

// NewBackoff normalizes base/max and starts at the base delay
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, cur: base, jitter: randomJitter}
}

func randomJitter(d time.Duration) time.Duration {
	span := int64(float64(d) * jitterFraction)
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(span))
}

// Next returns the delay before the next attempt and advances the window
func (b *Backoff) Next() time.Duration {
	d := b.cur
	if b.cur < b.max {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	d += b.jitter(d)
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset restarts the sequence at the base delay after a successful connect
func (b *Backoff) Reset() {
	b.cur = b.base
}

// Max returns the ceiling
func (b *Backoff) Max() time.Duration {
	return b.max
}
