// Package ratelimit provides venue request-rate control: a continuously
// refilling token bucket per named request group, so the engine never
// bursts past a venue's published rate limit regardless of how many
// markets or strategies are issuing requests concurrently.
//
// Grounded on the teacher's internal/exchange/ratelimit.go TokenBucket
// (continuous elapsed-time refill rather than a fixed-window counter),
// generalized from three hardcoded Polymarket categories (Order/Cancel/Book)
// to an arbitrary set of named groups configured per venue.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token-bucket rate limiter with continuous refill. Callers
// block in Wait until a token is available or the context is cancelled.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewBucket creates a bucket with the given burst capacity and refill rate.
func NewBucket(capacity, ratePerSecond float64) *Bucket {
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (b *Bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastTime = now
}

// Wait blocks until a token is available or ctx is cancelled.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked()

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryReserveInstant attempts to take one token without blocking. It
// reports whether a token was available.
func (b *Bucket) TryReserveInstant() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
