// Package limiter provides a token-bucket rate limiter with window refill.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimit is returned by TryAcquire when no token is available.
var ErrRateLimit = fmt.Errorf("rate limit exceeded")

// Bucket is a token bucket that refills to capacity once the window has
// elapsed since the last refill. Acquire blocks until a token is available.
type Bucket struct {
	maxTokens  int
	window     time.Duration
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
}

func NewBucket(maxTokens int, window time.Duration) *Bucket {
	return &Bucket{
		maxTokens:  maxTokens,
		window:     window,
		tokens:     maxTokens, // start with a full bucket
		lastRefill: time.Now(),
	}
}

// TryAcquire consumes one token if available without blocking.
func (b *Bucket) TryAcquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	if b.tokens < 1 {
		return ErrRateLimit
	}
	b.tokens--
	return nil
}

// Acquire consumes one token, waiting out the remainder of the current
// window when the bucket is empty. Returns ctx.Err() if cancelled first.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.refill(now)
		if b.tokens > 0 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.lastRefill.Add(b.window).Sub(now)
		b.mu.Unlock()

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Tokens returns the number of tokens currently available.
func (b *Bucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	return b.tokens
}

// refill restores full capacity once a complete window has elapsed.
// Caller must hold the mutex.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.window {
		return
	}
	windows := elapsed / b.window
	b.tokens = b.maxTokens
	b.lastRefill = b.lastRefill.Add(windows * b.window)
}
