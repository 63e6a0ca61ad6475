package limiter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTryAcquireExhaustsBucket(t *testing.T) {
	b := NewBucket(3, time.Hour)

	for i := 0; i < 3; i++ {
		if err := b.TryAcquire(); err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
	}
	if err := b.TryAcquire(); !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected ErrRateLimit after exhaustion, got %v", err)
	}
}

func TestAcquireWaitsForWindow(t *testing.T) {
	window := 50 * time.Millisecond
	b := NewBucket(1, window)

	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	start := time.Now()
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < window/2 {
		t.Errorf("second acquire returned after %v, expected a wait near %v", elapsed, window)
	}
}

func TestAcquireNeverExceedsMaxPerWindow(t *testing.T) {
	window := 100 * time.Millisecond
	maxTokens := 5
	b := NewBucket(maxTokens, window)

	granted := 0
	deadline := time.Now().Add(window / 2)
	for time.Now().Before(deadline) {
		if err := b.TryAcquire(); err == nil {
			granted++
		}
	}
	if granted > maxTokens {
		t.Errorf("granted %d acquisitions within one window, max is %d", granted, maxTokens)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	b := NewBucket(1, time.Hour)
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Acquire(ctx)
	if err == nil {
		t.Fatal("expected acquire to fail on cancelled context")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestRefillRestoresFullCapacity(t *testing.T) {
	window := 30 * time.Millisecond
	b := NewBucket(2, window)

	if err := b.TryAcquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := b.TryAcquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	time.Sleep(window + 10*time.Millisecond)
	if got := b.Tokens(); got != 2 {
		t.Errorf("expected full refill to 2 tokens, got %d", got)
	}
}
