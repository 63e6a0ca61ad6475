// Package resilience provides failure-isolation primitives: a three-state
// circuit breaker and a bounded exponential-backoff retry helper.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/logx"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, reject calls
	CircuitHalfOpen                     // probing whether the downstream recovered
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// halfOpenSuccesses is the number of consecutive half-open successes that
// close the circuit.
const halfOpenSuccesses = 2

// BreakerConfig defines circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int           // failures before opening the circuit
	ResetTimeout     time.Duration // wait before permitting a half-open trial
}

// DefaultBreakerConfig provides reasonable defaults.
var DefaultBreakerConfig = BreakerConfig{ //nolint:gochecknoglobals
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
}

// BreakerOpenError is returned when the circuit rejects a call.
type BreakerOpenError struct {
	State CircuitState
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker wraps downstream calls with the circuit breaker pattern. Open
// circuits reject immediately without invoking the wrapped function.
type Breaker struct {
	config          BreakerConfig
	logger          *logx.Logger
	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	trialInFlight   bool
	lastFailureTime time.Time
}

func NewBreaker(name string, config BreakerConfig) *Breaker {
	return &Breaker{
		config: config,
		logger: logx.NewLogger("breaker-" + name),
		state:  CircuitClosed,
	}
}

// Execute runs fn under the breaker. When the circuit is open the call is
// rejected up front and fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.recordResult(err == nil)
	return err
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset manually restores the breaker to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.failureCount = 0
	b.successCount = 0
	b.trialInFlight = false
}

func (b *Breaker) allowRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.state = CircuitHalfOpen
			b.successCount = 0
			b.trialInFlight = true
			b.logger.Info("circuit half-open, permitting trial call")
			return nil
		}
		return &BreakerOpenError{State: CircuitOpen}

	case CircuitHalfOpen:
		// One trial call at a time.
		if b.trialInFlight {
			return &BreakerOpenError{State: CircuitHalfOpen}
		}
		b.trialInFlight = true
		return nil

	default:
		return &BreakerOpenError{State: b.state}
	}
}

func (b *Breaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.trialInFlight = false
	}

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case CircuitClosed:
		b.failureCount = 0

	case CircuitHalfOpen:
		b.successCount++
		if b.successCount >= halfOpenSuccesses {
			b.state = CircuitClosed
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info("circuit closed after %d half-open successes", halfOpenSuccesses)
		}
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case CircuitClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = CircuitOpen
			b.logger.Warn("circuit opened after %d failures (threshold %d)",
				b.failureCount, b.config.FailureThreshold)
		}

	case CircuitHalfOpen:
		// Any half-open failure reopens immediately.
		b.state = CircuitOpen
		b.successCount = 0
		b.logger.Warn("circuit reopened from half-open")
	}
}

// BreakerStats is a snapshot of breaker state for monitoring.
type BreakerStats struct {
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	LastFailure  *time.Time   `json:"last_failure,omitempty"`
}

// Stats returns a snapshot of the current breaker state.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailureTime.IsZero() {
		lf := b.lastFailureTime
		stats.LastFailure = &lf
	}
	return stats
}
