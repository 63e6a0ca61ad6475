// Package worker provides a general-purpose task processor. It handles a
// small vocabulary of built-in task types and protects outbound calls with
// a rate limiter and backoff retry, which makes it the default processor
// registered by the conductor binary.
package worker

import (
	"context"
	"fmt"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/limiter"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/resilience"
)

// Processor executes built-in task types:
//
//	echo    returns the payload back to the caller
//	sleep   pauses for payload "duration" (for load and stuck-agent drills)
//	flaky   fails payload "failures" times before succeeding, under retry
//	fail    always fails (for failure-path drills)
type Processor struct {
	name    string
	logger  *logx.Logger
	bucket  *limiter.Bucket
	retry   resilience.RetryConfig
	breaker *resilience.Breaker

	// per-task-ID attempt counts for flaky tasks
	attempts map[string]int
}

// New creates a worker processor sharing the given rate limit bucket. The
// bucket may be nil to run unthrottled.
func New(name string, bucket *limiter.Bucket, retryCfg config.RetryConfig, breakerCfg config.BreakerConfig) *Processor {
	return &Processor{
		name:   name,
		logger: logx.NewLogger("worker-" + name),
		bucket: bucket,
		retry: resilience.RetryConfig{
			MaxRetries:    retryCfg.MaxRetries,
			InitialDelay:  retryCfg.InitialDelay.Std(),
			MaxDelay:      retryCfg.MaxDelay.Std(),
			BackoffFactor: retryCfg.BackoffFactor,
			Jitter:        retryCfg.Jitter,
		},
		breaker: resilience.NewBreaker(name, resilience.BreakerConfig{
			FailureThreshold: breakerCfg.FailureThreshold,
			ResetTimeout:     breakerCfg.ResetTimeout.Std(),
		}),
		attempts: make(map[string]int),
	}
}

// ProcessTask dispatches on the task type. Unknown types are an error so
// misrouted tasks surface as failures instead of vanishing.
func (p *Processor) ProcessTask(ctx context.Context, task *proto.Task) (any, error) {
	if p.bucket != nil {
		if err := p.bucket.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	switch task.Type {
	case "echo", "":
		return task.Payload, nil

	case "sleep":
		return p.sleep(ctx, task)

	case "flaky":
		return p.flaky(ctx, task)

	case "fail":
		return nil, fmt.Errorf("task %s instructed to fail", task.ID)

	default:
		return nil, fmt.Errorf("unsupported task type %q", task.Type)
	}
}

func (p *Processor) sleep(ctx context.Context, task *proto.Task) (any, error) {
	d := 100 * time.Millisecond
	if s, ok := task.Payload["duration"].(string); ok {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %w", s, err)
		}
		d = parsed
	}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-time.After(d):
		return fmt.Sprintf("slept %v", d), nil
	}
}

// flaky simulates an unreliable downstream: it fails the first N attempts
// for a given task, exercising the retry and breaker paths.
func (p *Processor) flaky(ctx context.Context, task *proto.Task) (any, error) {
	wanted := 0
	switch v := task.Payload["failures"].(type) {
	case int:
		wanted = v
	case float64: // JSON numbers decode as float64
		wanted = int(v)
	}

	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, p.retry, func(context.Context) error {
			p.attempts[task.ID]++
			if p.attempts[task.ID] <= wanted {
				return fmt.Errorf("transient failure %d/%d", p.attempts[task.ID], wanted)
			}
			return nil
		})
	})
	attempts := p.attempts[task.ID]
	delete(p.attempts, task.ID)
	if err != nil {
		return nil, fmt.Errorf("flaky task gave up after %d attempts: %w", attempts, err)
	}
	return fmt.Sprintf("succeeded on attempt %d", attempts), nil
}

// compile-time interface check
var _ agent.Processor = (*Processor)(nil)
