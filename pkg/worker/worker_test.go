package worker

import (
	"context"
	"testing"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/proto"
)

func newTestProcessor() *Processor {
	retryCfg := config.RetryConfig{
		MaxRetries:    3,
		InitialDelay:  config.Duration(time.Millisecond),
		MaxDelay:      config.Duration(5 * time.Millisecond),
		BackoffFactor: 2.0,
	}
	breakerCfg := config.BreakerConfig{FailureThreshold: 5, ResetTimeout: config.Duration(time.Second)}
	return New("test", nil, retryCfg, breakerCfg)
}

func TestEchoReturnsPayload(t *testing.T) {
	p := newTestProcessor()
	task := proto.NewTask("echo", 5)
	task.Payload["greeting"] = "hello"

	out, err := p.ProcessTask(context.Background(), task)
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	payload, ok := out.(map[string]any)
	if !ok || payload["greeting"] != "hello" {
		t.Errorf("unexpected echo output: %v", out)
	}
}

func TestSleepRespectsDuration(t *testing.T) {
	p := newTestProcessor()
	task := proto.NewTask("sleep", 5)
	task.Payload["duration"] = "20ms"

	start := time.Now()
	if _, err := p.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("sleep failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestSleepCancellable(t *testing.T) {
	p := newTestProcessor()
	task := proto.NewTask("sleep", 5)
	task.Payload["duration"] = "10s"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.ProcessTask(ctx, task); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestFlakyRecoversWithinRetryBudget(t *testing.T) {
	p := newTestProcessor()
	task := proto.NewTask("flaky", 5)
	task.Payload["failures"] = 2

	out, err := p.ProcessTask(context.Background(), task)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if out != "succeeded on attempt 3" {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestFlakyExhaustsRetryBudget(t *testing.T) {
	p := newTestProcessor()
	task := proto.NewTask("flaky", 5)
	task.Payload["failures"] = 10

	if _, err := p.ProcessTask(context.Background(), task); err == nil {
		t.Error("expected failure after retry budget exhausted")
	}
}

func TestFailAndUnknownTypes(t *testing.T) {
	p := newTestProcessor()

	if _, err := p.ProcessTask(context.Background(), proto.NewTask("fail", 5)); err == nil {
		t.Error("fail task must error")
	}
	if _, err := p.ProcessTask(context.Background(), proto.NewTask("no-such-type", 5)); err == nil {
		t.Error("unknown task type must error")
	}
}
