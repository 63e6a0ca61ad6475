package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTask(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveTask("worker-1", true, 10*time.Millisecond)
	r.ObserveTask("worker-1", true, 10*time.Millisecond)
	r.ObserveTask("worker-1", false, 10*time.Millisecond)

	if got := testutil.ToFloat64(r.tasksCompleted.WithLabelValues("worker-1")); got != 2 {
		t.Errorf("expected 2 completed, got %v", got)
	}
	if got := testutil.ToFloat64(r.tasksFailed.WithLabelValues("worker-1")); got != 1 {
		t.Errorf("expected 1 failed, got %v", got)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.SetQueueDepth("worker-1", 7)
	r.SetQueueDepth("worker-1", 3)

	if got := testutil.ToFloat64(r.queueDepth.WithLabelValues("worker-1")); got != 3 {
		t.Errorf("expected gauge 3, got %v", got)
	}
}

func TestRestartCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.IncRestart("worker-1", "error_state")
	r.IncRestart("worker-1", "error_state")
	r.IncRestart("worker-1", "stuck")

	if got := testutil.ToFloat64(r.agentRestarts.WithLabelValues("worker-1", "error_state")); got != 2 {
		t.Errorf("expected 2 error_state restarts, got %v", got)
	}
}

func TestDecisionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveDecision("executed", 0.8)
	r.ObserveDecision("pending", 0.4)

	if got := testutil.ToFloat64(r.decisions.WithLabelValues("executed")); got != 1 {
		t.Errorf("expected 1 executed decision, got %v", got)
	}
	if got := testutil.CollectAndCount(r.confidence); got != 1 {
		t.Errorf("expected confidence histogram registered, got %d collectors", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveTask("w", true, time.Millisecond)
	r.SetQueueDepth("w", 1)
	r.IncRestart("w", "stuck")
	r.ObserveDecision("executed", 0.9)
}
