// Package metrics provides Prometheus-based recording for task, queue, and
// decision activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the orchestration metrics. A nil Recorder is a no-op so
// instrumentation can be disabled without guarding every call site.
type Recorder struct {
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	agentRestarts  *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	confidence     prometheus.Histogram
}

// NewRecorder registers the metric families with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		tasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tasks_completed_total",
				Help: "Total number of tasks completed successfully, by agent",
			},
			[]string{"agent"},
		),
		tasksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tasks_failed_total",
				Help: "Total number of task failures, by agent",
			},
			[]string{"agent"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_task_duration_seconds",
				Help:    "Task execution time in seconds, by agent",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_queue_depth",
				Help: "Current number of queued tasks, by agent",
			},
			[]string{"agent"},
		),
		agentRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_agent_restarts_total",
				Help: "Total number of health-check restarts, by agent and reason",
			},
			[]string{"agent", "reason"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_decisions_total",
				Help: "Total number of autonomous decisions, by disposition",
			},
			[]string{"disposition"},
		),
		confidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_decision_confidence",
				Help:    "Confidence score distribution for autonomous decisions",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
	}
}

// ObserveTask records one task outcome.
func (r *Recorder) ObserveTask(agent string, success bool, duration time.Duration) {
	if r == nil {
		return
	}
	if success {
		r.tasksCompleted.WithLabelValues(agent).Inc()
	} else {
		r.tasksFailed.WithLabelValues(agent).Inc()
	}
	r.taskDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// SetQueueDepth updates the queue depth gauge for an agent.
func (r *Recorder) SetQueueDepth(agent string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(agent).Set(float64(depth))
}

// IncRestart counts a health-check restart.
func (r *Recorder) IncRestart(agent, reason string) {
	if r == nil {
		return
	}
	r.agentRestarts.WithLabelValues(agent, reason).Inc()
}

// ObserveDecision records a decision's disposition (executed, pending,
// approved, rejected) and its confidence score.
func (r *Recorder) ObserveDecision(disposition string, confidence float64) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(disposition).Inc()
	r.confidence.Observe(confidence)
}
