package proto

import (
	"time"

	"github.com/google/uuid"
)

// TaskOrigin records whether a task was queued by an autonomous decision or
// submitted manually. Emergency disable purges autonomous-origin tasks only.
type TaskOrigin string

const (
	OriginManual     TaskOrigin = "manual"
	OriginAutonomous TaskOrigin = "autonomous"
)

// Task is a prioritized unit of work owned by exactly one agent queue.
type Task struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority int            `json:"priority"`
	Origin   TaskOrigin     `json:"origin"`

	// Provenance for message-born tasks: when RequiresAck is set the
	// processing agent sends a correlated response back to ReplyTo.
	ReplyTo       string `json:"reply_to,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RequiresAck   bool   `json:"requires_ack,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask creates a manual-origin task of the given type and priority.
func NewTask(taskType string, priority int) *Task {
	return &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Payload:    make(map[string]any),
		Priority:   priority,
		Origin:     OriginManual,
		EnqueuedAt: time.Now().UTC(),
	}
}

// TaskFromMessage converts an inbound request message into a task, preserving
// the correlation needed to answer the sender.
func TaskFromMessage(msg *Message) *Task {
	taskType := ""
	if t, ok := msg.PayloadString("task_type"); ok {
		taskType = t
	}
	return &Task{
		ID:            uuid.New().String(),
		Type:          taskType,
		Payload:       msg.Payload,
		Priority:      msg.Priority,
		Origin:        OriginManual,
		ReplyTo:       msg.From,
		CorrelationID: msg.CorrelationID,
		RequiresAck:   msg.RequiresAck,
		EnqueuedAt:    time.Now().UTC(),
	}
}

// TaskResult captures the outcome of one task execution.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the task completed without error.
func (r *TaskResult) Succeeded() bool {
	return r.Error == ""
}
