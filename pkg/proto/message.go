// Package proto defines the message, task, and state types exchanged between
// agents and the orchestrator.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MsgKind distinguishes requests from their correlated responses.
type MsgKind string

const (
	KindRequest  MsgKind = "request"
	KindResponse MsgKind = "response"
)

// Message is the unit of inter-agent communication. Every requiresAck request
// carries a correlation ID that its eventual response echoes back.
type Message struct {
	ID            string         `json:"id"`
	Kind          MsgKind        `json:"kind"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority"`
	RequiresAck   bool           `json:"requires_ack"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewRequest creates a request message. A fresh correlation ID is assigned so
// responses can be matched even when the caller does not await one.
func NewRequest(from, to string) *Message {
	return &Message{
		ID:            uuid.New().String(),
		Kind:          KindRequest,
		From:          from,
		To:            to,
		Payload:       make(map[string]any),
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC(),
	}
}

// NewResponse creates a response correlated to the given request.
func NewResponse(req *Message, from string) *Message {
	return &Message{
		ID:            uuid.New().String(),
		Kind:          KindResponse,
		From:          from,
		To:            req.From,
		Payload:       make(map[string]any),
		CorrelationID: req.CorrelationID,
		Priority:      req.Priority,
		Timestamp:     time.Now().UTC(),
	}
}

func (m *Message) SetPayload(key string, value any) {
	if m.Payload == nil {
		m.Payload = make(map[string]any)
	}
	m.Payload[key] = value
}

func (m *Message) GetPayload(key string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	val, exists := m.Payload[key]
	return val, exists
}

// PayloadString extracts a string payload value, returning false when the key
// is missing or not a string.
func (m *Message) PayloadString(key string) (string, bool) {
	if val, exists := m.GetPayload(key); exists {
		if s, ok := val.(string); ok {
			return s, true
		}
	}
	return "", false
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}

func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if m.Kind != KindRequest && m.Kind != KindResponse {
		return fmt.Errorf("invalid message kind: %s", m.Kind)
	}
	if m.From == "" {
		return fmt.Errorf("from is required")
	}
	if m.To == "" {
		return fmt.Errorf("to is required")
	}
	if m.Kind == KindResponse && m.CorrelationID == "" {
		return fmt.Errorf("response requires a correlation ID")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

func (k MsgKind) String() string {
	return string(k)
}
