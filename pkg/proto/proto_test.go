package proto

import (
	"testing"
	"time"
)

func TestRequestResponseCorrelation(t *testing.T) {
	req := NewRequest("alice", "bob")
	if req.CorrelationID == "" {
		t.Fatal("request missing correlation ID")
	}

	resp := NewResponse(req, "bob")
	if resp.CorrelationID != req.CorrelationID {
		t.Errorf("response correlation %s does not match request %s",
			resp.CorrelationID, req.CorrelationID)
	}
	if resp.To != "alice" || resp.From != "bob" {
		t.Errorf("response addressing wrong: from=%s to=%s", resp.From, resp.To)
	}
	if resp.Kind != KindResponse {
		t.Errorf("expected response kind, got %s", resp.Kind)
	}
}

func TestMessageValidate(t *testing.T) {
	valid := NewRequest("a", "b")
	if err := valid.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Message)
	}{
		{"missing id", func(m *Message) { m.ID = "" }},
		{"bad kind", func(m *Message) { m.Kind = "broadcast" }},
		{"missing from", func(m *Message) { m.From = "" }},
		{"missing to", func(m *Message) { m.To = "" }},
		{"zero timestamp", func(m *Message) { m.Timestamp = time.Time{} }},
		{"response without correlation", func(m *Message) {
			m.Kind = KindResponse
			m.CorrelationID = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewRequest("a", "b")
			tc.mutate(m)
			if err := m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := NewRequest("a", "b")
	msg.SetPayload("task_type", "scan")
	msg.Priority = 7
	msg.RequiresAck = true
	msg.Timeout = 5 * time.Second

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := FromJSON(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != msg.ID || got.CorrelationID != msg.CorrelationID {
		t.Error("identity fields lost in round trip")
	}
	if s, _ := got.PayloadString("task_type"); s != "scan" {
		t.Errorf("payload lost: %v", got.Payload)
	}
	if got.Priority != 7 || !got.RequiresAck || got.Timeout != 5*time.Second {
		t.Error("delivery fields lost in round trip")
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	msg := NewRequest("a", "b")
	msg.SetPayload("key", "original")

	clone := msg.Clone()
	clone.SetPayload("key", "changed")

	if v, _ := msg.PayloadString("key"); v != "original" {
		t.Error("clone shares payload map with original")
	}
}

func TestTaskFromMessagePreservesCorrelation(t *testing.T) {
	msg := NewRequest("caller", "worker")
	msg.SetPayload("task_type", "scan")
	msg.Priority = 8
	msg.RequiresAck = true

	task := TaskFromMessage(msg)
	if task.Type != "scan" {
		t.Errorf("expected type scan, got %q", task.Type)
	}
	if task.Priority != 8 {
		t.Errorf("priority not carried: %d", task.Priority)
	}
	if task.ReplyTo != "caller" || task.CorrelationID != msg.CorrelationID || !task.RequiresAck {
		t.Error("response provenance lost")
	}
	if task.Origin != OriginManual {
		t.Errorf("message-born tasks are manual origin, got %s", task.Origin)
	}
}

func TestTaskResultSucceeded(t *testing.T) {
	ok := TaskResult{TaskID: "t", AgentID: "a"}
	if !ok.Succeeded() {
		t.Error("result without error should succeed")
	}
	bad := TaskResult{TaskID: "t", AgentID: "a", Error: "boom"}
	if bad.Succeeded() {
		t.Error("result with error should not succeed")
	}
}

func TestStateTransitionTable(t *testing.T) {
	allowed := []struct{ from, to AgentState }{
		{StateUninitialized, StateIdle},
		{StateIdle, StateBusy},
		{StateBusy, StateIdle},
		{StateBusy, StateError},
		{StateError, StateIdle},
		{StateError, StateStopped},
		{StateIdle, StateStopped},
		{StateStopped, StateIdle},
	}
	for _, tr := range allowed {
		if !IsValidTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to AgentState }{
		{StateUninitialized, StateBusy},
		{StateStopped, StateBusy},
		{StateError, StateBusy},
		{StateIdle, StateUninitialized},
	}
	for _, tr := range forbidden {
		if IsValidTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be rejected", tr.from, tr.to)
		}
	}
}
