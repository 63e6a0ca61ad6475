package events

import (
	"sync"
	"testing"
	"time"
)

func TestEmitDeliversToHandler(t *testing.T) {
	e := NewEmitter(10)
	defer e.Close()

	received := make(chan Event, 1)
	e.On("task-completed", func(ev Event) {
		received <- ev
	})

	e.Emit("task-completed", "agent-1", map[string]any{"task_id": "t1"})

	select {
	case ev := <-received:
		if ev.Source != "agent-1" {
			t.Errorf("expected source agent-1, got %s", ev.Source)
		}
		if ev.Data["task_id"] != "t1" {
			t.Errorf("expected task_id t1, got %v", ev.Data["task_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("handler never received the event")
	}
}

func TestEmitOnlyMatchingName(t *testing.T) {
	e := NewEmitter(10)
	defer e.Close()

	var mu sync.Mutex
	count := 0
	e.On("started", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	e.Emit("stopped", "agent-1", nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("handler for 'started' received %d 'stopped' events", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEmitter(10)
	defer e.Close()

	received := make(chan Event, 10)
	unsub := e.On("agent_error", func(ev Event) {
		received <- ev
	})

	e.Emit("agent_error", "agent-1", nil)
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("first event not delivered")
	}

	unsub()
	e.Emit("agent_error", "agent-1", nil)

	select {
	case <-received:
		t.Error("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanickingHandlerDoesNotKillDelivery(t *testing.T) {
	e := NewEmitter(10)
	defer e.Close()

	received := make(chan struct{}, 2)
	e.On("boom", func(Event) {
		received <- struct{}{}
		panic("handler bug")
	})

	e.Emit("boom", "x", nil)
	e.Emit("boom", "x", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("delivery stopped after panic (got %d events)", i)
		}
	}
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	e := NewEmitter(10)
	e.On("x", func(Event) {})
	e.Close()
	e.Emit("x", "src", nil) // must not panic on closed channels
}
