// Package events provides explicit observer registration for lifecycle and
// decision events, decoupled from any type hierarchy.
package events

import (
	"sync"
	"time"
)

// Event is a named occurrence with attached data.
type Event struct {
	Name      string
	Source    string
	Timestamp time.Time
	Data      map[string]any
}

// Handler receives events asynchronously.
type Handler func(Event)

type subscriber struct {
	ch chan Event
}

// Emitter fans events out to registered handlers. Delivery is asynchronous
// through per-subscriber buffered channels; a full subscriber drops the
// event rather than blocking the emitting goroutine.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	bufferSize  int
	closed      bool
}

func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Emitter{
		subscribers: make(map[string][]*subscriber),
		bufferSize:  bufferSize,
	}
}

// On registers a handler for the named event and returns an unsubscribe
// function.
func (e *Emitter) On(name string, fn Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return func() {}
	}

	sub := &subscriber{ch: make(chan Event, e.bufferSize)}
	e.subscribers[name] = append(e.subscribers[name], sub)

	go func() {
		for event := range sub.ch {
			func() {
				defer func() {
					// A panicking handler must not take down the delivery
					// goroutine.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		subs := e.subscribers[name]
		for i, s := range subs {
			if s == sub {
				e.subscribers[name] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
	}
}

// Emit delivers the event to every handler registered for its name.
// Non-blocking: full subscriber buffers drop the event.
func (e *Emitter) Emit(name, source string, data map[string]any) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	event := Event{
		Name:      name,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, sub := range e.subscribers[name] {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close shuts down all subscriber channels. Further Emit calls are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for name, subs := range e.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(e.subscribers, name)
	}
}
