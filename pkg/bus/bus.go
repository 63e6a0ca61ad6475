// Package bus provides the in-process asynchronous message bus. Direct sends
// route to per-agent inbox channels; topic publishes fan out to subscribers.
//
// Delivery is at-least-once within the process. No ordering is guaranteed
// across topics or between direct sends to different agents.
package bus

import (
	"fmt"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

var (
	// ErrUnknownAgent is returned when a message addresses an agent that
	// is not attached to the bus.
	ErrUnknownAgent = fmt.Errorf("unknown agent")
	// ErrInboxFull is returned when the recipient inbox has no capacity.
	ErrInboxFull = fmt.Errorf("inbox full")
	// ErrBusClosed is returned after Close.
	ErrBusClosed = fmt.Errorf("bus closed")
)

// TopicHandler receives topic publications.
type TopicHandler func(topic string, data any)

type topicSub struct {
	ch chan any
}

// Bus routes direct messages and topic publications between agents.
type Bus struct {
	mu        sync.RWMutex
	inboxes   map[string]chan *proto.Message
	topics    map[string][]*topicSub
	logger    *logx.Logger
	inboxSize int
	closed    bool
}

func New(inboxSize int) *Bus {
	if inboxSize <= 0 {
		inboxSize = 64
	}
	return &Bus{
		inboxes:   make(map[string]chan *proto.Message),
		topics:    make(map[string][]*topicSub),
		logger:    logx.NewLogger("bus"),
		inboxSize: inboxSize,
	}
}

// Attach registers an agent and returns its inbox. The returned channel is
// closed by Detach or Close.
func (b *Bus) Attach(agentID string) (<-chan *proto.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.inboxes[agentID]; exists {
		return nil, fmt.Errorf("agent %s already attached", agentID)
	}

	inbox := make(chan *proto.Message, b.inboxSize)
	b.inboxes[agentID] = inbox
	b.logger.Info("attached agent %s", agentID)
	return inbox, nil
}

// Detach removes an agent and closes its inbox.
func (b *Bus) Detach(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if inbox, exists := b.inboxes[agentID]; exists {
		delete(b.inboxes, agentID)
		close(inbox)
		b.logger.Info("detached agent %s", agentID)
	}
}

// Send routes a message to the recipient's inbox. The send is asynchronous:
// a nil return acknowledges queueing, not processing.
func (b *Bus) Send(msg *proto.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("rejecting invalid message: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	inbox, exists := b.inboxes[msg.To]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, msg.To)
	}

	select {
	case inbox <- msg:
		b.logger.Debug("routed %s %s: %s -> %s", msg.Kind, msg.ID, msg.From, msg.To)
		return nil
	default:
		b.logger.Warn("inbox full for agent %s, rejecting message %s", msg.To, msg.ID)
		return fmt.Errorf("%w: %s", ErrInboxFull, msg.To)
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function. Handlers run on a dedicated goroutine per subscription.
func (b *Bus) Subscribe(topic string, fn TopicHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	sub := &topicSub{ch: make(chan any, b.inboxSize)}
	b.topics[topic] = append(b.topics[topic], sub)

	go func() {
		for data := range sub.ch {
			func() {
				defer func() {
					_ = recover() // subscriber panics must not stop delivery
				}()
				fn(topic, data)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.topics[topic]
		for i, s := range subs {
			if s == sub {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
	}
}

// Publish fans data out to every subscriber of the topic. Full subscriber
// buffers drop the publication rather than blocking the publisher.
func (b *Bus) Publish(topic string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- data:
		default:
			b.logger.Warn("topic %s subscriber full, dropping publication", topic)
		}
	}
}

// Stats reports bus occupancy for monitoring.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	agents := make([]string, 0, len(b.inboxes))
	queued := 0
	for id, inbox := range b.inboxes {
		agents = append(agents, id)
		queued += len(inbox)
	}
	topicCount := 0
	for _, subs := range b.topics {
		topicCount += len(subs)
	}
	return map[string]any{
		"agents":          agents,
		"queued_messages": queued,
		"subscriptions":   topicCount,
		"collected_at":    time.Now().UTC(),
	}
}

// Close shuts the bus down, closing every inbox and subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, inbox := range b.inboxes {
		close(inbox)
		delete(b.inboxes, id)
	}
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
	b.logger.Info("bus closed")
}
