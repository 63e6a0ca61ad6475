package agent

import (
	"context"
	"fmt"
	"time"

	"conductor/pkg/proto"
)

// SendOption adjusts an outgoing message.
type SendOption func(*proto.Message)

// WithPriority sets the message priority.
func WithPriority(priority int) SendOption {
	return func(m *proto.Message) { m.Priority = priority }
}

// WithTimeout overrides the response timeout for requiresAck sends.
func WithTimeout(d time.Duration) SendOption {
	return func(m *proto.Message) { m.Timeout = d }
}

// FireAndForget disables the response round-trip: the send returns as soon
// as the bus acknowledges queueing.
func FireAndForget() SendOption {
	return func(m *proto.Message) { m.RequiresAck = false }
}

// SendMessage sends a request to another agent. With acknowledgement
// required (the default) it blocks until the correlated response arrives or
// the timeout elapses; exactly one of those outcomes occurs.
func (a *Agent) SendMessage(ctx context.Context, to string, payload map[string]any, opts ...SendOption) (*proto.Message, error) {
	msg := proto.NewRequest(a.id, to)
	msg.Payload = payload
	msg.RequiresAck = true
	msg.Timeout = a.cfg.DefaultTimeout.Std()
	for _, opt := range opts {
		opt(msg)
	}

	if !msg.RequiresAck {
		if err := a.bus.Send(msg); err != nil {
			return nil, fmt.Errorf("send to %s: %w", to, err)
		}
		return nil, nil
	}

	// Register the resolver before sending so a fast response cannot race
	// past an unregistered correlation ID.
	resultCh := a.registerPending(msg.CorrelationID, msg.Timeout)

	if err := a.bus.Send(msg); err != nil {
		a.cancelPending(msg.CorrelationID)
		return nil, fmt.Errorf("send to %s: %w", to, err)
	}

	select {
	case res := <-resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		a.cancelPending(msg.CorrelationID)
		return nil, fmt.Errorf("send to %s cancelled: %w", to, ctx.Err())
	}
}

// ReceiveMessage routes an inbound message: responses resolve their pending
// request; anything else is enqueued as a task at the message's priority.
func (a *Agent) ReceiveMessage(msg *proto.Message) {
	if msg.Kind == proto.KindResponse {
		if a.resolvePending(msg) {
			return
		}
		// Late or duplicate response; its request already resolved.
		a.logger.Debug("dropping unmatched response %s (correlation %s)", msg.ID, msg.CorrelationID)
		return
	}

	a.queue.Enqueue(proto.TaskFromMessage(msg))
}

// PendingRequests returns the number of sends still awaiting resolution.
func (a *Agent) PendingRequests() int {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	return len(a.pending)
}

// registerPending installs a resolver for the correlation ID with an
// associated timeout timer.
func (a *Agent) registerPending(correlationID string, timeout time.Duration) <-chan sendResult {
	ch := make(chan sendResult, 1)
	pr := &pendingRequest{ch: ch}

	a.pendMu.Lock()
	a.pending[correlationID] = pr
	pr.timer = time.AfterFunc(timeout, func() {
		a.pendMu.Lock()
		entry, ok := a.pending[correlationID]
		if ok {
			delete(a.pending, correlationID)
		}
		a.pendMu.Unlock()
		if ok {
			entry.ch <- sendResult{err: fmt.Errorf("%w: no response within %v", ErrTimeout, timeout)}
		}
	})
	a.pendMu.Unlock()

	return ch
}

// resolvePending matches a response to its pending request. Returns false
// when the correlation already resolved (or never existed).
func (a *Agent) resolvePending(msg *proto.Message) bool {
	a.pendMu.Lock()
	entry, ok := a.pending[msg.CorrelationID]
	if ok {
		delete(a.pending, msg.CorrelationID)
		entry.timer.Stop()
	}
	a.pendMu.Unlock()

	if !ok {
		return false
	}

	if errText, hasErr := msg.PayloadString("error"); hasErr && errText != "" {
		entry.ch <- sendResult{msg: msg, err: fmt.Errorf("remote error from %s: %s", msg.From, errText)}
	} else {
		entry.ch <- sendResult{msg: msg}
	}
	return true
}

// cancelPending removes an entry without resolving it (caller handles the
// error path).
func (a *Agent) cancelPending(correlationID string) {
	a.pendMu.Lock()
	if entry, ok := a.pending[correlationID]; ok {
		delete(a.pending, correlationID)
		entry.timer.Stop()
	}
	a.pendMu.Unlock()
}

// failPending rejects every outstanding request, used at stop time.
func (a *Agent) failPending(err error) {
	a.pendMu.Lock()
	pending := a.pending
	a.pending = make(map[string]*pendingRequest)
	a.pendMu.Unlock()

	for _, entry := range pending {
		entry.timer.Stop()
		entry.ch <- sendResult{err: err}
	}
}
