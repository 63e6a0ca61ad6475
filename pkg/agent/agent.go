// Package agent implements the concurrent worker unit: a lifecycle state
// machine, a prioritized task queue, a cooperative processing loop, and
// correlation-based request/response messaging over the bus.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/bus"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/queue"
)

var (
	// ErrTimeout is returned when a requiresAck send sees no response
	// within its timeout.
	ErrTimeout = fmt.Errorf("message timeout")
	// ErrStopped is returned for operations on a stopped agent.
	ErrStopped = fmt.Errorf("agent stopped")
)

// TopicStateChanges carries proto.StateChange publications for every agent
// lifecycle transition.
const TopicStateChanges = "agent.state"

// Config identifies an agent and declares its capabilities.
type Config struct {
	Name         string
	Type         string
	Capabilities []string
}

type sendResult struct {
	msg *proto.Message
	err error
}

// pendingRequest tracks one awaited response. The table entry is deleted by
// whichever of {matching response, timeout} fires first; the other finds no
// entry and does nothing, so exactly one resolution occurs per correlation.
type pendingRequest struct {
	ch    chan sendResult
	timer *time.Timer
}

// Agent is a concurrent unit of work. One logical processing loop runs per
// agent; a single task is in flight at a time.
type Agent struct {
	id           string
	name         string
	agentType    string
	capabilities []string

	proc    Processor
	bus     *bus.Bus
	emitter *events.Emitter
	cfg     config.AgentConfig
	logger  *logx.Logger

	queue *queue.PriorityQueue

	mu        sync.Mutex
	state     proto.AgentState
	failures  int // accumulated task failures; MaxTaskFailures flips to error
	busySince time.Time
	running   bool
	stopCh    chan struct{}

	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64

	pendMu  sync.Mutex
	pending map[string]*pendingRequest

	unsubMu sync.Mutex
	unsubs  []func()

	wg     sync.WaitGroup
	pumpWg sync.WaitGroup
}

// New creates an agent in the uninitialized state.
func New(cfg Config, proc Processor, b *bus.Bus, emitter *events.Emitter, acfg config.AgentConfig) *Agent {
	id := cfg.Name + "-" + uuid.New().String()[:8]
	return &Agent{
		id:           id,
		name:         cfg.Name,
		agentType:    cfg.Type,
		capabilities: append([]string{}, cfg.Capabilities...),
		proc:         proc,
		bus:          b,
		emitter:      emitter,
		cfg:          acfg,
		logger:       logx.NewLogger(id),
		queue:        queue.New(),
		state:        proto.StateUninitialized,
		pending:      make(map[string]*pendingRequest),
	}
}

func (a *Agent) ID() string             { return a.id }
func (a *Agent) Name() string           { return a.name }
func (a *Agent) Type() string           { return a.agentType }
func (a *Agent) Capabilities() []string { return append([]string{}, a.capabilities...) }

// State returns the current lifecycle state.
func (a *Agent) State() proto.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// BusySince reports when the in-flight task started, or zero when idle.
// The orchestrator's health check uses this to detect stuck agents.
func (a *Agent) BusySince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != proto.StateBusy {
		return time.Time{}
	}
	return a.busySince
}

// QueueLen returns the number of queued tasks.
func (a *Agent) QueueLen() int {
	return a.queue.Len()
}

// Stats summarizes task outcomes for fitness scoring.
type Stats struct {
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
}

func (a *Agent) Stats() Stats {
	completed := a.tasksCompleted.Load()
	failed := a.tasksFailed.Load()
	rate := 1.0 // an agent with no history is assumed healthy
	if total := completed + failed; total > 0 {
		rate = float64(completed) / float64(total)
	}
	return Stats{TasksCompleted: completed, TasksFailed: failed, SuccessRate: rate}
}

// Initialize attaches the agent to the bus, runs the optional hooks, and
// enters the idle state.
func (a *Agent) Initialize(ctx context.Context) error {
	if a.State() != proto.StateUninitialized {
		return fmt.Errorf("agent %s already initialized", a.id)
	}

	if loader, ok := a.proc.(ConfigLoader); ok {
		if err := loader.LoadConfiguration(a.cfg); err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
	}

	if err := a.attach(); err != nil {
		// Messaging failures degrade gracefully: the agent proceeds
		// unregistered and can still process directly-enqueued tasks.
		a.logger.Warn("bus attach failed, proceeding unregistered: %v", err)
	}

	if init, ok := a.proc.(Initializer); ok {
		if err := init.OnInitialize(ctx); err != nil {
			return fmt.Errorf("on initialize: %w", err)
		}
	}
	if setup, ok := a.proc.(SubscriptionSetup); ok {
		if err := setup.SetupSubscriptions(a); err != nil {
			return fmt.Errorf("setup subscriptions: %w", err)
		}
	}

	if err := a.transition(proto.StateIdle); err != nil {
		return err
	}
	a.emitter.Emit(proto.EventInitialized, a.id, nil)
	return nil
}

func (a *Agent) attach() error {
	inbox, err := a.bus.Attach(a.id)
	if err != nil {
		return err
	}
	a.pumpWg.Add(1)
	go func() {
		defer a.pumpWg.Done()
		for msg := range inbox {
			a.ReceiveMessage(msg)
		}
	}()
	return nil
}

// Start launches the cooperative processing loop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == proto.StateUninitialized {
		a.mu.Unlock()
		return fmt.Errorf("agent %s not initialized", a.id)
	}
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent %s already running", a.id)
	}
	if a.state != proto.StateIdle {
		// A stopped agent started directly would park its loop forever;
		// Restart is the supported path back.
		a.mu.Unlock()
		return fmt.Errorf("agent %s cannot start from state %s", a.id, a.state)
	}
	a.running = true
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.mu.Unlock()

	if starter, ok := a.proc.(Starter); ok {
		if err := starter.OnStart(ctx); err != nil {
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("on start: %w", err)
		}
	}

	a.wg.Add(1)
	go a.run(ctx, stopCh)

	a.emitter.Emit(proto.EventStarted, a.id, nil)
	a.logger.Info("agent started")
	return nil
}

// run is the cooperative processing loop: one task in flight at a time,
// highest priority first, with a short sleep when the queue is empty.
func (a *Agent) run(ctx context.Context, stopCh chan struct{}) {
	defer a.wg.Done()
	defer func() {
		// A timed-out stop abandons this loop mid-task. Record the stopped
		// state once the task finally returns so the health check can
		// recover the agent.
		a.mu.Lock()
		running := a.running
		a.mu.Unlock()
		if !running {
			_ = a.transition(proto.StateStopped)
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if a.State() != proto.StateIdle {
			// error state parks the loop until the orchestrator restarts us
			a.idleSleep(stopCh)
			continue
		}

		task, ok := a.queue.Dequeue()
		if !ok {
			a.idleSleep(stopCh)
			continue
		}

		a.handleTask(ctx, task)
	}
}

func (a *Agent) idleSleep(stopCh chan struct{}) {
	select {
	case <-stopCh:
	case <-time.After(a.cfg.IdlePoll.Std()):
	}
}

// handleTask wraps ProcessTask with timing, counters, response dispatch, and
// the busy/idle/error transitions. Failures are reported, never fatal.
func (a *Agent) handleTask(ctx context.Context, task *proto.Task) {
	if err := a.transition(proto.StateBusy); err != nil {
		a.logger.Warn("cannot enter busy state, requeueing task %s: %v", task.ID, err)
		a.queue.Enqueue(task)
		return
	}

	start := time.Now()
	output, err := a.safeProcess(ctx, task)
	duration := time.Since(start)

	result := &proto.TaskResult{
		TaskID:   task.ID,
		AgentID:  a.id,
		Output:   output,
		Duration: duration,
	}
	if err != nil {
		result.Error = err.Error()
	}

	if err != nil {
		a.tasksFailed.Add(1)
		a.logger.Warn("task %s failed after %v: %v", task.ID, duration, err)
		a.emitter.Emit(proto.EventTaskFailed, a.id, map[string]any{
			"task_id":  task.ID,
			"error":    err.Error(),
			"duration": duration.String(),
		})
		a.respond(task, result)

		a.mu.Lock()
		a.failures++
		tooMany := a.failures >= a.cfg.MaxTaskFailures
		a.mu.Unlock()

		if tooMany {
			if terr := a.transition(proto.StateError); terr == nil {
				a.emitter.Emit(proto.EventAgentError, a.id, map[string]any{
					"failures": a.cfg.MaxTaskFailures,
				})
				return
			}
		}
		_ = a.transition(proto.StateIdle)
		return
	}

	a.tasksCompleted.Add(1)
	a.logger.Debug("task %s completed in %v", task.ID, duration)
	a.emitter.Emit(proto.EventTaskCompleted, a.id, map[string]any{
		"task_id":  task.ID,
		"duration": duration.String(),
	})
	a.respond(task, result)
	_ = a.transition(proto.StateIdle)
}

// safeProcess isolates ProcessTask panics as errors.
func (a *Agent) safeProcess(ctx context.Context, task *proto.Task) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return a.proc.ProcessTask(ctx, task)
}

// respond sends a correlated response for message-born tasks that asked for
// one. Send failures are logged, not propagated.
func (a *Agent) respond(task *proto.Task, result *proto.TaskResult) {
	if !task.RequiresAck || task.ReplyTo == "" {
		return
	}

	resp := &proto.Message{
		ID:            uuid.New().String(),
		Kind:          proto.KindResponse,
		From:          a.id,
		To:            task.ReplyTo,
		CorrelationID: task.CorrelationID,
		Priority:      task.Priority,
		Timestamp:     time.Now().UTC(),
		Payload: map[string]any{
			"task_id": task.ID,
			"output":  result.Output,
		},
	}
	if result.Error != "" {
		resp.SetPayload("error", result.Error)
	}

	if err := a.bus.Send(resp); err != nil {
		a.logger.Warn("failed to send response for task %s: %v", task.ID, err)
	}
}

// Stop requests a graceful shutdown: the loop exits after the in-flight task
// completes, pending sends are failed, and the agent detaches from the bus.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("agent %s stop timed out: %w", a.id, ctx.Err())
	}

	a.unsubscribeAll()
	a.bus.Detach(a.id)
	a.pumpWg.Wait()
	a.failPending(ErrStopped)

	if stopper, ok := a.proc.(Stopper); ok {
		if err := stopper.OnStop(ctx); err != nil {
			a.logger.Warn("on stop hook failed: %v", err)
		}
	}

	if err := a.transition(proto.StateStopped); err != nil {
		return err
	}
	a.emitter.Emit(proto.EventStopped, a.id, nil)
	a.logger.Info("agent stopped")
	return nil
}

// Restart stops the agent, clears accumulated failures, and starts it again.
// Used by the orchestrator health check for error/stuck agents.
func (a *Agent) Restart(ctx context.Context) error {
	if err := a.Stop(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	a.mu.Lock()
	a.failures = 0
	a.mu.Unlock()

	if err := a.attach(); err != nil {
		a.logger.Warn("bus attach failed on restart: %v", err)
	}
	if err := a.transition(proto.StateIdle); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return a.Start(ctx)
}

// Enqueue adds a task to this agent's queue.
func (a *Agent) Enqueue(task *proto.Task) {
	a.queue.Enqueue(task)
}

// PurgeQueue removes queued tasks matching the predicate.
func (a *Agent) PurgeQueue(match func(*proto.Task) bool) int {
	return a.queue.Purge(match)
}

// transition performs a validated lifecycle state change and publishes it.
func (a *Agent) transition(to proto.AgentState) error {
	a.mu.Lock()
	from := a.state
	if from == to {
		a.mu.Unlock()
		return nil
	}
	if !proto.IsValidTransition(from, to) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", proto.ErrInvalidTransition, from, to)
	}
	a.state = to
	if to == proto.StateBusy {
		a.busySince = time.Now()
	}
	a.mu.Unlock()

	a.logger.Debug("state %s -> %s", from, to)
	a.bus.Publish(TopicStateChanges, &proto.StateChange{AgentID: a.id, From: from, To: to})
	return nil
}

// Subscribe registers a topic handler on the bus and tracks it for cleanup
// at stop time.
func (a *Agent) Subscribe(topic string, fn bus.TopicHandler) {
	unsub := a.bus.Subscribe(topic, fn)
	a.unsubMu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.unsubMu.Unlock()
}

// Publish publishes data to a topic on the bus.
func (a *Agent) Publish(topic string, data any) {
	a.bus.Publish(topic, data)
}

func (a *Agent) unsubscribeAll() {
	a.unsubMu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.unsubMu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
