// Package orch implements the supervising orchestrator: it registers agents,
// assigns tasks by capability and fitness, runs the monitoring and decision
// loops, restarts unhealthy agents, and learns from autonomous decision
// outcomes through the knowledge base.
package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/knowledge"
	"conductor/pkg/limiter"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/queue"
	"conductor/pkg/resilience"
)

var (
	// ErrEmergencyDisabled rejects autonomous work while the kill switch is
	// engaged.
	ErrEmergencyDisabled = fmt.Errorf("autonomous operation emergency-disabled")
	// ErrUnknownDecision is returned for approve/reject of an ID that is not
	// pending.
	ErrUnknownDecision = fmt.Errorf("unknown pending decision")
)

// recentWindow is how many task outcomes feed the global success rate used
// by confidence scoring.
const recentWindow = 32

type pendingDecision struct {
	decision *knowledge.Decision
	actions  []string
	issues   []string
	created  time.Time
}

// Orchestrator supervises a set of agents. All mutable state is exclusively
// owned; the bus and emitter are the only shared collaborators.
type Orchestrator struct {
	cfg      config.Config
	bus      *bus.Bus
	emitter  *events.Emitter
	kb       *knowledge.Base
	scorer   knowledge.Scorer
	store    *persistence.Store
	recorder *metrics.Recorder
	logger   *logx.Logger

	// decisionLimiter bounds how many autonomous actions may execute per
	// window; decisionBreaker fast-fails autonomous execution after repeated
	// decision failures.
	decisionLimiter *limiter.Bucket
	decisionBreaker *resilience.Breaker

	mu       sync.Mutex
	agents   map[string]*agent.Agent
	pending  map[string]*pendingDecision
	autonomy bool
	disabled bool // emergency kill switch, manual reset only

	// recent task outcomes, newest last, bounded to recentWindow
	outcomes []bool

	backlog *queue.PriorityQueue

	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	unsubs  []func()
}

// New wires an orchestrator. store and recorder may be nil.
func New(cfg config.Config, b *bus.Bus, em *events.Emitter, kb *knowledge.Base,
	scorer knowledge.Scorer, store *persistence.Store, rec *metrics.Recorder) *Orchestrator {
	if scorer == nil {
		scorer = knowledge.NewHeuristicScorer()
	}
	return &Orchestrator{
		cfg:      cfg,
		bus:      b,
		emitter:  em,
		kb:       kb,
		scorer:   scorer,
		store:    store,
		recorder: rec,
		logger:   logx.NewLogger("orchestrator"),
		decisionLimiter: limiter.NewBucket(
			cfg.Limiter.MaxTokens, cfg.Limiter.Window.Std()),
		decisionBreaker: resilience.NewBreaker("decisions", resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout.Std(),
		}),
		agents:   make(map[string]*agent.Agent),
		pending:  make(map[string]*pendingDecision),
		autonomy: true,
		backlog:  queue.New(),
	}
}

// RegisterAgent instantiates an agent from the spec, initializes it, starts
// its processing loop, and wires its outcome events into learning and
// metrics.
func (o *Orchestrator) RegisterAgent(ctx context.Context, spec config.WorkerSpec, proc agent.Processor) (*agent.Agent, error) {
	a := agent.New(agent.Config{
		Name:         spec.Name,
		Type:         spec.Type,
		Capabilities: spec.Capabilities,
	}, proc, o.bus, o.emitter, o.cfg.Agent)

	if err := a.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("register %s: %w", spec.Name, err)
	}
	if err := a.Start(ctx); err != nil {
		return nil, fmt.Errorf("register %s: %w", spec.Name, err)
	}

	o.mu.Lock()
	o.agents[a.ID()] = a
	o.mu.Unlock()

	o.logger.Info("registered agent %s (type=%s, capabilities=%v)",
		a.ID(), spec.Type, spec.Capabilities)
	return a, nil
}

// Agents returns the registered agents.
func (o *Orchestrator) Agents() []*agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*agent.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	return out
}

// AgentByID looks up a registered agent.
func (o *Orchestrator) AgentByID(id string) (*agent.Agent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[id]
	return a, ok
}

// SubmitTask routes a task to the best-fit agent, or backlogs it when no
// agent currently qualifies. Autonomous-origin tasks are rejected while the
// emergency kill switch is engaged.
func (o *Orchestrator) SubmitTask(task *proto.Task) error {
	o.mu.Lock()
	disabled := o.disabled
	o.mu.Unlock()
	if disabled && task.Origin == proto.OriginAutonomous {
		return ErrEmergencyDisabled
	}

	if o.AssignTask(task) {
		return nil
	}
	o.backlog.Enqueue(task)
	o.logger.Debug("no eligible agent for task %s (type=%s), backlogged", task.ID, task.Type)
	return nil
}

// AssignTask picks the best-fit idle agent for the task. Fitness combines
// capability match, historical success rate, and queue availability. Returns
// false when no idle agent has the required capability.
func (o *Orchestrator) AssignTask(task *proto.Task) bool {
	best := o.bestFit(task)
	if best == nil {
		return false
	}
	best.Enqueue(task)
	o.recorder.SetQueueDepth(best.Name(), best.QueueLen())
	o.logger.Debug("assigned task %s (type=%s) to %s", task.ID, task.Type, best.ID())
	return true
}

func (o *Orchestrator) bestFit(task *proto.Task) *agent.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()

	var best *agent.Agent
	bestScore := -1.0
	for _, a := range o.agents {
		if a.State() != proto.StateIdle {
			continue
		}
		if !hasCapability(a.Capabilities(), task.Type) {
			continue
		}
		score := a.Stats().SuccessRate * (1.0 / float64(1+a.QueueLen()))
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

// hasCapability reports whether caps covers the task type. An empty task
// type matches any agent; a "*" capability matches any task.
func hasCapability(caps []string, taskType string) bool {
	if taskType == "" {
		return true
	}
	for _, c := range caps {
		if c == taskType || c == "*" {
			return true
		}
	}
	return false
}

// Backlog returns the number of unassigned tasks.
func (o *Orchestrator) Backlog() int {
	return o.backlog.Len()
}

// Start launches the monitoring, decision, health, and snapshot loops and
// subscribes to task outcome events.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	group, loopCtx := errgroup.WithContext(loopCtx)
	o.cancel = cancel
	o.group = group

	o.subscribeOutcomes()

	group.Go(func() error { return o.monitorLoop(loopCtx) })
	group.Go(func() error { return o.decisionLoop(loopCtx) })
	group.Go(func() error { return o.healthLoop(loopCtx) })
	group.Go(func() error { return o.snapshotLoop(loopCtx) })

	o.logger.Info("orchestrator started (%d agents, threshold %.2f)",
		len(o.agents), o.cfg.Orchestrator.ConfidenceThreshold)
	return nil
}

// subscribeOutcomes wires task and error events into the recent-outcome
// window, the archive, and metrics.
func (o *Orchestrator) subscribeOutcomes() {
	completed := o.emitter.On(proto.EventTaskCompleted, func(ev events.Event) {
		o.recordOutcome(true)
		o.store.ArchiveEvent(ev)
		o.recorder.ObserveTask(ev.Source, true, eventDuration(ev))
	})
	failed := o.emitter.On(proto.EventTaskFailed, func(ev events.Event) {
		o.recordOutcome(false)
		o.store.ArchiveEvent(ev)
		o.recorder.ObserveTask(ev.Source, false, eventDuration(ev))
	})
	agentErr := o.emitter.On(proto.EventAgentError, func(ev events.Event) {
		o.store.ArchiveEvent(ev)
		o.logger.Warn("agent %s entered error state", ev.Source)
	})
	o.mu.Lock()
	o.unsubs = append(o.unsubs, completed, failed, agentErr)
	o.mu.Unlock()
}

func eventDuration(ev events.Event) time.Duration {
	if s, ok := ev.Data["duration"].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return 0
}

func (o *Orchestrator) recordOutcome(success bool) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, success)
	if len(o.outcomes) > recentWindow {
		o.outcomes = o.outcomes[len(o.outcomes)-recentWindow:]
	}
	o.mu.Unlock()
}

// recentSuccessRate returns the success fraction over the recent outcome
// window. ok is false before any outcome has been observed.
func (o *Orchestrator) recentSuccessRate() (rate float64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.outcomes) == 0 {
		return 0, false
	}
	succ := 0
	for _, s := range o.outcomes {
		if s {
			succ++
		}
	}
	return float64(succ) / float64(len(o.outcomes)), true
}

// Stop shuts the loops down, stops every agent, and writes a final knowledge
// snapshot.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	group := o.group
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait() // loops only return ctx.Err()
	}
	for _, unsub := range unsubs {
		unsub()
	}

	var firstErr error
	for _, a := range o.Agents() {
		if err := a.Stop(ctx); err != nil {
			o.logger.Warn("stopping %s: %v", a.ID(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := o.kb.Snapshot(o.cfg.Orchestrator.KnowledgePath); err != nil {
		o.logger.Warn("final knowledge snapshot failed: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	o.logger.Info("orchestrator stopped")
	return firstErr
}
