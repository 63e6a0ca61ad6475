package orch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"conductor/pkg/agent"
	"conductor/pkg/bus"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/knowledge"
	"conductor/pkg/proto"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Orchestrator.MonitorInterval = config.Duration(20 * time.Millisecond)
	cfg.Orchestrator.DecisionInterval = config.Duration(10 * time.Millisecond)
	cfg.Orchestrator.HealthCheckInterval = config.Duration(20 * time.Millisecond)
	cfg.Orchestrator.SnapshotInterval = config.Duration(time.Hour)
	cfg.Orchestrator.KnowledgePath = filepath.Join(t.TempDir(), "knowledge.json")
	cfg.Agent.IdlePoll = config.Duration(5 * time.Millisecond)
	return cfg
}

func newTestOrchestrator(t *testing.T, scorer knowledge.Scorer) (*Orchestrator, *bus.Bus, *events.Emitter) {
	t.Helper()
	b := bus.New(16)
	t.Cleanup(b.Close)
	em := events.NewEmitter(16)
	t.Cleanup(em.Close)

	o := New(testConfig(t), b, em, knowledge.NewBase(10), scorer, nil, nil)
	return o, b, em
}

// countingProc counts processed tasks; fails the first failN of them.
type countingProc struct {
	mu        sync.Mutex
	processed int
	failN     int
	block     chan struct{} // when non-nil, ProcessTask waits on it
}

func (p *countingProc) ProcessTask(_ context.Context, _ *proto.Task) (any, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.processed++
	fail := p.processed <= p.failN
	p.mu.Unlock()
	if fail {
		return nil, errors.New("induced failure")
	}
	return "ok", nil
}

func (p *countingProc) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// fixedScorer always returns the same confidence.
type fixedScorer struct{ v float64 }

func (s fixedScorer) Score(knowledge.Context, *knowledge.Base) float64 { return s.v }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestSubmitAssignsByCapability(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	scanner := &countingProc{}
	builder := &countingProc{}
	_, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: "scanner", Type: "worker", Capabilities: []string{"scan"}}, scanner)
	if err != nil {
		t.Fatalf("register scanner: %v", err)
	}
	_, err = o.RegisterAgent(ctx, config.WorkerSpec{Name: "builder", Type: "worker", Capabilities: []string{"build"}}, builder)
	if err != nil {
		t.Fatalf("register builder: %v", err)
	}
	defer func() {
		for _, a := range o.Agents() {
			_ = a.Stop(ctx)
		}
	}()

	if err := o.SubmitTask(proto.NewTask("scan", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.SubmitTask(proto.NewTask("build", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return scanner.count() == 1 && builder.count() == 1
	})
}

func TestSubmitBacklogsWithoutEligibleAgent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)

	if err := o.SubmitTask(proto.NewTask("unknown-type", 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := o.Backlog(); got != 1 {
		t.Errorf("expected 1 backlogged task, got %d", got)
	}
}

func TestAutonomyOffPurgesAutonomousTasksOnly(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)

	// No registered agents: everything backlogs.
	for i := 0; i < 3; i++ {
		task := proto.NewTask("work", 5)
		task.Origin = proto.OriginAutonomous
		if err := o.SubmitTask(task); err != nil {
			t.Fatalf("submit autonomous: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := o.SubmitTask(proto.NewTask("work", 5)); err != nil {
			t.Fatalf("submit manual: %v", err)
		}
	}

	o.SetAutonomy(false)

	if got := o.Backlog(); got != 2 {
		t.Errorf("expected 2 manual tasks to survive, got %d", got)
	}
	for {
		task, ok := o.backlog.Dequeue()
		if !ok {
			break
		}
		if task.Origin != proto.OriginManual {
			t.Errorf("autonomous task %s survived the purge", task.ID)
		}
	}
}

func TestEmergencyDisableRejectsAutonomousSubmissions(t *testing.T) {
	o, _, em := newTestOrchestrator(t, nil)

	received := make(chan events.Event, 1)
	em.On(proto.EventEmergencyDisable, func(ev events.Event) { received <- ev })

	o.EmergencyDisable("operator request")

	select {
	case ev := <-received:
		if ev.Data["reason"] != "operator request" {
			t.Errorf("unexpected reason: %v", ev.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("emergency_disable event not emitted")
	}

	task := proto.NewTask("work", 5)
	task.Origin = proto.OriginAutonomous
	if err := o.SubmitTask(task); !errors.Is(err, ErrEmergencyDisabled) {
		t.Errorf("expected ErrEmergencyDisabled, got %v", err)
	}
	if err := o.SubmitTask(proto.NewTask("work", 5)); err != nil {
		t.Errorf("manual task rejected: %v", err)
	}

	// Autonomy cannot come back without a manual reset.
	o.SetAutonomy(true)
	if o.Autonomy() {
		t.Error("autonomy re-enabled while emergency-disabled")
	}
	o.ResetEmergency()
	o.SetAutonomy(true)
	if !o.Autonomy() {
		t.Error("autonomy not restored after reset")
	}
}

func TestHealthCheckRestartsErroredAgent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	proc := &countingProc{failN: 5}
	a, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: "flaky", Type: "worker", Capabilities: []string{"work"}}, proc)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer func() { _ = a.Stop(ctx) }()

	for i := 0; i < 5; i++ {
		a.Enqueue(proto.NewTask("work", 1))
	}
	waitFor(t, 2*time.Second, func() bool { return a.State() == proto.StateError })

	if restarted := o.CheckAgentHealth(ctx); restarted != 1 {
		t.Fatalf("expected 1 restart, got %d", restarted)
	}
	if s := a.State(); s != proto.StateIdle && s != proto.StateBusy {
		t.Errorf("expected running state after restart, got %s", s)
	}

	// A healthy agent is left alone.
	if restarted := o.CheckAgentHealth(ctx); restarted != 0 {
		t.Errorf("healthy agent restarted: %d", restarted)
	}
}

func TestHealthCheckSkipsStuckAgent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	o.cfg.Orchestrator.StuckTaskLimit = config.Duration(10 * time.Millisecond)
	ctx := context.Background()

	// One agent wedged in ProcessTask, one driven into the error state.
	release := make(chan struct{})
	stuck, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: "stuck", Type: "worker", Capabilities: []string{"work"}}, &countingProc{block: release})
	if err != nil {
		t.Fatalf("register stuck: %v", err)
	}
	errored, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: "errored", Type: "worker", Capabilities: []string{"work"}}, &countingProc{failN: 5})
	if err != nil {
		t.Fatalf("register errored: %v", err)
	}
	defer func() {
		close(release) // unblock the wedged task before stopping
		for _, a := range []*agent.Agent{stuck, errored} {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.Stop(stopCtx)
			cancel()
		}
	}()

	stuck.Enqueue(proto.NewTask("work", 5))
	for i := 0; i < 5; i++ {
		errored.Enqueue(proto.NewTask("work", 1))
	}
	waitFor(t, 2*time.Second, func() bool {
		return stuck.State() == proto.StateBusy && errored.State() == proto.StateError
	})
	time.Sleep(20 * time.Millisecond) // exceed the stuck limit

	start := time.Now()
	restarted := o.CheckAgentHealth(ctx)
	elapsed := time.Since(start)

	// The wedged agent cannot be restarted while its task never returns, but
	// it must not block supervision of the rest: the errored agent is
	// restarted and the check returns within the bounded restart window.
	if restarted != 1 {
		t.Errorf("expected 1 restart (errored agent), got %d", restarted)
	}
	if elapsed > time.Second {
		t.Errorf("health check blocked %v on a stuck agent", elapsed)
	}
	if s := errored.State(); s != proto.StateIdle && s != proto.StateBusy {
		t.Errorf("errored agent not restarted, state %s", s)
	}
}

func TestMonitorSurfacesLowConfidenceDecision(t *testing.T) {
	o, _, em := newTestOrchestrator(t, fixedScorer{v: 0.3})
	ctx := context.Background()

	pending := make(chan events.Event, 1)
	em.On(proto.EventDecisionPending, func(ev events.Event) { pending <- ev })

	proc := &countingProc{}
	a, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: "w", Type: "worker", Capabilities: []string{"work"}}, proc)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer func() { _ = a.Stop(ctx) }()

	// Backlogged work plus an idle agent proposes assign-backlog.
	o.backlog.Enqueue(proto.NewTask("work", 5))
	o.monitorTick(ctx)

	select {
	case ev := <-pending:
		if ev.Data["confidence"].(float64) != 0.3 {
			t.Errorf("unexpected confidence: %v", ev.Data["confidence"])
		}
	case <-time.After(time.Second):
		t.Fatal("decision_pending not emitted")
	}

	ids := o.PendingDecisions()
	if len(ids) != 1 {
		t.Fatalf("expected 1 pending decision, got %d", len(ids))
	}
	if o.Backlog() != 1 {
		t.Error("low-confidence decision must not execute")
	}

	// Manual approval executes the assignment.
	if err := o.ApproveDecision(ctx, ids[0]); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if o.Backlog() != 0 {
		t.Error("approved decision did not drain the backlog")
	}
	waitFor(t, 2*time.Second, func() bool { return proc.count() == 1 })
}

func TestMonitorExecutesHighConfidenceDecision(t *testing.T) {
	o, _, em := newTestOrchestrator(t, fixedScorer{v: 0.9})
	ctx := context.Background()

	decided := make(chan events.Event, 1)
	em.On(proto.EventAgentDecision, func(ev events.Event) { decided <- ev })

	proc := &countingProc{}
	a, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: "w", Type: "worker", Capabilities: []string{"work"}}, proc)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer func() { _ = a.Stop(ctx) }()

	o.backlog.Enqueue(proto.NewTask("work", 5))
	o.monitorTick(ctx)

	select {
	case ev := <-decided:
		if ev.Data["success"] != true {
			t.Errorf("expected successful decision, got %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("agent_decision not emitted")
	}

	if o.Backlog() != 0 {
		t.Error("high-confidence decision did not drain the backlog")
	}

	// The outcome lands in the knowledge base for this fingerprint.
	history := o.kb.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 decision in history, got %d", len(history))
	}
	if history[0].Outcome != knowledge.OutcomeSuccess {
		t.Errorf("expected success outcome, got %s", history[0].Outcome)
	}
}

func TestRejectDecisionRecordsFailure(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, fixedScorer{v: 0.1})
	ctx := context.Background()

	proc := &countingProc{}
	a, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: "w", Type: "worker", Capabilities: []string{"work"}}, proc)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer func() { _ = a.Stop(ctx) }()

	o.backlog.Enqueue(proto.NewTask("work", 5))
	o.monitorTick(ctx)

	ids := o.PendingDecisions()
	if len(ids) != 1 {
		t.Fatalf("expected 1 pending decision, got %d", len(ids))
	}
	if err := o.RejectDecision(ids[0]); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := o.RejectDecision(ids[0]); !errors.Is(err, ErrUnknownDecision) {
		t.Errorf("expected ErrUnknownDecision on double reject, got %v", err)
	}

	history := o.kb.History()
	if len(history) != 1 || history[0].Outcome != knowledge.OutcomeFailure {
		t.Errorf("rejected decision not recorded as failure: %+v", history)
	}
}

func TestDrainBacklogBoundedPerPass(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.MaxConcurrentAgents = 2
	b := bus.New(16)
	t.Cleanup(b.Close)
	em := events.NewEmitter(16)
	t.Cleanup(em.Close)
	o := New(cfg, b, em, knowledge.NewBase(10), nil, nil, nil)
	ctx := context.Background()

	// Block processing so assigned tasks stay visible in queue lengths.
	release := make(chan struct{})
	var agents []*agent.Agent
	for _, name := range []string{"w1", "w2", "w3"} {
		a, err := o.RegisterAgent(ctx, config.WorkerSpec{Name: name, Type: "worker", Capabilities: []string{"work"}}, &countingProc{block: release})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		agents = append(agents, a)
	}
	defer func() {
		close(release) // unblock in-flight tasks before stopping
		for _, a := range agents {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.Stop(stopCtx)
			cancel()
		}
	}()

	for i := 0; i < 5; i++ {
		o.backlog.Enqueue(proto.NewTask("work", 1))
	}

	if assigned := o.drainBacklog(); assigned != 2 {
		t.Errorf("expected 2 assignments in one pass, got %d", assigned)
	}
	if o.Backlog() != 3 {
		t.Errorf("expected 3 tasks left in backlog, got %d", o.Backlog())
	}
}

func TestStopWritesFinalSnapshot(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, fixedScorer{v: 0.9})
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(ctx); err == nil {
		t.Error("expected second start to fail")
	}

	o.kb.RecordDecision("fp", nil, 0.5)
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	loaded, err := knowledge.Load(o.cfg.Orchestrator.KnowledgePath, 10)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(loaded.History()) != 1 {
		t.Errorf("final snapshot missing decision history")
	}
}
