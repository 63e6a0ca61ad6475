package orch

import (
	"context"
	"fmt"
	"time"

	"conductor/pkg/knowledge"
	"conductor/pkg/proto"
)

// assessment is one observation of system state: what is wrong, what could
// be exploited, and the actions that would address them.
type assessment struct {
	issues        []string
	opportunities []string
	actions       []string
}

// monitorLoop periodically assesses system state, scores a confidence value
// for the proposed actions, and either executes them autonomously or
// surfaces them for manual approval.
func (o *Orchestrator) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Orchestrator.MonitorInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.monitorTick(ctx)
		}
	}
}

func (o *Orchestrator) monitorTick(ctx context.Context) {
	a := o.assess()
	if len(a.actions) == 0 {
		return
	}

	fp := knowledge.Fingerprint(a.issues, a.opportunities)
	confidence := o.score(fp)

	o.mu.Lock()
	autonomous := o.autonomy && !o.disabled
	o.mu.Unlock()

	if !autonomous {
		// Autonomy off: observe, never act.
		o.logger.Debug("autonomy disabled, skipping decision for %s", fp)
		return
	}

	if confidence >= o.cfg.Orchestrator.ConfidenceThreshold {
		o.executeAutonomous(ctx, fp, a, confidence)
		return
	}

	o.surfaceDecision(fp, a, confidence)
}

// assess derives the current issue and opportunity types from agent states
// and queue depths.
func (o *Orchestrator) assess() assessment {
	var a assessment

	errored := 0
	idle := 0
	queued := o.backlog.Len()
	for _, ag := range o.Agents() {
		switch ag.State() {
		case proto.StateError:
			errored++
		case proto.StateIdle:
			idle++
		}
		queued += ag.QueueLen()
	}

	if errored > 0 {
		a.issues = append(a.issues, "agent-error")
		a.actions = append(a.actions, "restart-errored")
	}
	if o.backlog.Len() > 0 {
		a.issues = append(a.issues, "backlog")
		if idle > 0 {
			a.opportunities = append(a.opportunities, "idle-capacity")
			a.actions = append(a.actions, "assign-backlog")
		}
	}
	if queued >= 10 {
		a.issues = append(a.issues, "high-load")
	}
	return a
}

// score runs the confidence scorer against the current context.
func (o *Orchestrator) score(fingerprint string) float64 {
	rate, ok := o.recentSuccessRate()
	return o.scorer.Score(knowledge.Context{
		Fingerprint:       fingerprint,
		RecentSuccessRate: rate,
		HasRecent:         ok,
		QueueDepth:        o.backlog.Len(),
	}, o.kb)
}

// executeAutonomous records a decision, runs its actions under the rate
// limiter and circuit breaker, and resolves the outcome into the knowledge
// base.
func (o *Orchestrator) executeAutonomous(ctx context.Context, fp string, a assessment, confidence float64) {
	if err := o.decisionLimiter.TryAcquire(); err != nil {
		o.logger.Warn("autonomous action rate-limited, deferring: %v", err)
		o.surfaceDecision(fp, a, confidence)
		return
	}

	decision := o.kb.RecordDecision(fp, a.actions, confidence)
	o.store.ArchiveDecision(decision)

	err := o.decisionBreaker.Execute(ctx, func(ctx context.Context) error {
		return o.runActions(ctx, a.actions)
	})
	success := err == nil
	if err != nil {
		o.logger.Warn("decision %s failed: %v", decision.ID, err)
	}

	if rerr := o.kb.ResolveDecision(decision.ID, success); rerr != nil {
		o.logger.Warn("resolving decision %s: %v", decision.ID, rerr)
	}
	o.store.ArchiveDecision(decision)
	o.recorder.ObserveDecision("executed", confidence)

	o.emitter.Emit(proto.EventAgentDecision, "orchestrator", map[string]any{
		"decision_id": decision.ID,
		"fingerprint": fp,
		"actions":     a.actions,
		"confidence":  confidence,
		"success":     success,
	})
}

// surfaceDecision records a below-threshold (or deferred) decision and emits
// decision_pending for manual review.
func (o *Orchestrator) surfaceDecision(fp string, a assessment, confidence float64) {
	decision := o.kb.RecordDecision(fp, a.actions, confidence)
	o.store.ArchiveDecision(decision)

	o.mu.Lock()
	o.pending[decision.ID] = &pendingDecision{
		decision: decision,
		actions:  a.actions,
		issues:   a.issues,
		created:  time.Now(),
	}
	o.mu.Unlock()

	o.recorder.ObserveDecision("pending", confidence)
	o.emitter.Emit(proto.EventDecisionPending, "orchestrator", map[string]any{
		"decision_id": decision.ID,
		"fingerprint": fp,
		"actions":     a.actions,
		"confidence":  confidence,
		"threshold":   o.cfg.Orchestrator.ConfidenceThreshold,
	})
	o.logger.Info("decision %s below threshold (%.2f < %.2f), awaiting approval",
		decision.ID, confidence, o.cfg.Orchestrator.ConfidenceThreshold)
}

// runActions performs the named actions. An action with nothing to act on is
// an error so pointless decisions register as failures and lower future
// confidence for their context.
func (o *Orchestrator) runActions(ctx context.Context, actions []string) error {
	for _, action := range actions {
		switch action {
		case "assign-backlog":
			if o.drainBacklog() == 0 {
				return fmt.Errorf("assign-backlog moved no tasks")
			}
		case "restart-errored":
			restarted, err := o.restartErrored(ctx)
			if err != nil {
				return err
			}
			if restarted == 0 {
				return fmt.Errorf("restart-errored found no agents to restart")
			}
		default:
			return fmt.Errorf("unknown action %q", action)
		}
	}
	return nil
}

// decisionLoop drains the backlog and reviews pending decisions on a short
// interval.
func (o *Orchestrator) decisionLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Orchestrator.DecisionInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.drainBacklog()
			o.reviewPending(ctx)
		}
	}
}

// drainBacklog assigns backlogged tasks to eligible agents, at most
// MaxConcurrentAgents per pass. Tasks with no eligible agent go back to the
// backlog in their original priority position.
func (o *Orchestrator) drainBacklog() int {
	assigned := 0
	var unassignable []*proto.Task

	for assigned < o.cfg.Orchestrator.MaxConcurrentAgents {
		task, ok := o.backlog.Dequeue()
		if !ok {
			break
		}
		if o.AssignTask(task) {
			assigned++
			continue
		}
		unassignable = append(unassignable, task)
	}
	for _, task := range unassignable {
		o.backlog.Enqueue(task)
	}

	if assigned > 0 {
		o.logger.Debug("drained %d backlogged tasks", assigned)
	}
	return assigned
}

// reviewPending re-scores pending decisions; ones that now clear the
// threshold execute autonomously. Stale decisions expire as failures.
func (o *Orchestrator) reviewPending(ctx context.Context) {
	const maxPendingAge = 5 * time.Minute

	o.mu.Lock()
	autonomous := o.autonomy && !o.disabled
	candidates := make([]*pendingDecision, 0, len(o.pending))
	for _, pd := range o.pending {
		candidates = append(candidates, pd)
	}
	o.mu.Unlock()

	for _, pd := range candidates {
		if time.Since(pd.created) > maxPendingAge {
			o.logger.Info("pending decision %s expired", pd.decision.ID)
			if err := o.RejectDecision(pd.decision.ID); err != nil {
				o.logger.Debug("expiring %s: %v", pd.decision.ID, err)
			}
			continue
		}
		if !autonomous {
			continue
		}
		confidence := o.score(pd.decision.Fingerprint)
		if confidence >= o.cfg.Orchestrator.ConfidenceThreshold {
			o.logger.Info("pending decision %s re-scored to %.2f, executing",
				pd.decision.ID, confidence)
			if err := o.ApproveDecision(ctx, pd.decision.ID); err != nil {
				o.logger.Warn("approving %s: %v", pd.decision.ID, err)
			}
		}
	}
}

// healthLoop runs CheckAgentHealth on a fixed interval.
func (o *Orchestrator) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Orchestrator.HealthCheckInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.CheckAgentHealth(ctx)
		}
	}
}

// CheckAgentHealth restarts agents in the error or stopped state and agents
// stuck busy beyond the configured limit. Returns how many were restarted.
//
// Each restart is bounded by the health-check interval: a stuck agent whose
// in-flight task never returns would otherwise wedge this loop on its stop
// drain, and with it all supervision of the remaining agents. On timeout the
// agent is skipped and retried on the next cycle.
func (o *Orchestrator) CheckAgentHealth(ctx context.Context) int {
	restarted := 0
	for _, a := range o.Agents() {
		reason := ""
		switch a.State() {
		case proto.StateError:
			reason = "error_state"
		case proto.StateStopped:
			reason = "stopped"
		case proto.StateBusy:
			if since := a.BusySince(); !since.IsZero() &&
				time.Since(since) > o.cfg.Orchestrator.StuckTaskLimit.Std() {
				reason = "stuck"
			}
		}
		if reason == "" {
			continue
		}

		o.logger.Warn("restarting agent %s (%s)", a.ID(), reason)
		restartCtx, cancel := context.WithTimeout(ctx, o.cfg.Orchestrator.HealthCheckInterval.Std())
		err := a.Restart(restartCtx)
		cancel()
		if err != nil {
			o.logger.Warn("restart of %s failed, retrying next cycle: %v", a.ID(), err)
			continue
		}
		o.recorder.IncRestart(a.Name(), reason)
		restarted++
	}
	return restarted
}

// restartErrored restarts only agents in the error state, for the
// restart-errored autonomous action.
func (o *Orchestrator) restartErrored(ctx context.Context) (int, error) {
	restarted := 0
	for _, a := range o.Agents() {
		if a.State() != proto.StateError {
			continue
		}
		if err := a.Restart(ctx); err != nil {
			return restarted, fmt.Errorf("restart %s: %w", a.ID(), err)
		}
		o.recorder.IncRestart(a.Name(), "error_state")
		restarted++
	}
	return restarted, nil
}

// snapshotLoop persists the knowledge base on a fixed interval. The final
// snapshot happens in Stop.
func (o *Orchestrator) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Orchestrator.SnapshotInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.kb.Snapshot(o.cfg.Orchestrator.KnowledgePath); err != nil {
				o.logger.Warn("knowledge snapshot failed: %v", err)
			}
		}
	}
}
