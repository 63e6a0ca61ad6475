package orch

import (
	"context"
	"fmt"

	"conductor/pkg/proto"
)

// SetAutonomy toggles autonomous decision-making. Turning it off purges
// autonomous-origin tasks from the backlog and every agent queue; manual
// tasks are untouched.
func (o *Orchestrator) SetAutonomy(enabled bool) {
	o.mu.Lock()
	if o.disabled && enabled {
		o.mu.Unlock()
		o.logger.Warn("cannot enable autonomy while emergency-disabled")
		return
	}
	changed := o.autonomy != enabled
	o.autonomy = enabled
	o.mu.Unlock()

	if !changed {
		return
	}

	purged := 0
	if !enabled {
		purged = o.purgeAutonomousTasks()
	}

	o.emitter.Emit(proto.EventAutonomyToggled, "orchestrator", map[string]any{
		"enabled": enabled,
		"purged":  purged,
	})
	o.logger.Info("autonomy %s (purged %d autonomous tasks)",
		map[bool]string{true: "enabled", false: "disabled"}[enabled], purged)
}

// Autonomy reports whether autonomous decisions are currently permitted.
func (o *Orchestrator) Autonomy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autonomy && !o.disabled
}

// EmergencyDisable forcibly halts all autonomous action and purges
// autonomous-origin queued tasks. It stays engaged until ResetEmergency.
func (o *Orchestrator) EmergencyDisable(reason string) {
	o.mu.Lock()
	if o.disabled {
		o.mu.Unlock()
		return
	}
	o.disabled = true
	o.autonomy = false
	o.mu.Unlock()

	purged := o.purgeAutonomousTasks()

	o.emitter.Emit(proto.EventEmergencyDisable, "orchestrator", map[string]any{
		"reason": reason,
		"purged": purged,
	})
	o.logger.Warn("EMERGENCY DISABLE: %s (purged %d autonomous tasks)", reason, purged)
}

// ResetEmergency releases the kill switch. Autonomy stays off until
// explicitly re-enabled.
func (o *Orchestrator) ResetEmergency() {
	o.mu.Lock()
	o.disabled = false
	o.mu.Unlock()
	o.logger.Info("emergency disable reset")
}

func (o *Orchestrator) purgeAutonomousTasks() int {
	isAutonomous := func(t *proto.Task) bool { return t.Origin == proto.OriginAutonomous }

	purged := o.backlog.Purge(isAutonomous)
	for _, a := range o.Agents() {
		purged += a.PurgeQueue(isAutonomous)
	}
	return purged
}

// PendingDecisions lists decisions awaiting manual review.
func (o *Orchestrator) PendingDecisions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.pending))
	for id := range o.pending {
		ids = append(ids, id)
	}
	return ids
}

// ApproveDecision executes a pending decision's actions and records the
// outcome.
func (o *Orchestrator) ApproveDecision(ctx context.Context, id string) error {
	o.mu.Lock()
	pd, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}

	err := o.runActions(ctx, pd.actions)
	success := err == nil
	if rerr := o.kb.ResolveDecision(pd.decision.ID, success); rerr != nil {
		o.logger.Warn("resolving approved decision %s: %v", id, rerr)
	}
	o.store.ArchiveDecision(pd.decision)
	o.recorder.ObserveDecision("approved", pd.decision.Confidence)

	o.emitter.Emit(proto.EventAgentDecision, "orchestrator", map[string]any{
		"decision_id": id,
		"approved":    true,
		"success":     success,
	})
	if err != nil {
		return fmt.Errorf("approved decision %s: %w", id, err)
	}
	return nil
}

// RejectDecision discards a pending decision, recording it as a failed
// outcome so its context scores lower in the future.
func (o *Orchestrator) RejectDecision(id string) error {
	o.mu.Lock()
	pd, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDecision, id)
	}

	if err := o.kb.ResolveDecision(pd.decision.ID, false); err != nil {
		o.logger.Warn("resolving rejected decision %s: %v", id, err)
	}
	o.store.ArchiveDecision(pd.decision)
	o.recorder.ObserveDecision("rejected", pd.decision.Confidence)
	return nil
}
