// Package knowledge tracks autonomous decision outcomes per context
// fingerprint. It is a simple frequency tracker: each resolved decision
// updates the occurrence/success/failure counts and the rolling average
// confidence for its fingerprint, and the derived success rate feeds back
// into future confidence scoring.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/logx"
)

// Outcome is the recorded result of an autonomous decision.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry accumulates outcome statistics for one context fingerprint.
type Entry struct {
	Occurrences   int     `json:"occurrences"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// SuccessRate derives the historical success fraction. Entries with no
// resolved outcomes report zero.
func (e *Entry) SuccessRate() float64 {
	resolved := e.Successes + e.Failures
	if resolved == 0 {
		return 0
	}
	return float64(e.Successes) / float64(resolved)
}

// Decision records one autonomous action: what was proposed, how confident
// the scorer was, and how it turned out.
type Decision struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Actions     []string  `json:"actions"`
	Confidence  float64   `json:"confidence"`
	Outcome     Outcome   `json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// Base is the in-memory knowledge base: per-fingerprint entries plus a
// bounded decision history. One orchestrator exclusively owns one Base.
type Base struct {
	mu           sync.Mutex
	entries      map[string]*Entry
	history      []*Decision
	historyLimit int
	logger       *logx.Logger
}

// NewBase creates an empty knowledge base retaining at most historyLimit
// decisions.
func NewBase(historyLimit int) *Base {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Base{
		entries:      make(map[string]*Entry),
		historyLimit: historyLimit,
		logger:       logx.NewLogger("knowledge"),
	}
}

// RecordDecision appends a pending decision to the history, evicting the
// oldest entry once the limit is reached.
func (b *Base) RecordDecision(fingerprint string, actions []string, confidence float64) *Decision {
	d := &Decision{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		Actions:     append([]string{}, actions...),
		Confidence:  confidence,
		Outcome:     OutcomePending,
		CreatedAt:   time.Now().UTC(),
	}

	b.mu.Lock()
	b.history = append(b.history, d)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	b.mu.Unlock()
	return d
}

// ResolveDecision marks a decision's outcome and folds it into the entry for
// its fingerprint: occurrence counts, success/failure tallies, and a rolling
// average of the confidence values seen for that context.
func (b *Base) ResolveDecision(id string, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var decision *Decision
	for _, d := range b.history {
		if d.ID == id {
			decision = d
			break
		}
	}
	if decision == nil {
		return fmt.Errorf("decision %s not found in history", id)
	}
	if decision.Outcome != OutcomePending {
		return fmt.Errorf("decision %s already resolved as %s", id, decision.Outcome)
	}

	if success {
		decision.Outcome = OutcomeSuccess
	} else {
		decision.Outcome = OutcomeFailure
	}
	decision.ResolvedAt = time.Now().UTC()

	entry, ok := b.entries[decision.Fingerprint]
	if !ok {
		entry = &Entry{}
		b.entries[decision.Fingerprint] = entry
	}
	entry.Occurrences++
	if success {
		entry.Successes++
	} else {
		entry.Failures++
	}
	entry.AvgConfidence += (decision.Confidence - entry.AvgConfidence) / float64(entry.Occurrences)

	b.logger.Debug("resolved decision %s (%s): success=%t, rate now %.2f",
		id, decision.Fingerprint, success, entry.SuccessRate())
	return nil
}

// EntryFor returns a copy of the entry for the fingerprint.
func (b *Base) EntryFor(fingerprint string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[fingerprint]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// SuccessRateFor returns the historical success rate for the fingerprint.
// The second return is false when no resolved decisions share the context.
func (b *Base) SuccessRateFor(fingerprint string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[fingerprint]
	if !ok || entry.Successes+entry.Failures == 0 {
		return 0, false
	}
	return entry.SuccessRate(), true
}

// History returns a copy of the retained decisions, oldest first.
func (b *Base) History() []*Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Decision, len(b.history))
	copy(out, b.history)
	return out
}

// PendingDecisions returns decisions awaiting an outcome.
func (b *Base) PendingDecisions() []*Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	var pending []*Decision
	for _, d := range b.history {
		if d.Outcome == OutcomePending {
			pending = append(pending, d)
		}
	}
	return pending
}

// Len reports the number of fingerprints with entries.
func (b *Base) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

type snapshotFile struct {
	SavedAt time.Time         `json:"saved_at"`
	Entries map[string]*Entry `json:"entries"`
	History []*Decision       `json:"history"`
}

// Snapshot writes the knowledge base to path atomically: the JSON is written
// to a temp file in the same directory and renamed over the target, so a
// crash mid-write never leaves a truncated snapshot.
func (b *Base) Snapshot(path string) error {
	b.mu.Lock()
	snap := snapshotFile{
		SavedAt: time.Now().UTC(),
		Entries: make(map[string]*Entry, len(b.entries)),
		History: make([]*Decision, len(b.history)),
	}
	for fp, entry := range b.entries {
		cp := *entry
		snap.Entries[fp] = &cp
	}
	copy(snap.History, b.history)
	b.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal knowledge snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".knowledge-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	b.logger.Debug("snapshot written to %s (%d fingerprints)", path, len(snap.Entries))
	return nil
}

// Load reads a snapshot from path. A missing file yields an empty base.
func Load(path string, historyLimit int) (*Base, error) {
	b := NewBase(historyLimit)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read knowledge snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse knowledge snapshot %s: %w", path, err)
	}

	if snap.Entries != nil {
		b.entries = snap.Entries
	}
	b.history = snap.History
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	b.logger.Info("loaded %d fingerprints, %d decisions from %s",
		len(b.entries), len(b.history), path)
	return b, nil
}
