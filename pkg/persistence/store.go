// Package persistence archives decisions and lifecycle events to SQLite.
// Writes are fire-and-forget through a single worker goroutine; the archive
// is optional history storage and every method is nil-safe so callers can
// run without a store at all.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"conductor/pkg/events"
	"conductor/pkg/knowledge"
	"conductor/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id           TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL,
	actions      TEXT NOT NULL DEFAULT '[]',
	confidence   REAL NOT NULL,
	outcome      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	resolved_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_fingerprint ON decisions(fingerprint);

CREATE TABLE IF NOT EXISTS agent_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	source     TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_events_name ON agent_events(name);
`

type writeRequest struct {
	query string
	args  []any
	done  chan struct{} // non-nil only for Flush
}

// Store is the SQLite archive. One worker goroutine serializes all writes;
// SQLite supports a single writer.
type Store struct {
	db        *sql.DB
	requests  chan writeRequest
	logger    *logx.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (creating if needed) the archive at path and starts the write
// worker.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path,
	))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize archive schema: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:       db,
		requests: make(chan writeRequest, 256),
		logger:   logx.NewLogger("persistence"),
	}
	s.wg.Add(1)
	go s.worker()

	s.logger.Info("archive opened: %s", path)
	return s, nil
}

func (s *Store) worker() {
	defer s.wg.Done()
	for req := range s.requests {
		if req.done != nil {
			close(req.done)
			continue
		}
		if _, err := s.db.Exec(req.query, req.args...); err != nil {
			s.logger.Warn("archive write failed: %v", err)
		}
	}
}

// enqueue submits a write without blocking the caller. A full queue drops
// the write; the archive is advisory history, not the source of truth.
func (s *Store) enqueue(query string, args ...any) {
	select {
	case s.requests <- writeRequest{query: query, args: args}:
	default:
		s.logger.Warn("archive queue full, dropping write")
	}
}

// ArchiveDecision records (or updates, once resolved) a decision. Safe on a
// nil store.
func (s *Store) ArchiveDecision(d *knowledge.Decision) {
	if s == nil || d == nil {
		return
	}
	actions, err := json.Marshal(d.Actions)
	if err != nil {
		s.logger.Warn("cannot marshal actions for decision %s: %v", d.ID, err)
		actions = []byte("[]")
	}
	var resolvedAt any
	if !d.ResolvedAt.IsZero() {
		resolvedAt = d.ResolvedAt
	}
	s.enqueue(`INSERT INTO decisions (id, fingerprint, actions, confidence, outcome, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, resolved_at = excluded.resolved_at`,
		d.ID, d.Fingerprint, string(actions), d.Confidence, string(d.Outcome), d.CreatedAt, resolvedAt)
}

// ArchiveEvent records an observable event. Safe on a nil store.
func (s *Store) ArchiveEvent(ev events.Event) {
	if s == nil {
		return
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	s.enqueue(`INSERT INTO agent_events (name, source, data, created_at) VALUES (?, ?, ?, ?)`,
		ev.Name, ev.Source, string(data), ev.Timestamp)
}

// DecisionRecord is one archived decision row.
type DecisionRecord struct {
	ID          string
	Fingerprint string
	Actions     []string
	Confidence  float64
	Outcome     string
	CreatedAt   time.Time
}

// Decisions returns the most recent archived decisions, newest first.
func (s *Store) Decisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fingerprint, actions, confidence, outcome, created_at
		 FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var actions string
		if err := rows.Scan(&rec.ID, &rec.Fingerprint, &actions, &rec.Confidence, &rec.Outcome, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &rec.Actions); err != nil {
			rec.Actions = nil
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

// EventRecord is one archived event row.
type EventRecord struct {
	Name      string
	Source    string
	Data      map[string]any
	CreatedAt time.Time
}

// Events returns the most recent archived events, newest first, optionally
// filtered by name.
func (s *Store) Events(ctx context.Context, name string, limit int) ([]EventRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT name, source, data, created_at FROM agent_events`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var data string
		if err := rows.Scan(&rec.Name, &rec.Source, &data, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
			rec.Data = nil
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Flush blocks until every write queued before the call has been applied.
func (s *Store) Flush() {
	if s == nil {
		return
	}
	done := make(chan struct{})
	s.requests <- writeRequest{done: done}
	<-done
}

// Close drains the write queue and closes the database. Safe on a nil store
// and safe to call more than once.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.requests)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
