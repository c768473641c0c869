package telemetry

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"stageflow/debug"
)

const (
	kindViolation = "violation"
	kindFailure   = "failure"
	kindLongRun   = "long_run"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduler_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT    NOT NULL,
	scheduler   TEXT    NOT NULL,
	stage       TEXT    NOT NULL,
	stage_id    INTEGER NOT NULL,
	at_ns       INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	detail      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduler_events_kind ON scheduler_events(kind, at_ns);
`

// detail is the JSON column payload; fields depend on the event kind.
type detail struct {
	BudgetNs int64  `json:"budget_ns,omitempty"`
	Error    string `json:"error,omitempty"`
	InWrite  bool   `json:"in_write,omitempty"`
}

// Store persists scheduler events to a SQLite database for post-mortem
// inspection. Write errors are logged and otherwise ignored so that a full
// disk never stops a pipeline.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	insert *sql.Stmt
}

// OpenStore opens or creates the event database at path.
// Use ":memory:" for a throwaway store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("telemetry: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: create schema: %w", err)
	}

	insert, err := db.Prepare(`INSERT INTO scheduler_events
		(kind, scheduler, stage, stage_id, at_ns, duration_ns, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: prepare insert: %w", err)
	}
	return &Store{db: db, insert: insert}, nil
}

func (s *Store) record(kind, scheduler, stage string, stageID int, at time.Time, dur time.Duration, d detail) {
	raw, err := sonnet.Marshal(d)
	if err != nil {
		debug.DropError("TELEMETRY_ENCODE", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return
	}
	if _, err := s.insert.Exec(kind, scheduler, stage, stageID, at.UnixNano(), int64(dur), string(raw)); err != nil {
		debug.DropError("TELEMETRY_STORE", err)
	}
}

func (s *Store) LatencyViolation(v Violation) {
	s.record(kindViolation, v.Scheduler, v.Stage, v.StageID, v.At, v.Duration, detail{BudgetNs: int64(v.Budget)})
}

func (s *Store) StageFailure(f Failure) {
	d := detail{InWrite: f.InWrite}
	if f.Err != nil {
		d.Error = f.Err.Error()
	}
	s.record(kindFailure, f.Scheduler, f.Stage, f.StageID, f.At, 0, d)
}

func (s *Store) LongRunning(l LongRun) {
	s.record(kindLongRun, l.Scheduler, l.Stage, l.StageID, l.At, l.Elapsed, detail{})
}

type row struct {
	scheduler, stage string
	stageID          int
	at               time.Time
	dur              time.Duration
	detail           detail
}

func (s *Store) query(kind string) ([]row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT scheduler, stage, stage_id, at_ns, duration_ns, detail
		FROM scheduler_events WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var (
			r         row
			atNs, dNs int64
			raw       string
		)
		if err := rows.Scan(&r.scheduler, &r.stage, &r.stageID, &atNs, &dNs, &raw); err != nil {
			return nil, fmt.Errorf("telemetry: scan %s: %w", kind, err)
		}
		if err := sonnet.Unmarshal([]byte(raw), &r.detail); err != nil {
			return nil, fmt.Errorf("telemetry: decode %s detail: %w", kind, err)
		}
		r.at = time.Unix(0, atNs)
		r.dur = time.Duration(dNs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Violations returns every stored latency violation in arrival order.
func (s *Store) Violations() ([]Violation, error) {
	rows, err := s.query(kindViolation)
	if err != nil {
		return nil, err
	}
	out := make([]Violation, len(rows))
	for i, r := range rows {
		out[i] = Violation{
			Scheduler: r.scheduler,
			Stage:     r.stage,
			StageID:   r.stageID,
			Duration:  r.dur,
			Budget:    time.Duration(r.detail.BudgetNs),
			At:        r.at,
		}
	}
	return out, nil
}

// Failures returns every stored stage failure in arrival order.
func (s *Store) Failures() ([]Failure, error) {
	rows, err := s.query(kindFailure)
	if err != nil {
		return nil, err
	}
	out := make([]Failure, len(rows))
	for i, r := range rows {
		f := Failure{
			Scheduler: r.scheduler,
			Stage:     r.stage,
			StageID:   r.stageID,
			InWrite:   r.detail.InWrite,
			At:        r.at,
		}
		if r.detail.Error != "" {
			f.Err = errors.New(r.detail.Error)
		}
		out[i] = f
	}
	return out, nil
}

// LongRuns returns every stored long-running report in arrival order.
func (s *Store) LongRuns() ([]LongRun, error) {
	rows, err := s.query(kindLongRun)
	if err != nil {
		return nil, err
	}
	out := make([]LongRun, len(rows))
	for i, r := range rows {
		out[i] = LongRun{Scheduler: r.scheduler, Stage: r.stage, StageID: r.stageID, Elapsed: r.dur, At: r.at}
	}
	return out, nil
}

// Close flushes and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return nil
	}
	s.insert.Close()
	s.insert = nil
	s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}
