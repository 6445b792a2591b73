// Package resultstore keeps a SQLite history of evaluation runs and their
// summary records.
package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/23skdu/longbow-gauge/internal/aggregate"
	"github.com/23skdu/longbow-gauge/internal/logger"
)

// Run identifies one evaluate invocation.
type Run struct {
	ID        string
	StartedAt time.Time
	Phase     string
	Split     string
	Subset    string
	Tokenizer string
	Rows      int
}

type Store struct {
	db *sql.DB
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.New().String() }

// Open opens or creates the history database. An empty path keeps it in memory.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			phase TEXT NOT NULL,
			split TEXT NOT NULL,
			subset TEXT NOT NULL,
			tokenizer TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			run_id TEXT NOT NULL REFERENCES runs(id),
			ordinal INTEGER NOT NULL,
			t REAL,
			w TEXT,
			w_tokens INTEGER,
			distinct1 REAL,
			distinct2 REAL,
			mauve REAL,
			ppl REAL,
			file TEXT,
			PRIMARY KEY (run_id, ordinal)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveRun stores a run and its summaries in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, summaries []aggregate.Summary) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Log.Warn("rollback failed", "error", err)
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, phase, split, subset, tokenizer) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.Phase, run.Split, run.Subset, run.Tokenizer,
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO summaries (run_id, ordinal, t, w, w_tokens, distinct1, distinct2, mauve, ppl, file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, sm := range summaries {
		if _, err := stmt.ExecContext(ctx,
			run.ID, i, sm.T, sm.W, sm.WTokens, sm.Distinct1, sm.Distinct2, nullable(sm.MAUVE), nullable(sm.PPL), sm.File,
		); err != nil {
			return fmt.Errorf("failed to insert summary %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	logger.Log.Info("recorded run", "run_id", run.ID, "rows", len(summaries))
	return nil
}

// Runs lists the most recent runs first. limit <= 0 lists all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_at, r.phase, r.split, r.subset, COALESCE(r.tokenizer, ''),
			(SELECT COUNT(*) FROM summaries s WHERE s.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started string
		if err := rows.Scan(&r.ID, &started, &r.Phase, &r.Split, &r.Subset, &r.Tokenizer, &r.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("bad started_at %q: %w", started, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summaries returns a run's summaries in their stored order.
func (s *Store) Summaries(ctx context.Context, runID string) ([]aggregate.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.phase, r.split, r.subset, s.t, s.w, s.w_tokens, s.distinct1, s.distinct2, s.mauve, s.ppl, s.file
		FROM summaries s JOIN runs r ON r.id = s.run_id
		WHERE s.run_id = ?
		ORDER BY s.ordinal
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []aggregate.Summary
	for rows.Next() {
		var sm aggregate.Summary
		var mauve, ppl sql.NullFloat64
		if err := rows.Scan(&sm.Phase, &sm.Split, &sm.Subset, &sm.T, &sm.W, &sm.WTokens,
			&sm.Distinct1, &sm.Distinct2, &mauve, &ppl, &sm.File); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sm.MAUVE, sm.PPL = orNaN(mauve), orNaN(ppl)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Undefined metrics are stored as NULL.
func nullable(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: !math.IsNaN(f)}
}

func orNaN(n sql.NullFloat64) float64 {
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}

func (s *Store) Close() error {
	return s.db.Close()
}
