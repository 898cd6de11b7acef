package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neboloop/pagewright/internal/report"
)

// Store reads and writes run history.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// RunRow is one stored run.
type RunRow struct {
	ID             string
	StartedAt      time.Time
	Duration       time.Duration
	Workers        int
	Summary        report.Summary
	Aborted        bool
	WorkerRestarts int
}

// ResultRow is one test's result within a stored run.
type ResultRow struct {
	RunID          string
	TestID         string
	Title          string
	File           string
	Project        string
	Classification report.Classification
	Attempts       int
	Duration       time.Duration
	Error          string
	ErrorCode      string
	LastState      string
}

// FlakeStat aggregates a test's history across runs.
type FlakeStat struct {
	TestID string
	Title  string
	Runs   int
	Flaky  int
	Failed int
}

// SaveRun writes a run and its results in one transaction. Saving the same
// run id again replaces it.
func (s *Store) SaveRun(ctx context.Context, run *report.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("replace run %s: %w", run.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, duration_ms, workers, passed, flaky, failed, skipped, aborted, worker_restarts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Start.UnixMilli(), run.Duration.Milliseconds(), run.Workers,
		run.Summary.Passed, run.Summary.Flaky, run.Summary.Failed, run.Summary.Skipped,
		boolInt(run.Aborted), run.WorkerRestarts)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (run_id, test_id, title, file, project, classification, attempts, duration_ms, error, error_code, last_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare results: %w", err)
	}
	defer stmt.Close()

	for _, res := range run.Results {
		final := res.Final()
		_, err := stmt.ExecContext(ctx,
			run.ID, res.ID, res.Title, res.File, res.Project, string(res.Classification),
			len(res.Attempts), res.Duration().Milliseconds(),
			nullString(final.Error), nullString(string(final.ErrorCode)), nullString(final.LastState))
		if err != nil {
			return fmt.Errorf("insert result %s: %w", res.ID, err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, duration_ms, workers, passed, flaky, failed, skipped, aborted, worker_restarts
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r         RunRow
			start, ms int64
			aborted   int
		)
		if err := rows.Scan(&r.ID, &start, &ms, &r.Workers,
			&r.Summary.Passed, &r.Summary.Flaky, &r.Summary.Failed, &r.Summary.Skipped,
			&aborted, &r.WorkerRestarts); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(start)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Aborted = aborted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Results returns every result stored for a run in insertion order.
func (s *Store) Results(ctx context.Context, runID string) ([]ResultRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, test_id, title, file, project, classification, attempts, duration_ms, error, error_code, last_state
		FROM results WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var (
			r                      ResultRow
			class                  string
			ms                     int64
			errMsg, code, lastSeen sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.TestID, &r.Title, &r.File, &r.Project, &class,
			&r.Attempts, &ms, &errMsg, &code, &lastSeen); err != nil {
			return nil, err
		}
		r.Classification = report.Classification(class)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Error, r.ErrorCode, r.LastState = errMsg.String, code.String, lastSeen.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// FlakyTests ranks tests that were flaky or failed in any stored run.
func (s *Store) FlakyTests(ctx context.Context, limit int) ([]FlakeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT test_id, MAX(title),
		       COUNT(*),
		       SUM(CASE WHEN classification = 'flaky' THEN 1 ELSE 0 END) AS flaky,
		       SUM(CASE WHEN classification = 'failed' THEN 1 ELSE 0 END) AS failed
		FROM results
		GROUP BY test_id
		HAVING flaky > 0 OR failed > 0
		ORDER BY flaky DESC, failed DESC, test_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query flaky tests: %w", err)
	}
	defer rows.Close()

	var out []FlakeStat
	for rows.Next() {
		var f FlakeStat
		if err := rows.Scan(&f.TestID, &f.Title, &f.Runs, &f.Flaky, &f.Failed); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CrashLog is one recorded worker panic or error.
type CrashLog struct {
	ID         int64
	Level      string
	Module     string
	Message    string
	Stacktrace string
	Context    map[string]string
	CreatedAt  time.Time
}

// InsertCrashLog records a crash entry. CreatedAt defaults to now.
func (s *Store) InsertCrashLog(ctx context.Context, c CrashLog) error {
	var ctxJSON sql.NullString
	if len(c.Context) > 0 {
		b, err := json.Marshal(c.Context)
		if err != nil {
			return err
		}
		ctxJSON = sql.NullString{String: string(b), Valid: true}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crash_logs (level, module, message, stacktrace, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Level, c.Module, c.Message, nullString(c.Stacktrace), ctxJSON, c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert crash log: %w", err)
	}
	return nil
}

// CrashLogs returns the latest entries, newest first.
func (s *Store) CrashLogs(ctx context.Context, limit int) ([]CrashLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, module, message, stacktrace, context, created_at
		FROM crash_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query crash logs: %w", err)
	}
	defer rows.Close()

	var out []CrashLog
	for rows.Next() {
		var (
			c          CrashLog
			stack, raw sql.NullString
			created    int64
		)
		if err := rows.Scan(&c.ID, &c.Level, &c.Module, &c.Message, &stack, &raw, &created); err != nil {
			return nil, err
		}
		c.Stacktrace = stack.String
		c.CreatedAt = time.UnixMilli(created)
		if raw.Valid {
			if err := json.Unmarshal([]byte(raw.String), &c.Context); err != nil {
				return nil, fmt.Errorf("decode crash context %d: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
