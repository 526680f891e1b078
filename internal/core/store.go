package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/dsmctl/pkg/api"
)

// Store is the SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is one row of the history listing.
type RunRecord struct {
	RunID       string
	Started     string
	Finished    string
	Interrupted bool
	Success     bool
	Nodes       int
	Ok          int
	Degraded    int
	Unreachable int
}

// NewStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory store.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveRun records a finished run with its node and step outcomes. Captured
// output is not stored, only its size.
func (s *Store) SaveRun(ctx context.Context, run api.RunSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started, finished, interrupted, success, node_count) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Started, run.Finished, boolInt(run.Interrupted), boolInt(run.Success), len(run.Nodes)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, n := range run.Nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO node_results (run_id, idx, address, role, port, status, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, i, n.Node.Address, n.Node.Role.String(), n.Node.Port, string(n.Status), n.Error); err != nil {
			return fmt.Errorf("insert node %s: %w", n.Node.Address, err)
		}
		for j, st := range n.Steps {
			var exit sql.NullInt64
			if st.ExitStatus != nil {
				exit = sql.NullInt64{Int64: int64(*st.ExitStatus), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO step_results (run_id, node_idx, seq, step, exit_status, error, duration_ms, stdout_bytes, stderr_bytes) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.RunID, i, j, string(st.Step), exit, st.Error, st.DurationMS, st.StdoutBytes, st.StderrBytes); err != nil {
				return fmt.Errorf("insert step %s/%s: %w", n.Node.Address, st.Step, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.started, r.finished, r.interrupted, r.success, r.node_count,
		       COALESCE(SUM(n.status = 'ok'), 0),
		       COALESCE(SUM(n.status = 'degraded'), 0),
		       COALESCE(SUM(n.status = 'unreachable'), 0)
		FROM runs r LEFT JOIN node_results n ON n.run_id = r.run_id
		GROUP BY r.run_id
		ORDER BY r.started DESC, r.run_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var interrupted, success int
		if err := rows.Scan(&r.RunID, &r.Started, &r.Finished, &interrupted, &success, &r.Nodes, &r.Ok, &r.Degraded, &r.Unreachable); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Interrupted, r.Success = interrupted != 0, success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunSteps returns the node and step outcomes of one run, in
// fleet and step order.
func (s *Store) RunSteps(ctx context.Context, runID string) ([]api.NodeSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.idx, n.address, n.role, n.port, n.status, n.error,
		       s.step, s.exit_status, s.error, s.duration_ms, s.stdout_bytes, s.stderr_bytes
		FROM node_results n LEFT JOIN step_results s ON s.run_id = n.run_id AND s.node_idx = n.idx
		WHERE n.run_id = ?
		ORDER BY n.idx, s.seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []api.NodeSummary
	last := -1
	for rows.Next() {
		var (
			idx                   int
			node                  api.NodeSummary
			role, status          string
			step, stepErr         sql.NullString
			exit, dur, out1, out2 sql.NullInt64
		)
		if err := rows.Scan(&idx, &node.Node.Address, &role, &node.Node.Port, &status, &node.Error,
			&step, &exit, &stepErr, &dur, &out1, &out2); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if idx != last {
			r, err := api.ParseRole(role)
			if err != nil {
				return nil, err
			}
			node.Node.Role = r
			node.Status = api.NodeStatus(status)
			out = append(out, node)
			last = idx
		}
		if !step.Valid {
			continue
		}
		st := api.StepSummary{
			Step:        api.StepKind(step.String),
			Error:       stepErr.String,
			DurationMS:  dur.Int64,
			StdoutBytes: int(out1.Int64),
			StderrBytes: int(out2.Int64),
		}
		if exit.Valid {
			v := int(exit.Int64)
			st.ExitStatus = &v
		}
		cur := &out[len(out)-1]
		cur.Steps = append(cur.Steps, st)
	}
	return out, rows.Err()
}
