// Package history records pipeline runs and per-node outcomes in SQLite so
// past runs can be listed and compared.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store reads and writes run history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// StartRun inserts a running pipeline_run row and returns its id.
func (s *Store) StartRun(ctx context.Context, r Run) (string, error) {
	if r.Title == "" {
		return "", fmt.Errorf("title is empty")
	}
	if r.DAGFingerprint == "" {
		return "", fmt.Errorf("dag fingerprint is empty")
	}

	id := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339Nano)

	var storeFP any
	if r.StoreFingerprint != "" {
		storeFP = r.StoreFingerprint
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_run(
  id, title, process_order, output_location, profile, resume, dag_fingerprint, store_fingerprint,
  status, started_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, r.Title, r.Order, r.OutputLocation, r.Profile, boolToInt(r.Resume), r.DAGFingerprint, storeFP, RunRunning, now)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun marks a run terminal.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, lastErr error) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	var errText any
	if lastErr != nil {
		errText = lastErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE pipeline_run
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, now, errText, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// RecordProcess upserts the state of one node. Timestamps only move forward:
// started_at keeps its first value.
func (s *Store) RecordProcess(ctx context.Context, p ProcessRun) error {
	if p.RunID == "" || p.NodeID == "" {
		return fmt.Errorf("run id and node id are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO process_run(run_id, node_id, process_name, status, command, exit_code, started_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, node_id) DO UPDATE SET
  status       = excluded.status,
  command      = COALESCE(excluded.command, process_run.command),
  exit_code    = COALESCE(excluded.exit_code, process_run.exit_code),
  started_at   = COALESCE(process_run.started_at, excluded.started_at),
  completed_at = COALESCE(excluded.completed_at, process_run.completed_at),
  last_error   = COALESCE(excluded.last_error, process_run.last_error);
`, p.RunID, p.NodeID, p.ProcessName, p.Status, nullString(p.Command), nullInt(p.ExitCode),
		nullTime(p.StartedAt), nullTime(p.CompletedAt), nullStringPtr(p.LastError))
	if err != nil {
		return fmt.Errorf("record process %s: %w", p.NodeID, err)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, process_order, output_location, profile, resume, dag_fingerprint, store_fingerprint,
       status, started_at, completed_at, last_error
FROM pipeline_run
WHERE id = ?;
`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, process_order, output_location, profile, resume, dag_fingerprint, store_fingerprint,
       status, started_at, completed_at, last_error
FROM pipeline_run
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// ListProcesses returns the node records of a run in insertion order.
func (s *Store) ListProcesses(ctx context.Context, runID string) ([]ProcessRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, node_id, process_name, status, command, exit_code, started_at, completed_at, last_error
FROM process_run
WHERE run_id = ?
ORDER BY rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var out []ProcessRun
	for rows.Next() {
		var (
			p            ProcessRun
			command      sql.NullString
			exitCode     sql.NullInt64
			startedAtS   sql.NullString
			completedAtS sql.NullString
			lastError    sql.NullString
		)
		if err := rows.Scan(&p.RunID, &p.NodeID, &p.ProcessName, &p.Status, &command, &exitCode,
			&startedAtS, &completedAtS, &lastError); err != nil {
			return nil, fmt.Errorf("list processes: %w", err)
		}
		p.Command = command.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			p.ExitCode = &code
		}
		p.StartedAt = parseNullTime(startedAtS)
		p.CompletedAt = parseNullTime(completedAtS)
		if lastError.Valid {
			p.LastError = &lastError.String
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r            Run
		resume       int
		storeFP      sql.NullString
		statusS      string
		startedAtS   string
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Title, &r.Order, &r.OutputLocation, &r.Profile, &resume, &r.DAGFingerprint,
		&storeFP, &statusS, &startedAtS, &completedAtS, &lastError); err != nil {
		return nil, err
	}
	r.Resume = resume != 0
	r.StoreFingerprint = storeFP.String
	r.Status = RunStatus(statusS)
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	r.CompletedAt = parseNullTime(completedAtS)
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
