package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultFileName is the history database name inside an output location.
const DefaultFileName = ".procchain.db"

// OpenSQLite opens (and creates if needed) the run history database at path
// and ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := checkHistoryLocation(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_run (
  id                TEXT PRIMARY KEY,
  title             TEXT NOT NULL,
  process_order     TEXT NOT NULL,
  output_location   TEXT NOT NULL,
  profile           TEXT NOT NULL,
  resume            INTEGER NOT NULL DEFAULT 0,
  dag_fingerprint   TEXT NOT NULL,
  store_fingerprint TEXT,
  status            TEXT NOT NULL,
  started_at        TEXT NOT NULL,
  completed_at      TEXT,
  last_error        TEXT
);`,
		`CREATE TABLE IF NOT EXISTS process_run (
  run_id       TEXT NOT NULL REFERENCES pipeline_run(id) ON DELETE CASCADE,
  node_id      TEXT NOT NULL,
  process_name TEXT NOT NULL,
  status       TEXT NOT NULL,
  command      TEXT,
  exit_code    INTEGER,
  started_at   TEXT,
  completed_at TEXT,
  last_error   TEXT,
  PRIMARY KEY (run_id, node_id)
);`,
		`CREATE INDEX IF NOT EXISTS pipeline_run_started_at_idx ON pipeline_run(started_at);`,
		`CREATE INDEX IF NOT EXISTS process_run_status_idx ON process_run(status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
