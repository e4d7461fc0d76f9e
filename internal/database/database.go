package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a run or task row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the durable store: run snapshots, per-task outcomes and the
// ledger append backlog all live here so a coordinator restart loses
// nothing.
type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("database initialized")
	}
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            mode TEXT NOT NULL,
            concurrency_limit INTEGER NOT NULL,
            inter_task_delay_ms INTEGER NOT NULL,
            calendar TEXT,
            started_at DATETIME NOT NULL,
            finished_at DATETIME,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS run_tasks (
            run_id TEXT NOT NULL,
            url TEXT NOT NULL,
            title TEXT,
            event_date TEXT,
            status TEXT NOT NULL DEFAULT 'pending',
            message TEXT,
            agent_handle TEXT,
            is_registered BOOLEAN NOT NULL DEFAULT 0,
            is_new BOOLEAN NOT NULL DEFAULT 0,
            position INTEGER NOT NULL,
            completed_at DATETIME,
            PRIMARY KEY (run_id, url)
        )`,
		`CREATE TABLE IF NOT EXISTS append_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            event_url TEXT NOT NULL,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_run_tasks_status ON run_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_append_queue_status ON append_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// ExecContext is exposed for package-internal helpers and tests.
func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// QueryContext is exposed for package-internal helpers and tests.
func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}
