// Package persistence is the single relational store backing every
// subsystem: conversations, codebases, sessions, isolation envs, pool
// tasks and their result chunks, agents, the approval audit trail,
// templates, and the pub/sub outbox. One *sql.DB, one writer at a
// time — SQLite in WAL mode with a single open connection, busy-retry
// wrapping every write.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion = 1

	defaultBusyRetries = 5
	retryBaseDelay      = 50 * time.Millisecond
	retryMaxDelay       = 500 * time.Millisecond
)

// Store wraps the shared SQLite connection.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.lugh/lugh.db, used when no explicit path is
// configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lugh", "lugh.db")
}

// Open creates (if needed) and opens the SQLite database at path,
// applying pragmas and the schema migration ledger.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("persistence: create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for callers that need raw SQL
// access; this package's tests use it to inspect and backdate rows.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("persistence: set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with jitter on top of the driver's own
// busy_timeout. Claim transactions and any write that can race a
// concurrent writer route through this.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := retryBaseDelay << uint(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		jitter := time.Duration(rand.Int63n(int64(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);
	`); err != nil {
		return err
	}

	var current int
	row := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return fmt.Errorf("persistence: read schema version: %w", err)
	}

	if current < schemaVersion {
		if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
			return fmt.Errorf("persistence: apply schema: %w", err)
		}
		if current == 0 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	platform_type TEXT NOT NULL,
	platform_conversation_id TEXT NOT NULL,
	assistant_kind TEXT NOT NULL DEFAULT '',
	codebase_id TEXT,
	isolation_env_id TEXT,
	parent_conversation_id TEXT,
	last_activity_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (platform_type, platform_conversation_id)
);

CREATE TABLE IF NOT EXISTS codebases (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	remote_url TEXT NOT NULL,
	default_cwd TEXT NOT NULL,
	assistant_kind TEXT NOT NULL DEFAULT '',
	commands_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	codebase_id TEXT,
	assistant_kind TEXT NOT NULL DEFAULT '',
	external_session_id TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions (conversation_id, active);

CREATE TABLE IF NOT EXISTS isolation_envs (
	id TEXT PRIMARY KEY,
	codebase_id TEXT NOT NULL,
	workflow_type TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT 'worktree',
	path TEXT NOT NULL,
	branch TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	creator_platform TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_isolation_envs_identity
	ON isolation_envs (codebase_id, workflow_type, workflow_id)
	WHERE status = 'active';

CREATE TABLE IF NOT EXISTS pool_tasks (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'queued',
	payload_json TEXT NOT NULL DEFAULT '{}',
	assigned_agent_id TEXT,
	result_json TEXT,
	error TEXT,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_pool_tasks_dequeue ON pool_tasks (status, priority, created_at, id);

CREATE TABLE IF NOT EXISTS task_result_chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	chunk_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_result_chunks_task ON task_result_chunks (task_id, id);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	capabilities_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'idle',
	current_task_id TEXT,
	last_heartbeat_at DATETIME NOT NULL,
	registered_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	risk_level TEXT NOT NULL,
	summary TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
	name TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pubsub_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pubsub_messages_channel ON pubsub_messages (channel, id);
`
