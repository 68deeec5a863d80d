package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IsolationEnv is a sandboxed working directory for one workflow.
type IsolationEnv struct {
	ID              string
	CodebaseID      string
	WorkflowType    string
	WorkflowID      string
	Provider        string
	Path            string
	Branch          string
	Status          string // active|destroyed
	CreatorPlatform string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateIsolationEnv inserts a new active env row.
func (s *Store) CreateIsolationEnv(ctx context.Context, env IsolationEnv) (IsolationEnv, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Status == "" {
		env.Status = "active"
	}
	now := time.Now().UTC()
	env.CreatedAt, env.UpdatedAt = now, now

	metaJSON, err := encodeMetadata(env.Metadata)
	if err != nil {
		return IsolationEnv{}, err
	}

	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO isolation_envs (id, codebase_id, workflow_type, workflow_id, provider, path, branch, status, creator_platform, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, env.ID, env.CodebaseID, env.WorkflowType, env.WorkflowID, env.Provider, env.Path, env.Branch,
			env.Status, env.CreatorPlatform, metaJSON, env.CreatedAt, env.UpdatedAt)
		return err
	})
	return env, err
}

// GetIsolationEnv loads an env by internal id.
func (s *Store) GetIsolationEnv(ctx context.Context, id string) (IsolationEnv, error) {
	row := s.db.QueryRowContext(ctx, isolationSelectCols+`WHERE id = ?`, id)
	return scanIsolationEnv(row)
}

// FindActiveIsolationEnv looks up the active env for (codebase,
// workflow_type, workflow_id), the identity the unique partial index
// enforces.
func (s *Store) FindActiveIsolationEnv(ctx context.Context, codebaseID, workflowType, workflowID string) (IsolationEnv, error) {
	row := s.db.QueryRowContext(ctx, isolationSelectCols+`
		WHERE codebase_id = ? AND workflow_type = ? AND workflow_id = ? AND status = 'active'
	`, codebaseID, workflowType, workflowID)
	return scanIsolationEnv(row)
}

// ListActiveIsolationEnvs returns every active env for a codebase,
// used by the capacity check and cleanup service.
func (s *Store) ListActiveIsolationEnvs(ctx context.Context, codebaseID string) ([]IsolationEnv, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, codebase_id, workflow_type, workflow_id, provider, path, branch, status, creator_platform, metadata_json, created_at, updated_at
		FROM isolation_envs WHERE codebase_id = ? AND status = 'active' ORDER BY created_at ASC
	`, codebaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []IsolationEnv
	for rows.Next() {
		env, err := scanIsolationEnvRows(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

const isolationSelectCols = `
	SELECT id, codebase_id, workflow_type, workflow_id, provider, path, branch, status, creator_platform, metadata_json, created_at, updated_at
	FROM isolation_envs
`

func scanIsolationEnv(row *sql.Row) (IsolationEnv, error) {
	var env IsolationEnv
	var metaJSON string
	err := row.Scan(&env.ID, &env.CodebaseID, &env.WorkflowType, &env.WorkflowID, &env.Provider, &env.Path,
		&env.Branch, &env.Status, &env.CreatorPlatform, &metaJSON, &env.CreatedAt, &env.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IsolationEnv{}, ErrNotFound
	}
	if err != nil {
		return IsolationEnv{}, fmt.Errorf("persistence: scan isolation env: %w", err)
	}
	env.Metadata = decodeMetadata(metaJSON)
	return env, nil
}

func scanIsolationEnvRows(rows *sql.Rows) (IsolationEnv, error) {
	var env IsolationEnv
	var metaJSON string
	err := rows.Scan(&env.ID, &env.CodebaseID, &env.WorkflowType, &env.WorkflowID, &env.Provider, &env.Path,
		&env.Branch, &env.Status, &env.CreatorPlatform, &metaJSON, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		return IsolationEnv{}, fmt.Errorf("persistence: scan isolation env row: %w", err)
	}
	env.Metadata = decodeMetadata(metaJSON)
	return env, nil
}

// MarkIsolationEnvDestroyed flips status to destroyed. Callers are
// expected to have already removed the worktree on disk (or observed
// it missing).
func (s *Store) MarkIsolationEnvDestroyed(ctx context.Context, id string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE isolation_envs SET status = 'destroyed', updated_at = ? WHERE id = ?`,
			time.Now().UTC(), id)
		return err
	})
}

// SetIsolationEnvMetadata overwrites an env's metadata map (e.g. to
// record {adopted: true, adopted_from: "skill"}).
func (s *Store) SetIsolationEnvMetadata(ctx context.Context, id string, metadata map[string]any) error {
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE isolation_envs SET metadata_json = ?, updated_at = ? WHERE id = ?`,
			metaJSON, time.Now().UTC(), id)
		return err
	})
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("persistence: encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) map[string]any {
	m := map[string]any{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}
