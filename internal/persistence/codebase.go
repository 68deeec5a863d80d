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

// Codebase is a cloned repository registered to the platform.
type Codebase struct {
	ID            string
	Name          string // "owner/repo"
	RemoteURL     string
	DefaultCwd    string
	AssistantKind string
	// Commands maps a named slash command to a file path relative to DefaultCwd.
	Commands  map[string]string
	CreatedAt time.Time
}

// GetCodebaseByName looks up a codebase by its "owner/repo" name.
func (s *Store) GetCodebaseByName(ctx context.Context, name string) (Codebase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, remote_url, default_cwd, assistant_kind, commands_json, created_at
		FROM codebases WHERE name = ?
	`, name)
	return scanCodebase(row)
}

// GetCodebase loads a codebase by internal id.
func (s *Store) GetCodebase(ctx context.Context, id string) (Codebase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, remote_url, default_cwd, assistant_kind, commands_json, created_at
		FROM codebases WHERE id = ?
	`, id)
	return scanCodebase(row)
}

func scanCodebase(row *sql.Row) (Codebase, error) {
	var c Codebase
	var commandsJSON string
	err := row.Scan(&c.ID, &c.Name, &c.RemoteURL, &c.DefaultCwd, &c.AssistantKind, &commandsJSON, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Codebase{}, ErrNotFound
	}
	if err != nil {
		return Codebase{}, fmt.Errorf("persistence: scan codebase: %w", err)
	}
	c.Commands = map[string]string{}
	if commandsJSON != "" {
		_ = json.Unmarshal([]byte(commandsJSON), &c.Commands)
	}
	return c, nil
}

// CreateCodebase registers a new codebase. Returns the existing row
// unchanged if name is already registered (scenario 1: re-clone is a no-op).
func (s *Store) CreateCodebase(ctx context.Context, name, remoteURL, defaultCwd, assistantKind string) (Codebase, error) {
	var result Codebase
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		existing, err := s.GetCodebaseByName(ctx, name)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		result = Codebase{
			ID:            uuid.NewString(),
			Name:          name,
			RemoteURL:     remoteURL,
			DefaultCwd:    defaultCwd,
			AssistantKind: assistantKind,
			Commands:      map[string]string{},
			CreatedAt:     time.Now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO codebases (id, name, remote_url, default_cwd, assistant_kind, commands_json, created_at)
			VALUES (?, ?, ?, ?, ?, '{}', ?)
		`, result.ID, result.Name, result.RemoteURL, result.DefaultCwd, result.AssistantKind, result.CreatedAt)
		return err
	})
	return result, err
}

// ListCodebases returns every registered codebase, for the isolation
// cleanup scheduler's per-codebase sweep.
func (s *Store) ListCodebases(ctx context.Context) ([]Codebase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, remote_url, default_cwd, assistant_kind, commands_json, created_at
		FROM codebases ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("persistence: list codebases: %w", err)
	}
	defer rows.Close()

	var out []Codebase
	for rows.Next() {
		var c Codebase
		var commandsJSON string
		if err := rows.Scan(&c.ID, &c.Name, &c.RemoteURL, &c.DefaultCwd, &c.AssistantKind, &commandsJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan codebase: %w", err)
		}
		c.Commands = map[string]string{}
		if commandsJSON != "" {
			_ = json.Unmarshal([]byte(commandsJSON), &c.Commands)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCodebaseCommands overwrites the codebase's command map, e.g. after
// /load-commands scans .claude/commands or .agents/commands.
func (s *Store) SetCodebaseCommands(ctx context.Context, id string, commands map[string]string) error {
	encoded, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("persistence: encode commands: %w", err)
	}
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE codebases SET commands_json = ? WHERE id = ?`, string(encoded), id)
		return err
	})
}
