package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Template is a globally registered prompt template, addressed by
// name under the `/<template_name>` slash-command class.
type Template struct {
	Name      string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertTemplate creates or overwrites a template by name (/template-add).
func (s *Store) UpsertTemplate(ctx context.Context, name, body string) (Template, error) {
	now := time.Now().UTC()
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO templates (name, body, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
		`, name, body, now, now)
		return err
	})
	if err != nil {
		return Template{}, err
	}
	return s.GetTemplate(ctx, name)
}

// GetTemplate looks up a template by name (/<template_name> dispatch).
func (s *Store) GetTemplate(ctx context.Context, name string) (Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, body, created_at, updated_at FROM templates WHERE name = ?`, name)
	var t Template
	err := row.Scan(&t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("persistence: scan template: %w", err)
	}
	return t, nil
}

// ListTemplates returns every registered template (/template-list, /templates).
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, body, created_at, updated_at FROM templates ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template by name (/template-delete).
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
		if err != nil {
			return err
		}
		return requireRowsAffected(res)
	})
}
