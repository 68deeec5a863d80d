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

// Session is one bounded AI conversation with a resumable handle.
type Session struct {
	ID                 string
	ConversationID     string
	CodebaseID         sql.NullString
	AssistantKind      string
	ExternalSessionID  string
	Active             bool
	Metadata           map[string]string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// GetActiveSession returns the conversation's active session, if any.
func (s *Store) GetActiveSession(ctx context.Context, conversationID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, codebase_id, assistant_kind, external_session_id, active, metadata_json, created_at, updated_at
		FROM sessions WHERE conversation_id = ? AND active = 1
	`, conversationID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var active int
	var metaJSON string
	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.CodebaseID, &sess.AssistantKind,
		&sess.ExternalSessionID, &active, &metaJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("persistence: scan session: %w", err)
	}
	sess.Active = active != 0
	sess.Metadata = map[string]string{}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &sess.Metadata)
	}
	return sess, nil
}

// CreateSession deactivates any existing active session for the
// conversation (enforcing P2: at most one active=true per
// conversation) and inserts a fresh one.
func (s *Store) CreateSession(ctx context.Context, conversationID, codebaseID, assistantKind string) (Session, error) {
	var result Session
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET active = 0, updated_at = ? WHERE conversation_id = ? AND active = 1`,
			time.Now().UTC(), conversationID); err != nil {
			return err
		}

		now := time.Now().UTC()
		result = Session{
			ID:                uuid.NewString(),
			ConversationID:    conversationID,
			CodebaseID:        sql.NullString{String: codebaseID, Valid: codebaseID != ""},
			AssistantKind:     assistantKind,
			ExternalSessionID: "",
			Active:            true,
			Metadata:          map[string]string{},
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, conversation_id, codebase_id, assistant_kind, external_session_id, active, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', 1, '{}', ?, ?)
		`, result.ID, result.ConversationID, result.CodebaseID, result.AssistantKind, result.CreatedAt, result.UpdatedAt); err != nil {
			return err
		}
		return tx.Commit()
	})
	return result, err
}

// DeactivateSession marks a session inactive (reset, cwd change, or
// plan→execute transition per §4.8).
func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
		return err
	})
}

// DeactivateActiveSessionForConversation deactivates whatever session
// is currently active for a conversation, if any. Used when isolation
// resolution changes the conversation's cwd (§4.8 step 5).
func (s *Store) DeactivateActiveSessionForConversation(ctx context.Context, conversationID string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = 0, updated_at = ? WHERE conversation_id = ? AND active = 1`,
			time.Now().UTC(), conversationID)
		return err
	})
}

// SetSessionExternalHandle persists the opaque assistant-session token
// returned by a "result" event, for later resume.
func (s *Store) SetSessionExternalHandle(ctx context.Context, id, externalSessionID string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET external_session_id = ?, updated_at = ? WHERE id = ?`,
			externalSessionID, time.Now().UTC(), id)
		return err
	})
}

// SetSessionMetadata merges keys into the session's metadata map, e.g.
// {lastCommand: "plan-feature"} recorded at the end of §4.8 step 9.
func (s *Store) SetSessionMetadata(ctx context.Context, id string, updates map[string]string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var metaJSON string
		if err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM sessions WHERE id = ?`, id).Scan(&metaJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		meta := map[string]string{}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &meta)
		}
		for k, v := range updates {
			meta[k] = v
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata_json = ?, updated_at = ? WHERE id = ?`,
			string(encoded), time.Now().UTC(), id); err != nil {
			return err
		}
		return tx.Commit()
	})
}
