package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup by id or natural key finds no row.
var ErrNotFound = errors.New("persistence: not found")

// Conversation is one thread of interaction on a chat platform.
type Conversation struct {
	ID                   string
	PlatformType         string
	PlatformConvID       string
	AssistantKind        string
	CodebaseID           sql.NullString
	IsolationEnvID       sql.NullString
	ParentConversationID sql.NullString
	LastActivityAt       time.Time
	CreatedAt            time.Time
}

// GetOrCreateConversation looks up a conversation by its platform
// identity, creating a new row on first contact.
func (s *Store) GetOrCreateConversation(ctx context.Context, platformType, platformConvID, assistantKind string) (Conversation, error) {
	var conv Conversation
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		existing, err := s.findConversationByPlatform(ctx, platformType, platformConvID)
		if err == nil {
			conv = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		conv = Conversation{
			ID:             uuid.NewString(),
			PlatformType:   platformType,
			PlatformConvID: platformConvID,
			AssistantKind:  assistantKind,
			LastActivityAt: now,
			CreatedAt:      now,
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, platform_type, platform_conversation_id, assistant_kind, last_activity_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, conv.ID, conv.PlatformType, conv.PlatformConvID, conv.AssistantKind, conv.LastActivityAt, conv.CreatedAt)
		return err
	})
	return conv, err
}

// FindConversationByPlatform looks up a conversation by its platform
// identity without creating one, used to locate a parent thread.
func (s *Store) FindConversationByPlatform(ctx context.Context, platformType, platformConvID string) (Conversation, error) {
	return s.findConversationByPlatform(ctx, platformType, platformConvID)
}

func (s *Store) findConversationByPlatform(ctx context.Context, platformType, platformConvID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform_type, platform_conversation_id, assistant_kind, codebase_id,
		       isolation_env_id, parent_conversation_id, last_activity_at, created_at
		FROM conversations WHERE platform_type = ? AND platform_conversation_id = ?
	`, platformType, platformConvID)
	return scanConversation(row)
}

// GetConversation loads a conversation by internal id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform_type, platform_conversation_id, assistant_kind, codebase_id,
		       isolation_env_id, parent_conversation_id, last_activity_at, created_at
		FROM conversations WHERE id = ?
	`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.PlatformType, &c.PlatformConvID, &c.AssistantKind, &c.CodebaseID,
		&c.IsolationEnvID, &c.ParentConversationID, &c.LastActivityAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("persistence: scan conversation: %w", err)
	}
	return c, nil
}

// SetConversationParent records a parent conversation for thread-inherited context.
func (s *Store) SetConversationParent(ctx context.Context, id, parentID string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE conversations SET parent_conversation_id = ? WHERE id = ?`, parentID, id)
		return err
	})
}

// SetConversationCodebase links a conversation to a codebase.
func (s *Store) SetConversationCodebase(ctx context.Context, id, codebaseID string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE conversations SET codebase_id = ? WHERE id = ?`, codebaseID, id)
		return err
	})
}

// SetConversationIsolationEnv records the conversation's current isolation env.
// A nil id clears the reference (used by /reset-context).
func (s *Store) SetConversationIsolationEnv(ctx context.Context, id string, envID *string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE conversations SET isolation_env_id = ? WHERE id = ?`, envID, id)
		return err
	})
}

// TouchConversation refreshes last_activity_at.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE conversations SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
		return err
	})
}
