package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Approval is one row in the audit trail for a high-risk tool execution.
type Approval struct {
	ID             string
	ConversationID string
	ToolName       string
	RiskLevel      string
	Summary        string
	CreatedAt      time.Time
}

// RecordApproval appends an audit row. Approvals are append-only —
// there is no update or delete path.
func (s *Store) RecordApproval(ctx context.Context, conversationID, toolName, riskLevel, summary string) (Approval, error) {
	a := Approval{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ToolName:       toolName,
		RiskLevel:      riskLevel,
		Summary:        summary,
		CreatedAt:      time.Now().UTC(),
	}
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (id, conversation_id, tool_name, risk_level, summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.ID, a.ConversationID, a.ToolName, a.RiskLevel, a.Summary, a.CreatedAt)
		return err
	})
	return a, err
}

// ListApprovalsForConversation returns a conversation's audit trail in
// chronological order.
func (s *Store) ListApprovalsForConversation(ctx context.Context, conversationID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, tool_name, risk_level, summary, created_at
		FROM approvals WHERE conversation_id = ? ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.ToolName, &a.RiskLevel, &a.Summary, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
