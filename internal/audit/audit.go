// Package audit records high-risk tool invocations and command
// executions to an append-only JSONL trail, independent of the
// persisted approvals table (which backs queries; this backs
// after-the-fact forensics of a single process's lifetime).
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streetsdigital/lugh/internal/shared"
)

type entry struct {
	Timestamp      string `json:"timestamp"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"` // "tool" | "command"
	Name           string `json:"name"`
	RiskLevel      string `json:"risk_level,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	highRiskCount atomic.Int64
)

// Init opens logs/audit.jsonl under workspacePath, creating the
// directory if needed. Calling Init again is a no-op.
func Init(workspacePath string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(workspacePath, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close releases the underlying file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// HighRiskCount returns the number of high-risk entries recorded since
// the process started.
func HighRiskCount() int64 {
	return highRiskCount.Load()
}

// Record appends one audit entry. detail is redacted for secrets
// before being written. A nil/unopened file silently drops the entry,
// since audit logging must never block or fail the request it
// observes.
func Record(conversationID, kind, name, riskLevel, detail string) {
	if riskLevel == "high" {
		highRiskCount.Add(1)
	}
	e := entry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		ConversationID: conversationID,
		Kind:           kind,
		Name:           name,
		RiskLevel:      riskLevel,
		Detail:         shared.Redact(detail),
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = file.Write(b)
}
