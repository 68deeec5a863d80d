package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentStatus is a worker's registered availability state.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered worker.
type Agent struct {
	AgentID         string
	Capabilities    []string
	Status          AgentStatus
	CurrentTaskID   sql.NullString
	LastHeartbeatAt time.Time
	RegisteredAt    time.Time
}

// RegisterAgent upserts an agent row. On conflict (re-registration)
// status resets to idle and both timestamps refresh (R1: one row
// survives with the latest capabilities).
func (s *Store) RegisterAgent(ctx context.Context, agentID string, capabilities []string) (Agent, error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return Agent{}, fmt.Errorf("persistence: encode capabilities: %w", err)
	}
	now := time.Now().UTC()
	agent := Agent{
		AgentID:         agentID,
		Capabilities:    capabilities,
		Status:          AgentIdle,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}
	err = retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, capabilities_json, status, current_task_id, last_heartbeat_at, registered_at)
			VALUES (?, ?, 'idle', NULL, ?, ?)
			ON CONFLICT (agent_id) DO UPDATE SET
				capabilities_json = excluded.capabilities_json,
				status = 'idle',
				current_task_id = NULL,
				last_heartbeat_at = excluded.last_heartbeat_at,
				registered_at = excluded.registered_at
		`, agentID, string(capsJSON), now, now)
		return err
	})
	return agent, err
}

// Heartbeat refreshes an agent's last-seen timestamp. A missing agent
// is reported back to the caller to log as a warning, never as a hard error.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_heartbeat_at = ? WHERE agent_id = ?`, time.Now().UTC(), agentID)
		if err != nil {
			return err
		}
		return requireRowsAffected(res)
	})
}

// SetAgentStatus updates status and current_task_id atomically and
// refreshes the heartbeat. Setting idle clears current_task_id
// unconditionally, per the C3 invariant.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus, currentTaskID string) error {
	var taskArg any
	if status == AgentIdle {
		taskArg = nil
	} else if currentTaskID != "" {
		taskArg = currentTaskID
	}
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = ?, last_heartbeat_at = ? WHERE agent_id = ?
		`, string(status), taskArg, time.Now().UTC(), agentID)
		if err != nil {
			return err
		}
		return requireRowsAffected(res)
	})
}

// GetAvailableAgents lists idle agents, most-recent heartbeat first.
func (s *Store) GetAvailableAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, capabilities_json, status, current_task_id, last_heartbeat_at, registered_at
		FROM agents WHERE status = 'idle' ORDER BY last_heartbeat_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgentRows(rows)
}

// PruneStaleAgents sets status=offline and clears current_task_id for
// every non-offline agent whose heartbeat predates the cutoff.
// Returns the pruned agent ids.
func (s *Store) PruneStaleAgents(ctx context.Context, maxAge time.Duration) ([]string, error) {
	var pruned []string
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		pruned = nil
		cutoff := time.Now().UTC().Add(-maxAge)
		rows, err := s.db.QueryContext(ctx, `
			SELECT agent_id FROM agents WHERE status != 'offline' AND last_heartbeat_at < ?
		`, cutoff)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE agents SET status = 'offline', current_task_id = NULL WHERE agent_id = ?
			`, id); err != nil {
				return err
			}
		}
		pruned = ids
		return nil
	})
	return pruned, err
}

func scanAgentRows(rows *sql.Rows) ([]Agent, error) {
	var agents []Agent
	for rows.Next() {
		var a Agent
		var capsJSON string
		if err := rows.Scan(&a.AgentID, &capsJSON, &a.Status, &a.CurrentTaskID, &a.LastHeartbeatAt, &a.RegisteredAt); err != nil {
			return nil, err
		}
		if capsJSON != "" {
			_ = json.Unmarshal([]byte(capsJSON), &a.Capabilities)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AgentStats counts registered agents per status, for status().
type AgentStats struct {
	Total   int
	Idle    int
	Busy    int
	Offline int
}

// GetAgentStats counts agents per status.
func (s *Store) GetAgentStats(ctx context.Context) (AgentStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return AgentStats{}, err
	}
	defer rows.Close()
	var stats AgentStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return AgentStats{}, err
		}
		stats.Total += count
		switch AgentStatus(status) {
		case AgentIdle:
			stats.Idle = count
		case AgentBusy:
			stats.Busy = count
		case AgentOffline:
			stats.Offline = count
		}
	}
	return stats, rows.Err()
}

// GetAgent loads a single agent row.
func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, capabilities_json, status, current_task_id, last_heartbeat_at, registered_at
		FROM agents WHERE agent_id = ?
	`, agentID)
	var a Agent
	var capsJSON string
	err := row.Scan(&a.AgentID, &capsJSON, &a.Status, &a.CurrentTaskID, &a.LastHeartbeatAt, &a.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("persistence: scan agent: %w", err)
	}
	if capsJSON != "" {
		_ = json.Unmarshal([]byte(capsJSON), &a.Capabilities)
	}
	return a, nil
}
