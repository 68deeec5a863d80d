// Package registry implements the Agent Registry (C3): worker
// identity, capabilities, status, heartbeat, and current task,
// layered directly on internal/persistence.
package registry

import (
	"context"
	"time"

	"github.com/streetsdigital/lugh/internal/persistence"
)

// Registry wraps the persisted agents table.
type Registry struct {
	store *persistence.Store
}

// New builds a Registry over store.
func New(store *persistence.Store) *Registry {
	return &Registry{store: store}
}

// Register upserts an agent. On conflict (re-registration) status
// resets to idle and the heartbeat/registration timestamps refresh,
// leaving one row with the latest capabilities (R1).
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string) (persistence.Agent, error) {
	return r.store.RegisterAgent(ctx, agentID, capabilities)
}

// Heartbeat refreshes an agent's last-seen timestamp. A missing agent
// is returned as persistence.ErrNotFound; callers should log it as a
// warning, never treat it as a hard failure (§4.3).
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	return r.store.Heartbeat(ctx, agentID)
}

// SetStatus updates status and current_task_id atomically and
// refreshes the heartbeat. Setting AgentIdle always clears
// current_task_id, per the registry's core invariant.
func (r *Registry) SetStatus(ctx context.Context, agentID string, status persistence.AgentStatus, currentTaskID string) error {
	return r.store.SetAgentStatus(ctx, agentID, status, currentTaskID)
}

// GetAvailable lists idle agents, most-recent heartbeat first.
func (r *Registry) GetAvailable(ctx context.Context) ([]persistence.Agent, error) {
	return r.store.GetAvailableAgents(ctx)
}

// PruneStale sets status=offline and clears current_task_id for every
// non-offline agent whose heartbeat predates maxAge. Returns the
// pruned agent ids.
func (r *Registry) PruneStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	return r.store.PruneStaleAgents(ctx, maxAge)
}

// Get loads a single agent row.
func (r *Registry) Get(ctx context.Context, agentID string) (persistence.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// GetStats counts registered agents per status, for status().
func (r *Registry) GetStats(ctx context.Context) (persistence.AgentStats, error) {
	return r.store.GetAgentStats(ctx)
}
