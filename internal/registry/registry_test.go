package registry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/streetsdigital/lugh/internal/persistence"
	"github.com/streetsdigital/lugh/internal/registry"
)

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "lugh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return registry.New(store)
}

func TestRegisterThenSetStatusBusyThenIdleClearsTask(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "agent-1", []string{"go"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.SetStatus(ctx, "agent-1", persistence.AgentBusy, "task-1"); err != nil {
		t.Fatalf("SetStatus busy: %v", err)
	}

	agent, err := r.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !agent.CurrentTaskID.Valid || agent.CurrentTaskID.String != "task-1" {
		t.Fatalf("expected current_task_id=task-1, got %+v", agent.CurrentTaskID)
	}

	if err := r.SetStatus(ctx, "agent-1", persistence.AgentIdle, ""); err != nil {
		t.Fatalf("SetStatus idle: %v", err)
	}
	agent, err = r.Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get after idle: %v", err)
	}
	if agent.CurrentTaskID.Valid {
		t.Fatalf("expected current_task_id cleared on idle, got %+v", agent.CurrentTaskID)
	}
}

func TestGetAvailableOrdersByMostRecentHeartbeat(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "agent-old", nil); err != nil {
		t.Fatalf("Register old: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := r.Register(ctx, "agent-new", nil); err != nil {
		t.Fatalf("Register new: %v", err)
	}

	available, err := r.GetAvailable(ctx)
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("expected 2 available agents, got %d", len(available))
	}
	if available[0].AgentID != "agent-new" {
		t.Fatalf("expected agent-new first, got %q", available[0].AgentID)
	}
}

func TestPruneStaleOffinesOldAgents(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "agent-stale", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	pruned, err := r.PruneStale(ctx, -1*time.Second)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != "agent-stale" {
		t.Fatalf("expected agent-stale pruned, got %v", pruned)
	}

	agent, err := r.Get(ctx, "agent-stale")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.Status != persistence.AgentOffline {
		t.Fatalf("expected status offline, got %q", agent.Status)
	}
}

func TestHeartbeatMissingAgentReturnsNotFound(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	err := r.Heartbeat(ctx, "ghost-agent")
	if err != persistence.ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing agent, got %v", err)
	}
}
