package isolation_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/streetsdigital/lugh/internal/isolation"
	"github.com/streetsdigital/lugh/internal/persistence"
)

// TestCleanupSchedulerSweepsMergedEnvOnSchedule drives the scheduler's
// real cron.Cron runner with an @every spec fast enough for a unit
// test, and checks it actually reaches the store/manager and removes
// a merged env without any Resolve call triggering it synchronously.
func TestCleanupSchedulerSweepsMergedEnvOnSchedule(t *testing.T) {
	mgr, store, codebase := openRealRepoManager(t, "main", 10)
	ctx := context.Background()

	mergedBranch := "task-old-work"
	runGitFixture(t, codebase.DefaultCwd, "branch", mergedBranch)
	mergedPath := filepath.Join(t.TempDir(), "merged-worktree")
	runGitFixture(t, codebase.DefaultCwd, "worktree", "add", mergedPath, mergedBranch)

	mergedEnv, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID:   codebase.ID,
		WorkflowType: string(isolation.WorkflowTask),
		WorkflowID:   "old",
		Provider:     "worktree",
		Path:         mergedPath,
		Branch:       mergedBranch,
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv: %v", err)
	}

	sched := isolation.NewCleanupScheduler(isolation.CleanupSchedulerConfig{
		Manager:    mgr,
		Store:      store,
		MergedSpec: "@every 200ms",
		StaleSpec:  "@every 1h",
	})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reloaded, err := store.GetIsolationEnv(ctx, mergedEnv.ID)
		if err != nil {
			t.Fatalf("GetIsolationEnv: %v", err)
		}
		if reloaded.Status == "destroyed" {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("merged env was never cleaned up by the scheduler")
}
