package isolation_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/streetsdigital/lugh/internal/isolation"
	"github.com/streetsdigital/lugh/internal/persistence"
)

func TestBranchNameIsPureAndStable(t *testing.T) {
	cases := []struct {
		wt   isolation.WorkflowType
		id   string
		want string
	}{
		{isolation.WorkflowIssue, "42", "issue-42"},
		{isolation.WorkflowPR, "7", "pr-7-review"},
		{isolation.WorkflowReview, "99", "review-99"},
		{isolation.WorkflowTask, "Fix The Bug!!", "task-fix-the-bug"},
	}
	for _, c := range cases {
		got1 := isolation.BranchName(c.wt, c.id)
		got2 := isolation.BranchName(c.wt, c.id)
		if got1 != got2 {
			t.Fatalf("BranchName not stable across calls: %q vs %q", got1, got2)
		}
		if got1 != c.want {
			t.Fatalf("BranchName(%v, %q) = %q, want %q", c.wt, c.id, got1, c.want)
		}
	}
}

func TestBranchNameThreadIsDeterministicHash(t *testing.T) {
	got := isolation.BranchName(isolation.WorkflowThread, "thread-abc-123")
	if len(got) != len("thread-") + 8 {
		t.Fatalf("expected thread- + 8 hex chars, got %q", got)
	}
	again := isolation.BranchName(isolation.WorkflowThread, "thread-abc-123")
	if got != again {
		t.Fatalf("thread branch name not stable: %q vs %q", got, again)
	}
}

func TestWorktreePathDuplicatesOwnerRepoSegment(t *testing.T) {
	path := isolation.WorktreePath("/workspace", "acme", "widgets", "issue-1")
	want := filepath.Join("/workspace", "acme", "widgets", "worktrees", "acme", "widgets", "issue-1")
	if path != want {
		t.Fatalf("WorktreePath = %q, want %q", path, want)
	}
}

func TestValidatePathRejectsEscape(t *testing.T) {
	if err := isolation.ValidatePath("/workspace", "/workspace/acme/widgets/worktrees/acme/widgets/issue-1"); err != nil {
		t.Fatalf("expected contained path to validate, got %v", err)
	}
	if err := isolation.ValidatePath("/workspace", "/etc/passwd"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
	if err := isolation.ValidatePath("/workspace", "/workspace-evil/x"); err == nil {
		t.Fatalf("expected sibling-prefix escape to be rejected")
	}
}

func openTestManager(t *testing.T) (*isolation.Manager, *persistence.Store, persistence.Codebase) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "lugh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	codebase, err := store.CreateCodebase(context.Background(), "acme/widgets", "git@example.com:acme/widgets.git", filepath.Join(dir, "repo"), "claude")
	if err != nil {
		t.Fatalf("CreateCodebase: %v", err)
	}

	workspace := filepath.Join(dir, "workspace")
	mgr := isolation.New(store, workspace, 2, "main")
	return mgr, store, codebase
}

func TestResolveReusesByWorkflowIdentityWithoutTouchingDisk(t *testing.T) {
	mgr, store, codebase := openTestManager(t)
	ctx := context.Background()

	fakePath := filepath.Join(t.TempDir(), "existing-worktree")
	if err := os.MkdirAll(fakePath, 0o755); err != nil {
		t.Fatalf("mkdir fake worktree: %v", err)
	}

	existing, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID:   codebase.ID,
		WorkflowType: string(isolation.WorkflowIssue),
		WorkflowID:   "42",
		Provider:     "worktree",
		Path:         fakePath,
		Branch:       "issue-42",
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv: %v", err)
	}

	result, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowIssue,
		WorkflowID:   "42",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Env.ID != existing.ID {
		t.Fatalf("expected reuse of existing env %q, got %q", existing.ID, result.Env.ID)
	}
}

func TestResolveClearsReferenceWhenPathMissing(t *testing.T) {
	mgr, store, _ := openTestManager(t)
	ctx := context.Background()

	gone, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID:   "whatever",
		WorkflowType: string(isolation.WorkflowIssue),
		WorkflowID:   "1",
		Provider:     "worktree",
		Path:         filepath.Join(t.TempDir(), "does-not-exist"),
		Branch:       "issue-1",
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv: %v", err)
	}

	env, err := mgr.ValidateExistingRef(ctx, gone.ID)
	if err != nil {
		t.Fatalf("ValidateExistingRef: %v", err)
	}
	if env != nil {
		t.Fatalf("expected nil env for missing path, got %+v", env)
	}

	reloaded, err := store.GetIsolationEnv(ctx, gone.ID)
	if err != nil {
		t.Fatalf("GetIsolationEnv: %v", err)
	}
	if reloaded.Status != "destroyed" {
		t.Fatalf("expected stale env marked destroyed, got status %q", reloaded.Status)
	}
}
