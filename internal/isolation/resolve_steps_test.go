package isolation_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/streetsdigital/lugh/internal/isolation"
	"github.com/streetsdigital/lugh/internal/persistence"
)

func TestResolveSharedLinkedIssueReuse(t *testing.T) {
	mgr, store, codebase := openTestManager(t)
	ctx := context.Background()

	issuePath := t.TempDir()
	issueEnv, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID:   codebase.ID,
		WorkflowType: string(isolation.WorkflowIssue),
		WorkflowID:   "55",
		Provider:     "worktree",
		Path:         issuePath,
		Branch:       "issue-55",
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv: %v", err)
	}

	result, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowReview,
		WorkflowID:   "review-9",
		Hints:        isolation.Hints{LinkedIssues: []string{"55"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Env.ID != issueEnv.ID {
		t.Fatalf("expected reuse of linked-issue env %q, got %q", issueEnv.ID, result.Env.ID)
	}
	if result.Message == "" {
		t.Fatalf("expected a relayable message about reusing the linked issue env")
	}
}

func TestResolveBranchAdoptionByPRHint(t *testing.T) {
	mgr, store, codebase := openTestManager(t)
	ctx := context.Background()

	owner, repo := "acme", "widgets"
	adoptPath := isolation.WorktreePath(filepath.Join(filepath.Dir(codebase.DefaultCwd), "workspace"), owner, repo, "feature-xyz")
	if err := os.MkdirAll(adoptPath, 0o755); err != nil {
		t.Fatalf("mkdir adopt path: %v", err)
	}

	result, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowPR,
		WorkflowID:   "77",
		Hints:        isolation.Hints{PRBranch: "feature-xyz"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Env.Path != adoptPath {
		t.Fatalf("expected adopted env path %q, got %q", adoptPath, result.Env.Path)
	}
	if result.Env.Branch != "feature-xyz" {
		t.Fatalf("expected adopted branch name preserved, got %q", result.Env.Branch)
	}

	reloaded, err := store.GetIsolationEnv(ctx, result.Env.ID)
	if err != nil {
		t.Fatalf("GetIsolationEnv: %v", err)
	}
	if reloaded.Metadata["adopted"] != true {
		t.Fatalf("expected adopted=true in metadata, got %+v", reloaded.Metadata)
	}
}

// openRealRepoManager is like openTestManager but backs the codebase
// with a real git repository on mainBranch, for tests that exercise
// actual worktree/fetch subprocess behavior.
func openRealRepoManager(t *testing.T, mainBranch string, maxWorktrees int) (*isolation.Manager, *persistence.Store, persistence.Codebase) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "lugh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	repoDir := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}
	newFixtureRepo(t, repoDir, mainBranch)

	codebase, err := store.CreateCodebase(context.Background(), "acme/widgets", "git@example.com:acme/widgets.git", repoDir, "claude")
	if err != nil {
		t.Fatalf("CreateCodebase: %v", err)
	}

	workspace := filepath.Join(dir, "workspace")
	mgr := isolation.New(store, workspace, maxWorktrees, mainBranch)
	return mgr, store, codebase
}

func TestResolveCapacityTriggersAutoCleanupOfMergedBranch(t *testing.T) {
	mgr, store, codebase := openRealRepoManager(t, "main", 1)
	ctx := context.Background()

	// Pre-create a worktree for a branch that already equals main
	// (trivially "merged") and register it as an active env, so the
	// codebase is already at its one-env capacity.
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

	result, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowTask,
		WorkflowID:   "new",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Env.ID == mergedEnv.ID {
		t.Fatalf("expected a freshly created env, not the cleaned-up one")
	}

	reloaded, err := store.GetIsolationEnv(ctx, mergedEnv.ID)
	if err != nil {
		t.Fatalf("GetIsolationEnv: %v", err)
	}
	if reloaded.Status != "destroyed" {
		t.Fatalf("expected the merged env to be auto-cleaned, got status %q", reloaded.Status)
	}
	if _, statErr := os.Stat(mergedPath); statErr == nil {
		t.Fatalf("expected the merged worktree directory to be removed from disk")
	}
}

func TestResolveCapacityReachedWhenNothingCleanable(t *testing.T) {
	mgr, store, codebase := openRealRepoManager(t, "main", 1)
	ctx := context.Background()

	// A branch with unmerged commits can't be auto-cleaned.
	unmergedBranch := "task-in-progress"
	runGitFixture(t, codebase.DefaultCwd, "checkout", "-b", unmergedBranch)
	writeAndCommit(t, codebase.DefaultCwd, "wip.txt", "wip\n", "wip commit")
	runGitFixture(t, codebase.DefaultCwd, "checkout", "main")

	activePath := filepath.Join(t.TempDir(), "active-worktree")
	runGitFixture(t, codebase.DefaultCwd, "worktree", "add", activePath, unmergedBranch)

	if _, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID:   codebase.ID,
		WorkflowType: string(isolation.WorkflowTask),
		WorkflowID:   "busy",
		Provider:     "worktree",
		Path:         activePath,
		Branch:       unmergedBranch,
	}); err != nil {
		t.Fatalf("CreateIsolationEnv: %v", err)
	}

	_, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowTask,
		WorkflowID:   "new",
	})
	if err != isolation.ErrCapacityReached {
		t.Fatalf("expected ErrCapacityReached, got %v", err)
	}
}

func TestCreatePlainWorktreeRetriesWhenBranchAlreadyExists(t *testing.T) {
	mgr, _, codebase := openRealRepoManager(t, "main", 10)
	ctx := context.Background()

	branch := isolation.BranchName(isolation.WorkflowTask, "dup")
	runGitFixture(t, codebase.DefaultCwd, "branch", branch)

	result, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowTask,
		WorkflowID:   "dup",
	})
	if err != nil {
		t.Fatalf("Resolve: %v (expected retry without -b to succeed)", err)
	}
	if result.Env.Branch != branch {
		t.Fatalf("expected branch %q, got %q", branch, result.Env.Branch)
	}
	if _, statErr := os.Stat(result.Env.Path); statErr != nil {
		t.Fatalf("expected worktree created on disk: %v", statErr)
	}
}

func TestResolveCreatesPRWorktreeFetchBased(t *testing.T) {
	mgr, _, codebase := openRealRepoManager(t, "main", 10)
	ctx := context.Background()

	// Simulate an inbound PR ref the way GitHub exposes
	// refs/pull/<n>/head, by pointing it at a second commit in the
	// same repo (acting as both "origin" and "fork" source here).
	runGitFixture(t, codebase.DefaultCwd, "checkout", "-b", "pr-source")
	writeAndCommit(t, codebase.DefaultCwd, "feature.txt", "feature\n", "pr commit")
	runGitFixture(t, codebase.DefaultCwd, "update-ref", "refs/pull/42/head", "pr-source")
	runGitFixture(t, codebase.DefaultCwd, "checkout", "main")
	runGitFixture(t, codebase.DefaultCwd, "remote", "add", "origin", codebase.DefaultCwd)

	result, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowPR,
		WorkflowID:   "42",
		Hints:        isolation.Hints{PRNumber: "42"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(result.Env.Path, "feature.txt")); statErr != nil {
		t.Fatalf("expected the PR branch's content in the new worktree: %v", statErr)
	}
}

func TestResolveCreatesPRWorktreeSHAPinned(t *testing.T) {
	mgr, _, codebase := openRealRepoManager(t, "main", 10)
	ctx := context.Background()

	runGitFixture(t, codebase.DefaultCwd, "checkout", "-b", "pr-source-2")
	sha := writeAndCommit(t, codebase.DefaultCwd, "pinned.txt", "pinned\n", "pinned commit")
	runGitFixture(t, codebase.DefaultCwd, "update-ref", "refs/pull/7/head", "pr-source-2")
	runGitFixture(t, codebase.DefaultCwd, "checkout", "main")
	runGitFixture(t, codebase.DefaultCwd, "remote", "add", "origin", codebase.DefaultCwd)

	result, err := mgr.Resolve(ctx, "", isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: isolation.WorkflowPR,
		WorkflowID:   "7",
		Hints:        isolation.Hints{PRNumber: "7", PRSHA: sha},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(result.Env.Path, "pinned.txt")); statErr != nil {
		t.Fatalf("expected the pinned SHA's content in the new worktree: %v", statErr)
	}
	head := runGitFixture(t, result.Env.Path, "rev-parse", "HEAD")
	if head != sha {
		t.Fatalf("expected worktree HEAD to be the pinned sha %q, got %q", sha, head)
	}
	branchOut := runGitFixture(t, result.Env.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if branchOut == "HEAD" {
		t.Fatalf("expected the worktree to have a tracking branch checked out, not a detached HEAD")
	}
}

func TestDestroyRemovesWorktreeAndMarksRowDestroyed(t *testing.T) {
	mgr, store, codebase := openRealRepoManager(t, "main", 10)
	ctx := context.Background()

	branch := "to-destroy"
	runGitFixture(t, codebase.DefaultCwd, "branch", branch)
	path := filepath.Join(t.TempDir(), "destroy-worktree")
	runGitFixture(t, codebase.DefaultCwd, "worktree", "add", path, branch)

	env, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID:   codebase.ID,
		WorkflowType: string(isolation.WorkflowTask),
		WorkflowID:   "destroy-me",
		Provider:     "worktree",
		Path:         path,
		Branch:       branch,
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv: %v", err)
	}

	if err := mgr.Destroy(ctx, env, false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		t.Fatalf("expected worktree directory removed")
	}
	reloaded, err := store.GetIsolationEnv(ctx, env.ID)
	if err != nil {
		t.Fatalf("GetIsolationEnv: %v", err)
	}
	if reloaded.Status != "destroyed" {
		t.Fatalf("expected status destroyed, got %q", reloaded.Status)
	}
}

func TestCleanupMergedRemovesMergedSkipsUnmerged(t *testing.T) {
	mgr, store, codebase := openRealRepoManager(t, "main", 10)
	ctx := context.Background()

	mergedBranch := "merged-branch"
	runGitFixture(t, codebase.DefaultCwd, "branch", mergedBranch)
	mergedPath := filepath.Join(t.TempDir(), "merged")
	runGitFixture(t, codebase.DefaultCwd, "worktree", "add", mergedPath, mergedBranch)
	mergedEnv, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID: codebase.ID, WorkflowType: string(isolation.WorkflowTask), WorkflowID: "m",
		Provider: "worktree", Path: mergedPath, Branch: mergedBranch,
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv merged: %v", err)
	}

	runGitFixture(t, codebase.DefaultCwd, "checkout", "-b", "unmerged-branch")
	writeAndCommit(t, codebase.DefaultCwd, "unmerged.txt", "x\n", "unmerged commit")
	runGitFixture(t, codebase.DefaultCwd, "checkout", "main")
	unmergedPath := filepath.Join(t.TempDir(), "unmerged")
	runGitFixture(t, codebase.DefaultCwd, "worktree", "add", unmergedPath, "unmerged-branch")
	unmergedEnv, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID: codebase.ID, WorkflowType: string(isolation.WorkflowTask), WorkflowID: "u",
		Provider: "worktree", Path: unmergedPath, Branch: "unmerged-branch",
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv unmerged: %v", err)
	}

	report, err := mgr.CleanupMerged(ctx, codebase.ID)
	if err != nil {
		t.Fatalf("CleanupMerged: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != mergedEnv.ID {
		t.Fatalf("expected only the merged env removed, got %+v", report)
	}
	if _, skipped := report.SkipReason[unmergedEnv.ID]; !skipped {
		t.Fatalf("expected the unmerged env to be recorded with a skip reason, got %+v", report.SkipReason)
	}
}

func TestCleanupStaleRemovesOnlyBranchesOlderThanThreshold(t *testing.T) {
	mgr, store, codebase := openRealRepoManager(t, "main", 10)
	ctx := context.Background()

	branch := "stale-branch"
	runGitFixture(t, codebase.DefaultCwd, "branch", branch)
	path := filepath.Join(t.TempDir(), "stale")
	runGitFixture(t, codebase.DefaultCwd, "worktree", "add", path, branch)
	env, err := store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID: codebase.ID, WorkflowType: string(isolation.WorkflowTask), WorkflowID: "s",
		Provider: "worktree", Path: path, Branch: branch,
	})
	if err != nil {
		t.Fatalf("CreateIsolationEnv: %v", err)
	}

	// A very long threshold: the commit is recent, nothing should be removed.
	report, err := mgr.CleanupStale(ctx, codebase.ID, 365*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale (long threshold): %v", err)
	}
	if len(report.Removed) != 0 {
		t.Fatalf("expected nothing removed under a long threshold, got %+v", report.Removed)
	}

	// A zero threshold: the cutoff is "now", and the commit is already
	// in the past, so it qualifies as stale.
	report, err = mgr.CleanupStale(ctx, codebase.ID, 0)
	if err != nil {
		t.Fatalf("CleanupStale (zero threshold): %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != env.ID {
		t.Fatalf("expected the env removed under a zero threshold, got %+v", report)
	}
}
