package isolation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

// runGit invokes git as a subprocess via execFile semantics — never a
// shell — with a fixed timeout, PATH-only lookup, and combined
// stdout/stderr surfaced on error. Every worktree operation in this
// package funnels through this one helper.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return "", fmt.Errorf("isolation: git not found in PATH")
	}

	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("isolation: git %s timed out after %s", strings.Join(args, " "), gitTimeout)
		}
		return "", fmt.Errorf("isolation: git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// registerSafeDirectory adds path to the process-wide git
// safe.directory allowlist, required before any operation can run
// inside a freshly created worktree or clone root (§6.4).
func registerSafeDirectory(ctx context.Context, path string) error {
	_, err := runGit(ctx, "", "config", "--global", "--add", "safe.directory", path)
	return err
}

// branchExists reports whether branch is a known local branch in repoDir.
func branchExists(ctx context.Context, repoDir, branch string) bool {
	_, err := runGit(ctx, repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// worktreeAdd creates a worktree at path. If branch already exists,
// the caller is expected to retry without createBranch (the
// branch-already-exists case in §4.4).
func worktreeAdd(ctx context.Context, repoDir, path, branch string, createBranch bool) error {
	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", branch, path)
	} else {
		args = append(args, path, branch)
	}
	_, err := runGit(ctx, repoDir, args...)
	return err
}

// worktreeAddDetached creates a worktree checked out at a specific
// commit-ish, detached.
func worktreeAddDetached(ctx context.Context, repoDir, path, commitish string) error {
	_, err := runGit(ctx, repoDir, "worktree", "add", "--detach", path, commitish)
	return err
}

// worktreeRemove removes a worktree. force tolerates uncommitted changes.
func worktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := runGit(ctx, repoDir, args...)
	return err
}

// fetchRef fetches a remote ref into a local ref, e.g. "pull/42/head"
// into "pr-42-review".
func fetchRef(ctx context.Context, repoDir, remote, remoteRef, localRef string) error {
	refSpec := remoteRef
	if localRef != "" {
		refSpec = remoteRef + ":" + localRef
	}
	_, err := runGit(ctx, repoDir, "fetch", remote, refSpec)
	return err
}

// createTrackingBranchAt creates a local branch at commitish without
// checking it out, used to turn a detached SHA-pinned worktree into a
// non-detached checkout.
func createTrackingBranchAt(ctx context.Context, repoDir, branch, commitish string) error {
	_, err := runGit(ctx, repoDir, "branch", branch, commitish)
	return err
}

// checkoutBranchInWorktree switches a worktree's HEAD to branch.
func checkoutBranchInWorktree(ctx context.Context, worktreeDir, branch string) error {
	_, err := runGit(ctx, worktreeDir, "checkout", branch)
	return err
}

// isMergedIntoDefault reports whether branch has a merge ancestor in defaultBranch.
func isMergedIntoDefault(ctx context.Context, repoDir, branch, defaultBranch string) bool {
	_, err := runGit(ctx, repoDir, "merge-base", "--is-ancestor", branch, defaultBranch)
	return err == nil
}

// lastCommitTime returns the commit time of branch's HEAD.
func lastCommitTime(ctx context.Context, repoDir, branch string) (time.Time, error) {
	out, err := runGit(ctx, repoDir, "log", "-1", "--format=%cI", branch)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, out)
}

// hasUncommittedChanges reports whether a worktree's working tree is dirty.
func hasUncommittedChanges(ctx context.Context, worktreeDir string) (bool, error) {
	out, err := runGit(ctx, worktreeDir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// revListCount counts commits reachable from ref but not base, used
// to derive commits_created in the worker's completion summary.
func revListCount(ctx context.Context, worktreeDir, base, ref string) (int, error) {
	out, err := runGit(ctx, worktreeDir, "rev-list", "--count", base+".."+ref)
	if err != nil {
		return 0, err
	}
	var n int
	if _, scanErr := fmt.Sscanf(out, "%d", &n); scanErr != nil {
		return 0, fmt.Errorf("isolation: parse rev-list count %q: %w", out, scanErr)
	}
	return n, nil
}
