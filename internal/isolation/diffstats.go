package isolation

import (
	"context"
	"strings"
)

// DiffStats summarizes what changed in a worktree between two points
// in its history, feeding the Agent Worker's completion summary
// (commits_created, files_modified).
type DiffStats struct {
	CommitsCreated int
	FilesModified  int
	Dirty          bool
}

// CurrentCommit returns the worktree's HEAD commit sha, taken as the
// "before" snapshot by callers that need a diff baseline.
func CurrentCommit(ctx context.Context, worktreeDir string) (string, error) {
	return runGit(ctx, worktreeDir, "rev-parse", "HEAD")
}

// ComputeDiffStats compares worktreeDir's current HEAD (and working
// tree) against baseCommit.
func ComputeDiffStats(ctx context.Context, worktreeDir, baseCommit string) (DiffStats, error) {
	var stats DiffStats

	n, err := revListCount(ctx, worktreeDir, baseCommit, "HEAD")
	if err != nil {
		return DiffStats{}, err
	}
	stats.CommitsCreated = n

	out, err := runGit(ctx, worktreeDir, "diff", "--name-only", baseCommit, "HEAD")
	if err != nil {
		return DiffStats{}, err
	}
	if out != "" {
		stats.FilesModified = len(strings.Split(out, "\n"))
	}

	dirty, err := hasUncommittedChanges(ctx, worktreeDir)
	if err != nil {
		return DiffStats{}, err
	}
	stats.Dirty = dirty
	if dirty {
		out, err := runGit(ctx, worktreeDir, "status", "--porcelain")
		if err == nil && out != "" {
			stats.FilesModified += len(strings.Split(out, "\n"))
		}
	}

	return stats, nil
}
