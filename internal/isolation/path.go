package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// WorktreePath builds the on-disk path for a worktree. The
// owner/repo segment is deliberately duplicated —
// {workspace}/{owner}/{repo}/worktrees/{owner}/{repo}/{branch} — to
// prevent collisions when two codebases literally named "utils" are
// cloned from different owners under the same workspace. This looks
// redundant but is kept exactly as specified: the testable property
// (P6) only requires workspace-prefix containment, not a shorter path.
func WorktreePath(workspaceBase, owner, repo, branch string) string {
	base := canonicalize(workspaceBase)
	return filepath.Join(base, owner, repo, "worktrees", owner, repo, branch)
}

// canonicalize strips trailing slashes.
func canonicalize(path string) string {
	return strings.TrimRight(path, "/")
}

// IsWithinWorkspace reports whether path falls under workspaceBase,
// per §4.4's "path-within-workspace check... enforced on every
// caller-supplied path" (P6).
func IsWithinWorkspace(workspaceBase, path string) bool {
	base := canonicalize(workspaceBase)
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// ValidatePath returns an error if path is not contained within workspaceBase.
func ValidatePath(workspaceBase, path string) error {
	if !IsWithinWorkspace(workspaceBase, path) {
		return fmt.Errorf("isolation: path %q escapes workspace %q", path, workspaceBase)
	}
	return nil
}
