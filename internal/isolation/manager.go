// Package isolation implements the Isolation Manager (C4): resolves,
// creates, adopts, and garbage-collects per-workflow git worktrees
// that serve as sandboxed working directories.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/streetsdigital/lugh/internal/persistence"
)

// ErrCapacityReached is the "limit reached" signal from §4.4 step 5:
// the codebase is at MAX_WORKTREES_PER_CODEBASE and auto-cleanup
// freed nothing.
var ErrCapacityReached = errors.New("isolation: worktree capacity reached for codebase")

// Hints carries request-scoped context the resolution algorithm uses
// to find a shareable or adoptable env.
type Hints struct {
	LinkedIssues []string // issue numbers referenced by the incoming request
	PRBranch     string   // branch name to adopt, if a worktree already exists for it
	PRNumber     string   // PR number, for fetch-based creation
	PRSHA        string   // non-empty for a SHA-pinned reproducible review
	ForkRemote   string   // remote name to fetch from when the PR is from a fork
}

// ResolveRequest describes one incoming request that needs a working directory.
type ResolveRequest struct {
	Codebase     persistence.Codebase
	WorkflowType WorkflowType
	WorkflowID   string
	Hints        Hints
	Platform     string
}

// ResolveResult is what the orchestrator persists onto the conversation.
type ResolveResult struct {
	Env     persistence.IsolationEnv
	Message string // informational message to relay through the adapter, if any
}

// Manager resolves and manages Isolation Envs.
type Manager struct {
	store                   *persistence.Store
	workspaceBase           string
	maxWorktreesPerCodebase int
	defaultBranch           string
}

// New builds a Manager. defaultBranch names the repo's mainline
// branch used by merge-ancestor checks in cleanup.
func New(store *persistence.Store, workspaceBase string, maxWorktreesPerCodebase int, defaultBranch string) *Manager {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Manager{
		store:                   store,
		workspaceBase:           workspaceBase,
		maxWorktreesPerCodebase: maxWorktreesPerCodebase,
		defaultBranch:           defaultBranch,
	}
}

// ValidateExistingRef implements §4.4 step 1: if envID is non-empty,
// check the row is present and its path exists. On mismatch, the
// stale row is marked destroyed and a nil env is returned so
// resolution continues. The conversation's isolation_env_id is not
// touched here; the orchestrator overwrites it with the env that
// Resolve settles on.
func (m *Manager) ValidateExistingRef(ctx context.Context, envID string) (*persistence.IsolationEnv, error) {
	if envID == "" {
		return nil, nil
	}
	env, err := m.store.GetIsolationEnv(ctx, envID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if env.Status != "active" {
		return nil, nil
	}
	if _, statErr := os.Stat(env.Path); statErr != nil {
		if markErr := m.store.MarkIsolationEnvDestroyed(ctx, env.ID); markErr != nil {
			return nil, markErr
		}
		return nil, nil
	}
	return &env, nil
}

// Resolve runs the full algorithm of §4.4 and returns the env the
// conversation should use.
func (m *Manager) Resolve(ctx context.Context, currentEnvID string, req ResolveRequest) (ResolveResult, error) {
	// Step 1: validate existing reference.
	if existing, err := m.ValidateExistingRef(ctx, currentEnvID); err != nil {
		return ResolveResult{}, err
	} else if existing != nil && existing.WorkflowType == string(req.WorkflowType) && existing.WorkflowID == req.WorkflowID {
		return ResolveResult{Env: *existing}, nil
	}

	// Step 2: reuse by workflow identity.
	if env, err := m.store.FindActiveIsolationEnv(ctx, req.Codebase.ID, string(req.WorkflowType), req.WorkflowID); err == nil {
		if _, statErr := os.Stat(env.Path); statErr == nil {
			return ResolveResult{Env: env}, nil
		}
		_ = m.store.MarkIsolationEnvDestroyed(ctx, env.ID)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return ResolveResult{}, err
	}

	// Step 3: shared linked issue.
	for _, issueID := range req.Hints.LinkedIssues {
		env, err := m.store.FindActiveIsolationEnv(ctx, req.Codebase.ID, string(WorkflowIssue), issueID)
		if err == nil {
			return ResolveResult{
				Env:     env,
				Message: fmt.Sprintf("Reusing existing isolation environment for linked issue #%s.", issueID),
			}, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return ResolveResult{}, err
		}
	}

	// Step 4: branch adoption.
	if req.Hints.PRBranch != "" {
		owner, repo := splitOwnerRepo(req.Codebase.Name)
		adoptPath := WorktreePath(m.workspaceBase, owner, repo, req.Hints.PRBranch)
		if _, err := os.Stat(adoptPath); err == nil {
			env, err := m.store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
				CodebaseID:      req.Codebase.ID,
				WorkflowType:    string(req.WorkflowType),
				WorkflowID:      req.WorkflowID,
				Provider:        "worktree",
				Path:            adoptPath,
				Branch:          req.Hints.PRBranch,
				CreatorPlatform: req.Platform,
				Metadata:        map[string]any{"adopted": true, "adopted_from": "skill"},
			})
			if err != nil {
				return ResolveResult{}, err
			}
			return ResolveResult{Env: env}, nil
		}
	}

	// Step 5: capacity check + auto-cleanup.
	active, err := m.store.ListActiveIsolationEnvs(ctx, req.Codebase.ID)
	if err != nil {
		return ResolveResult{}, err
	}
	if len(active) >= m.maxWorktreesPerCodebase {
		removed, err := m.cleanupMergedLocked(ctx, req.Codebase, active)
		if err != nil {
			return ResolveResult{}, err
		}
		if removed == 0 {
			return ResolveResult{}, ErrCapacityReached
		}
	}

	// Step 6: create.
	env, err := m.create(ctx, req)
	if err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{Env: env}, nil
}

func (m *Manager) create(ctx context.Context, req ResolveRequest) (persistence.IsolationEnv, error) {
	owner, repo := splitOwnerRepo(req.Codebase.Name)
	branch := BranchName(req.WorkflowType, req.WorkflowID)
	path := WorktreePath(m.workspaceBase, owner, repo, branch)

	if err := ValidatePath(m.workspaceBase, path); err != nil {
		return persistence.IsolationEnv{}, err
	}

	if req.WorkflowType == WorkflowPR {
		if err := m.createPRWorktree(ctx, req, path, branch); err != nil {
			return persistence.IsolationEnv{}, err
		}
	} else {
		if err := m.createPlainWorktree(ctx, req.Codebase.DefaultCwd, path, branch); err != nil {
			return persistence.IsolationEnv{}, err
		}
	}

	if err := registerSafeDirectory(ctx, path); err != nil {
		return persistence.IsolationEnv{}, err
	}

	return m.store.CreateIsolationEnv(ctx, persistence.IsolationEnv{
		CodebaseID:      req.Codebase.ID,
		WorkflowType:    string(req.WorkflowType),
		WorkflowID:      req.WorkflowID,
		Provider:        "worktree",
		Path:            path,
		Branch:          branch,
		CreatorPlatform: req.Platform,
		Metadata:        map[string]any{},
	})
}

// createPlainWorktree creates a new branch+worktree, retrying without
// -b if the branch already exists (§4.4 "Branch-already-exists").
func (m *Manager) createPlainWorktree(ctx context.Context, repoDir, path, branch string) error {
	err := worktreeAdd(ctx, repoDir, path, branch, true)
	if err == nil {
		return nil
	}
	if branchExists(ctx, repoDir, branch) {
		return worktreeAdd(ctx, repoDir, path, branch, false)
	}
	return err
}

// createPRWorktree implements the two PR creation specifics in §4.4:
// a SHA-pinned reproducible review fetches the PR head and checks out
// detached at the SHA, then creates a local tracking branch so the
// worktree is not left detached; otherwise it fetches directly into
// the local review branch, which works for forks too.
func (m *Manager) createPRWorktree(ctx context.Context, req ResolveRequest, path, branch string) error {
	repoDir := req.Codebase.DefaultCwd
	remote := req.Hints.ForkRemote
	if remote == "" {
		remote = "origin"
	}
	prRef := fmt.Sprintf("pull/%s/head", req.Hints.PRNumber)

	if req.Hints.PRSHA != "" {
		if err := fetchRef(ctx, repoDir, remote, prRef, ""); err != nil {
			return err
		}
		if err := worktreeAddDetached(ctx, repoDir, path, req.Hints.PRSHA); err != nil {
			return err
		}
		if err := createTrackingBranchAt(ctx, path, branch, req.Hints.PRSHA); err != nil {
			return err
		}
		return checkoutBranchInWorktree(ctx, path, branch)
	}

	if err := fetchRef(ctx, repoDir, remote, prRef, branch); err != nil {
		return err
	}
	return worktreeAdd(ctx, repoDir, path, branch, false)
}

// Destroy removes the worktree at env's path (tolerating uncommitted
// changes only when force is true) and marks the row destroyed. A
// missing path is treated as already-destroyed.
func (m *Manager) Destroy(ctx context.Context, env persistence.IsolationEnv, force bool) error {
	codebase, err := m.store.GetCodebase(ctx, env.CodebaseID)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(env.Path); statErr == nil {
		if err := worktreeRemove(ctx, codebase.DefaultCwd, env.Path, force); err != nil {
			return err
		}
	}
	return m.store.MarkIsolationEnvDestroyed(ctx, env.ID)
}

func splitOwnerRepo(name string) (owner, repo string) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return name, name
	}
	return parts[0], parts[1]
}
