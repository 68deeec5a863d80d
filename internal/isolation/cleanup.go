package isolation

import (
	"context"
	"time"

	"github.com/streetsdigital/lugh/internal/persistence"
)

// CleanupReport summarizes one cleanup pass for logging.
type CleanupReport struct {
	Removed    []string
	SkipReason map[string]string // env id -> reason kept
}

// cleanupMergedLocked removes envs for branches already merged into
// the codebase's default branch, called synchronously from Resolve's
// step 5 when the codebase is at capacity. Returns the number removed.
func (m *Manager) cleanupMergedLocked(ctx context.Context, codebase persistence.Codebase, active []persistence.IsolationEnv) (int, error) {
	removed := 0
	for _, env := range active {
		if !isMergedIntoDefault(ctx, codebase.DefaultCwd, env.Branch, m.defaultBranch) {
			continue
		}
		dirty, err := hasUncommittedChanges(ctx, env.Path)
		if err != nil || dirty {
			continue
		}
		if err := m.Destroy(ctx, env, false); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// CleanupMerged runs a merged-branch sweep across every active env for a
// codebase, for the periodic background cleanup service.
func (m *Manager) CleanupMerged(ctx context.Context, codebaseID string) (CleanupReport, error) {
	codebase, err := m.store.GetCodebase(ctx, codebaseID)
	if err != nil {
		return CleanupReport{}, err
	}
	active, err := m.store.ListActiveIsolationEnvs(ctx, codebaseID)
	if err != nil {
		return CleanupReport{}, err
	}

	report := CleanupReport{SkipReason: map[string]string{}}
	for _, env := range active {
		if !isMergedIntoDefault(ctx, codebase.DefaultCwd, env.Branch, m.defaultBranch) {
			report.SkipReason[env.ID] = "not merged"
			continue
		}
		dirty, err := hasUncommittedChanges(ctx, env.Path)
		if err != nil {
			report.SkipReason[env.ID] = "status check failed: " + err.Error()
			continue
		}
		if dirty {
			report.SkipReason[env.ID] = "uncommitted changes"
			continue
		}
		if err := m.Destroy(ctx, env, false); err != nil {
			report.SkipReason[env.ID] = "destroy failed: " + err.Error()
			continue
		}
		report.Removed = append(report.Removed, env.ID)
	}
	return report, nil
}

// CleanupStale removes envs whose branch has had no commits for more
// than staleThreshold and carries no commits outside the default
// branch (merged, or never committed to), as a backstop against
// abandoned worktrees.
func (m *Manager) CleanupStale(ctx context.Context, codebaseID string, staleThreshold time.Duration) (CleanupReport, error) {
	codebase, err := m.store.GetCodebase(ctx, codebaseID)
	if err != nil {
		return CleanupReport{}, err
	}
	active, err := m.store.ListActiveIsolationEnvs(ctx, codebaseID)
	if err != nil {
		return CleanupReport{}, err
	}

	cutoff := time.Now().UTC().Add(-staleThreshold)
	report := CleanupReport{SkipReason: map[string]string{}}
	for _, env := range active {
		last, err := lastCommitTime(ctx, codebase.DefaultCwd, env.Branch)
		if err != nil {
			report.SkipReason[env.ID] = "no commit history: " + err.Error()
			continue
		}
		if last.After(cutoff) {
			report.SkipReason[env.ID] = "recently active"
			continue
		}
		if !isMergedIntoDefault(ctx, codebase.DefaultCwd, env.Branch, m.defaultBranch) {
			report.SkipReason[env.ID] = "not merged"
			continue
		}
		dirty, err := hasUncommittedChanges(ctx, env.Path)
		if err != nil {
			report.SkipReason[env.ID] = "status check failed: " + err.Error()
			continue
		}
		if dirty {
			report.SkipReason[env.ID] = "uncommitted changes"
			continue
		}
		if err := m.Destroy(ctx, env, false); err != nil {
			report.SkipReason[env.ID] = "destroy failed: " + err.Error()
			continue
		}
		report.Removed = append(report.Removed, env.ID)
	}
	return report, nil
}
