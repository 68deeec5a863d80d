package isolation

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/streetsdigital/lugh/internal/persistence"
)

// CleanupSchedulerConfig holds the dependencies for the cleanup scheduler.
type CleanupSchedulerConfig struct {
	Manager        *Manager
	Store          *persistence.Store
	Logger         *slog.Logger
	MergedSpec     string        // cron expression for the merged-branch sweep; defaults to every 15 minutes
	StaleSpec      string        // cron expression for the stale-branch sweep; defaults to hourly
	StaleThreshold time.Duration // age of a merged branch's last commit after which it is swept; defaults to 7 days
}

// CleanupScheduler runs the isolation Manager's CleanupMerged and
// CleanupStale sweeps across every registered codebase on a cron
// schedule, backing the periodic half of §4.4 step 5's auto-cleanup
// (Resolve only cleans up synchronously when a codebase is already at
// capacity; this keeps codebases below capacity in the first place).
type CleanupScheduler struct {
	mgr            *Manager
	store          *persistence.Store
	log            *slog.Logger
	staleThreshold time.Duration
	mergedSpec     string
	staleSpec      string

	cron *cronlib.Cron
}

// NewCleanupScheduler builds a CleanupScheduler with the given config.
func NewCleanupScheduler(cfg CleanupSchedulerConfig) *CleanupScheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mergedSpec := cfg.MergedSpec
	if mergedSpec == "" {
		mergedSpec = "*/15 * * * *"
	}
	staleSpec := cfg.StaleSpec
	if staleSpec == "" {
		staleSpec = "0 * * * *"
	}
	staleThreshold := cfg.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 7 * 24 * time.Hour
	}
	return &CleanupScheduler{
		mgr:            cfg.Manager,
		store:          cfg.Store,
		log:            logger,
		staleThreshold: staleThreshold,
		mergedSpec:     mergedSpec,
		staleSpec:      staleSpec,
	}
}

// Start registers both sweeps with a cron runner and starts it. The
// runner's own goroutine respects cron's in-process scheduling; ctx
// cancellation is handled by the caller invoking Stop.
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.cron = cronlib.New(cronlib.WithParser(cronlib.NewParser(
		cronlib.Minute|cronlib.Hour|cronlib.Dom|cronlib.Month|cronlib.Dow|cronlib.Descriptor,
	)))
	if _, err := s.cron.AddFunc(s.mergedSpec, func() { s.sweepMerged(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.staleSpec, func() { s.sweepStale(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("isolation cleanup scheduler started", "merged_spec", s.mergedSpec, "stale_spec", s.staleSpec)
	return nil
}

// Stop waits for any in-flight sweep to finish and stops the runner.
func (s *CleanupScheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("isolation cleanup scheduler stopped")
}

func (s *CleanupScheduler) sweepMerged(ctx context.Context) {
	codebases, err := s.store.ListCodebases(ctx)
	if err != nil {
		s.log.Error("cleanup scheduler: list codebases failed", "error", err)
		return
	}
	for _, cb := range codebases {
		report, err := s.mgr.CleanupMerged(ctx, cb.ID)
		if err != nil {
			s.log.Error("cleanup scheduler: merged sweep failed", "codebase", cb.Name, "error", err)
			continue
		}
		if len(report.Removed) > 0 {
			s.log.Info("cleanup scheduler: removed merged envs", "codebase", cb.Name, "count", len(report.Removed))
		}
	}
}

func (s *CleanupScheduler) sweepStale(ctx context.Context) {
	codebases, err := s.store.ListCodebases(ctx)
	if err != nil {
		s.log.Error("cleanup scheduler: list codebases failed", "error", err)
		return
	}
	for _, cb := range codebases {
		report, err := s.mgr.CleanupStale(ctx, cb.ID, s.staleThreshold)
		if err != nil {
			s.log.Error("cleanup scheduler: stale sweep failed", "codebase", cb.Name, "error", err)
			continue
		}
		if len(report.Removed) > 0 {
			s.log.Info("cleanup scheduler: removed stale envs", "codebase", cb.Name, "count", len(report.Removed))
		}
	}
}
