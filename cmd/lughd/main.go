// Command lughd is the lugh daemon: it wires the persistence store,
// event bus, task queue, agent registry, isolation manager, pool
// coordinator, agent workers, and conversation orchestrator together,
// then drives them from whichever chat adapters are configured.
// Construction order follows the teacher's cmd/goclaw/main.go.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/streetsdigital/lugh/internal/adapters/telegram"
	"github.com/streetsdigital/lugh/internal/assistant"
	"github.com/streetsdigital/lugh/internal/audit"
	"github.com/streetsdigital/lugh/internal/bus"
	"github.com/streetsdigital/lugh/internal/config"
	"github.com/streetsdigital/lugh/internal/isolation"
	"github.com/streetsdigital/lugh/internal/orchestrator"
	lughotel "github.com/streetsdigital/lugh/internal/otel"
	"github.com/streetsdigital/lugh/internal/persistence"
	"github.com/streetsdigital/lugh/internal/pool"
	"github.com/streetsdigital/lugh/internal/queue"
	"github.com/streetsdigital/lugh/internal/recovery"
	"github.com/streetsdigital/lugh/internal/registry"
	"github.com/streetsdigital/lugh/internal/telemetry"
	"github.com/streetsdigital/lugh/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	// A real terminal with no override means an operator ran lughd by
	// hand; keep logs off stdout so they don't clutter the console.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("LUGH_QUIET") == ""
	flag.BoolVar(&quietLogs, "quiet", quietLogs, "suppress stdout logging (file-only)")
	homeDir := flag.String("home", "", "override LUGH_HOME")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *homeDir, quietLogs); err != nil {
		fmt.Fprintln(os.Stderr, "lughd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, homeDirOverride string, quietLogs bool) error {
	cfg, err := config.Load(homeDirOverride)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	if err := audit.Init(cfg.WorkspacePath); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer audit.Close()

	log, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs || cfg.Quiet)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)
	log.Info("lughd starting", "version", Version, "config", cfg.Redacted())

	provider, err := lughotel.Init(ctx, lughotel.Config{
		Enabled:     os.Getenv("LUGH_OTEL_ENABLED") == "1",
		ServiceName: "lughd",
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer provider.Shutdown(context.Background())

	dbPath := filepath.Join(cfg.HomeDir, "lugh.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("persistence: open: %w", err)
	}
	defer store.Close()

	eventBus := bus.New(store, log)
	defer eventBus.Shutdown()

	isoMgr := isolation.New(store, cfg.WorkspacePath, cfg.MaxWorktreesPerCodebase, "main")
	reg := registry.New(store)
	q := queue.New(store, eventBus, nil)
	recMgr := recovery.New(nil)
	backend := assistant.NewFake()

	coordinator := pool.New(q, reg, eventBus, store, log, pool.Config{
		StaleThreshold: time.Duration(cfg.AgentStaleThresholdSec) * time.Second,
		TaskTimeout:    time.Duration(cfg.AgentTaskTimeoutSec) * time.Second,
	})
	if err := coordinator.Init(ctx); err != nil {
		return fmt.Errorf("pool: init: %w", err)
	}
	defer coordinator.Shutdown()

	workers := make([]*worker.Worker, 0, cfg.AgentPoolSize)
	for i := 0; i < cfg.AgentPoolSize; i++ {
		agentID := fmt.Sprintf("agent-%d", i+1)
		w := worker.New(q, reg, eventBus, backend, recMgr, log, worker.Config{
			AgentID:           agentID,
			HeartbeatInterval: time.Duration(cfg.AgentHeartbeatIntervalMs) * time.Millisecond,
			TaskTimeout:       time.Duration(cfg.AgentTaskTimeoutSec) * time.Second,
		}, provider)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("worker %s: start: %w", agentID, err)
		}
		workers = append(workers, w)
	}
	defer func() {
		for _, w := range workers {
			w.Shutdown(context.Background())
		}
	}()

	orch := orchestrator.New(store, isoMgr, coordinator, q, backend, log, orchestrator.Config{
		MaxWorktreesPerCodebase: cfg.MaxWorktreesPerCodebase,
		LongResponseThreshold:   cfg.LongResponseThreshold,
		NotifyOnRiskTools:       cfg.NotifyOnRiskTools,
		WorkspacePath:           cfg.WorkspacePath,
	}, provider)

	cleanupSched := isolation.NewCleanupScheduler(isolation.CleanupSchedulerConfig{
		Manager:        isoMgr,
		Store:          store,
		Logger:         log,
		StaleThreshold: time.Duration(cfg.StaleThresholdDays) * 24 * time.Hour,
	})
	if err := cleanupSched.Start(ctx); err != nil {
		return fmt.Errorf("cleanup scheduler: start: %w", err)
	}
	defer cleanupSched.Stop()

	if cfg.TelegramToken != "" {
		tgAdapter := telegram.New(cfg.TelegramToken, cfg.TelegramAllowedIDs, orch, "claude", log)
		go func() {
			if err := tgAdapter.Start(ctx); err != nil {
				log.Error("telegram adapter stopped", "error", err)
			}
		}()
	} else {
		log.Warn("no telegram token configured; no chat adapter started")
	}

	<-ctx.Done()
	log.Info("lughd shutting down")
	return nil
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
