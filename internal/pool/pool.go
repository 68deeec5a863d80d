// Package pool implements the Pool Coordinator (C6): a submit/await/
// stop API layered over the Task Queue and Agent Registry, plus a
// background loop that prunes stale agents and reassigns stuck tasks.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streetsdigital/lugh/internal/bus"
	"github.com/streetsdigital/lugh/internal/persistence"
	"github.com/streetsdigital/lugh/internal/queue"
	"github.com/streetsdigital/lugh/internal/registry"
)

// Config controls the Pool Coordinator's background loop thresholds.
type Config struct {
	BackgroundInterval time.Duration
	StaleThreshold     time.Duration // default 120s
	TaskTimeout        time.Duration // default 300s
}

func (c *Config) setDefaults() {
	if c.BackgroundInterval <= 0 {
		c.BackgroundInterval = 30 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 120 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
}

// Status is the aggregate view returned by status().
type Status struct {
	Agents persistence.AgentStats
	Tasks  persistence.TaskStats
}

// ErrNotInitialized is returned by Submit before Init has run.
var ErrNotInitialized = fmt.Errorf("pool: not initialized")

// ErrTaskFailed wraps a task's stored error for wait_for_result.
type ErrTaskFailed struct {
	TaskID string
	Reason string
}

func (e *ErrTaskFailed) Error() string {
	return fmt.Sprintf("pool: task %s failed: %s", e.TaskID, e.Reason)
}

// ErrWaitTimeout is returned when wait_for_result's timeout elapses
// before the task reaches a terminal state.
var ErrWaitTimeout = fmt.Errorf("pool: timed out waiting for task result")

// Coordinator is the Pool Coordinator.
type Coordinator struct {
	queue    *queue.Queue
	registry *registry.Registry
	bus      *bus.Bus
	store    *persistence.Store
	cfg      Config
	log      *slog.Logger

	mu          sync.Mutex
	initialized bool
	stop        chan struct{}
	loopDone    chan struct{}
}

// New builds a Coordinator. Init must be called before Submit.
func New(q *queue.Queue, reg *registry.Registry, eventBus *bus.Bus, store *persistence.Store, log *slog.Logger, cfg Config) *Coordinator {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{queue: q, registry: reg, bus: eventBus, store: store, cfg: cfg, log: log}
}

// Init starts the background loop. Idempotent: a second call logs a
// warning and returns nil rather than starting a second loop.
func (c *Coordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		c.log.Warn("pool coordinator already initialized, ignoring duplicate Init")
		return nil
	}
	c.initialized = true
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})
	go c.backgroundLoop(ctx)
	return nil
}

// Shutdown stops the background loop and blocks until it exits.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	done := c.loopDone
	c.initialized = false
	c.mu.Unlock()

	close(stop)
	<-done
}

// Submit enqueues a new Pool Task and returns its handle (task id).
func (c *Coordinator) Submit(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		return "", ErrNotInitialized
	}
	return c.queue.Enqueue(ctx, req)
}

// WaitForResult polls the task row until it reaches completed (returns
// the task) or failed (returns ErrTaskFailed), or timeout elapses
// (returns ErrWaitTimeout).
func (c *Coordinator) WaitForResult(ctx context.Context, taskID string, timeout time.Duration) (persistence.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := c.queue.GetTask(ctx, taskID)
		if err != nil {
			return persistence.Task{}, err
		}
		switch task.Status {
		case persistence.TaskCompleted:
			return task, nil
		case persistence.TaskFailed:
			return task, &ErrTaskFailed{TaskID: taskID, Reason: task.Error.String}
		}

		select {
		case <-ctx.Done():
			return persistence.Task{}, ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// Stop publishes agent_stop_{assigned_agent} (if the task has one
// assigned) and cancels the task row.
func (c *Coordinator) Stop(ctx context.Context, taskID string) error {
	task, err := c.queue.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.AssignedAgentID.Valid && c.bus != nil {
		channel := "agent_stop_" + task.AssignedAgentID.String
		if err := c.bus.Publish(ctx, channel, map[string]string{"task_id": taskID}); err != nil {
			c.log.Warn("publish agent_stop failed", "task_id", taskID, "error", err)
		}
	}
	return c.queue.Cancel(ctx, taskID, "stopped by coordinator")
}

// StatusSnapshot aggregates agent and task counts.
func (c *Coordinator) StatusSnapshot(ctx context.Context) (Status, error) {
	var status Status

	agentStats, err := c.registry.GetStats(ctx)
	if err != nil {
		return Status{}, err
	}
	status.Agents = agentStats

	taskStats, err := c.queue.GetStats(ctx)
	if err != nil {
		return Status{}, err
	}
	status.Tasks = taskStats
	return status, nil
}

func (c *Coordinator) backgroundLoop(ctx context.Context) {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.cfg.BackgroundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			pruned, err := c.registry.PruneStale(ctx, c.cfg.StaleThreshold)
			if err != nil {
				c.log.Warn("prune_stale failed", "error", err)
			} else if len(pruned) > 0 {
				c.log.Info("pruned stale agents", "count", len(pruned), "agents", pruned)
			}

			n, err := c.queue.ReassignStuck(ctx, c.cfg.TaskTimeout)
			if err != nil {
				c.log.Warn("reassign_stuck failed", "error", err)
			} else if n > 0 {
				c.log.Info("reassigned stuck tasks", "count", n)
			}
		}
	}
}
