// Package worker implements the Agent Worker (C5): one process that
// registers with the Agent Registry, claims Pool Tasks, runs an AI
// session inside the task's isolated worktree, and reports results.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/streetsdigital/lugh/internal/assistant"
	"github.com/streetsdigital/lugh/internal/bus"
	"github.com/streetsdigital/lugh/internal/isolation"
	lughotel "github.com/streetsdigital/lugh/internal/otel"
	"github.com/streetsdigital/lugh/internal/persistence"
	"github.com/streetsdigital/lugh/internal/queue"
	"github.com/streetsdigital/lugh/internal/recovery"
	"github.com/streetsdigital/lugh/internal/registry"
)

const topicTaskAvailable = "task_available"

// Config controls one worker process.
type Config struct {
	AgentID           string
	Capabilities      []string
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
}

// TaskPayload is the shape an Agent Worker expects Pool Task payloads
// to decode into. The orchestrator/pool coordinator populate it when
// enqueuing.
type TaskPayload struct {
	Prompt                string `json:"prompt"`
	Cwd                   string `json:"cwd"`
	PreviousSessionHandle string `json:"previous_session_handle,omitempty"`
	BaseCommit            string `json:"base_commit,omitempty"`
}

// CompletionSummary is the structured result a task completes with.
type CompletionSummary struct {
	CommitsCreated int    `json:"commits_created"`
	FilesModified  int    `json:"files_modified"`
	TestsRun       int    `json:"tests_run"`
	TestsPassed    int    `json:"tests_passed"`
	SessionHandle  string `json:"session_handle,omitempty"`
}

// Worker is one Agent Worker process.
type Worker struct {
	cfg      Config
	queue    *queue.Queue
	registry *registry.Registry
	bus      *bus.Bus
	backend  assistant.Backend
	recovery *recovery.Manager
	log      *slog.Logger

	tracer  trace.Tracer
	metrics *lughotel.Metrics

	mu            sync.Mutex
	currentTaskID string
	cancel        context.CancelFunc

	unsubMu sync.Mutex
	unsubs  []func()

	heartbeatStop chan struct{}
}

// New builds a Worker. provider may be nil, in which case tracing and
// metrics are no-ops (see lughotel.Init for the disabled-config case).
func New(q *queue.Queue, reg *registry.Registry, eventBus *bus.Bus, backend assistant.Backend, rec *recovery.Manager, log *slog.Logger, cfg Config, provider *lughotel.Provider) *Worker {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		bus:      eventBus,
		backend:  backend,
		recovery: rec,
		log:      log.With("agent_id", cfg.AgentID),
	}
	if provider != nil {
		w.tracer = provider.Tracer
		if m, err := lughotel.NewMetrics(provider.Meter); err == nil {
			w.metrics = m
		} else {
			w.log.Warn("worker: metrics init failed", "error", err)
		}
	}
	return w
}

// Start registers the worker, subscribes to its channels, starts the
// heartbeat timer, and performs an initial check for work. It does not
// block; call Shutdown to stop it (cancelling ctx only ends the
// heartbeat loop).
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.registry.Register(ctx, w.cfg.AgentID, w.cfg.Capabilities); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}

	unsubAvail, err := w.bus.Subscribe(topicTaskAvailable, func(payload []byte) {
		w.checkForWork(ctx)
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe task_available: %w", err)
	}

	unsubStop, err := w.bus.Subscribe(stopChannel(w.cfg.AgentID), func(payload []byte) {
		w.handleStop(payload)
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe agent_stop: %w", err)
	}

	unsubAssigned, err := w.bus.Subscribe(assignedChannel(w.cfg.AgentID), func(payload []byte) {
		w.checkForWork(ctx)
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe task_assigned: %w", err)
	}

	w.unsubMu.Lock()
	w.unsubs = append(w.unsubs, unsubAvail, unsubStop, unsubAssigned)
	w.unsubMu.Unlock()

	w.heartbeatStop = make(chan struct{})
	go w.heartbeatLoop(ctx)

	w.checkForWork(ctx)
	return nil
}

// Shutdown stops the heartbeat timer, unregisters (status→offline),
// and unsubscribes from every pub/sub channel.
func (w *Worker) Shutdown(ctx context.Context) {
	if w.heartbeatStop != nil {
		close(w.heartbeatStop)
	}
	w.unsubMu.Lock()
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.unsubMu.Unlock()

	if err := w.registry.SetStatus(ctx, w.cfg.AgentID, persistence.AgentOffline, ""); err != nil {
		w.log.Warn("shutdown: set offline failed", "error", err)
	}
}

func stopChannel(agentID string) string     { return "agent_stop_" + agentID }
func assignedChannel(agentID string) string { return "task_assigned_" + agentID }

func (w *Worker) hasCurrentTask() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTaskID != ""
}

func (w *Worker) setCurrentTask(id string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentTaskID = id
	w.cancel = cancel
}

func (w *Worker) clearCurrentTask() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentTaskID = ""
	w.cancel = nil
}

// checkForWork is a no-op if the worker already has a current task;
// otherwise it attempts to dequeue one.
func (w *Worker) checkForWork(ctx context.Context) {
	if w.hasCurrentTask() {
		return
	}
	task, err := w.queue.Dequeue(ctx, w.cfg.AgentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return
	}
	if err != nil {
		w.log.Warn("dequeue failed", "error", err)
		return
	}
	w.runTask(ctx, task)
}

// handleStop implements cooperative cancellation for agent_stop_{id}:
// cancels the running task's context if its id matches.
func (w *Worker) handleStop(payload []byte) {
	var msg struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	w.mu.Lock()
	match := msg.TaskID != "" && msg.TaskID == w.currentTaskID
	cancel := w.cancel
	w.mu.Unlock()
	if match && cancel != nil {
		cancel()
	}
}

func (w *Worker) runTask(ctx context.Context, task persistence.Task) {
	if err := w.registry.SetStatus(ctx, w.cfg.AgentID, persistence.AgentBusy, task.ID); err != nil {
		w.log.Warn("set status busy failed", "task_id", task.ID, "error", err)
	}
	if err := w.queue.MarkRunning(ctx, task.ID); err != nil {
		w.log.Warn("mark running failed", "task_id", task.ID, "error", err)
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	w.setCurrentTask(task.ID, cancel)
	defer func() {
		cancel()
		w.clearCurrentTask()
	}()

	if w.metrics != nil {
		w.metrics.ActiveWorkers.Add(ctx, 1)
		defer w.metrics.ActiveWorkers.Add(ctx, -1)
	}

	start := time.Now()
	if w.tracer != nil {
		var span trace.Span
		taskCtx, span = lughotel.StartSpan(taskCtx, w.tracer, "worker.run_task",
			lughotel.AttrAgentID.String(w.cfg.AgentID),
			lughotel.AttrTaskID.String(task.ID),
		)
		defer span.End()
	}

	summary, err := w.execute(taskCtx, task)

	if w.metrics != nil {
		w.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			w.metrics.ToolCallErrors.Add(ctx, 1)
		}
	}

	if err != nil {
		if errors.Is(taskCtx.Err(), context.Canceled) {
			err = fmt.Errorf("stopped")
		}
		w.handleFailure(ctx, task, err.Error())
	} else {
		resultJSON, _ := json.Marshal(summary)
		if err := w.queue.Complete(ctx, task.ID, map[string]any{"summary": json.RawMessage(resultJSON)}); err != nil {
			w.log.Warn("complete failed", "task_id", task.ID, "error", err)
		}
		if w.recovery != nil {
			w.recovery.ClearHistory(task.ID)
		}
	}

	if err := w.registry.SetStatus(ctx, w.cfg.AgentID, persistence.AgentIdle, ""); err != nil {
		w.log.Warn("set status idle failed", "error", err)
	}
	w.publishHeartbeat(ctx, persistence.AgentIdle, "", 0, "")
	w.checkForWork(ctx)
}

func (w *Worker) handleFailure(ctx context.Context, task persistence.Task, errMsg string) {
	if w.recovery == nil {
		_ = w.queue.Fail(ctx, task.ID, errMsg)
		return
	}
	retry, _ := w.recovery.HandleFailure(task.ID, task.TaskType, w.cfg.AgentID, errMsg, nil)
	if retry {
		if err := w.queue.Cancel(ctx, task.ID, "retrying: "+errMsg); err != nil {
			w.log.Warn("requeue on retry failed", "task_id", task.ID, "error", err)
			return
		}
		var payload map[string]any
		_ = json.Unmarshal([]byte(task.Payload), &payload)
		if _, err := w.queue.Enqueue(ctx, queue.EnqueueRequest{
			ConversationID: task.ConversationID,
			TaskType:       task.TaskType,
			Priority:       task.Priority,
			Payload:        payload,
		}); err != nil {
			w.log.Warn("re-enqueue on retry failed", "task_id", task.ID, "error", err)
		}
		return
	}
	if err := w.queue.Fail(ctx, task.ID, errMsg); err != nil {
		w.log.Warn("fail task failed", "task_id", task.ID, "error", err)
	}
}

// execute runs an assistant session against the task's cwd, forwarding
// streaming events into result chunks, and derives the completion
// summary from git state before/after.
func (w *Worker) execute(ctx context.Context, task persistence.Task) (CompletionSummary, error) {
	var payload TaskPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return CompletionSummary{}, fmt.Errorf("worker: decode task payload: %w", err)
	}

	baseCommit := payload.BaseCommit
	if baseCommit == "" && payload.Cwd != "" {
		if sha, err := isolation.CurrentCommit(ctx, payload.Cwd); err == nil {
			baseCommit = sha
		}
	}

	events, errc := w.backend.SendQuery(ctx, payload.Prompt, payload.Cwd, payload.PreviousSessionHandle)

	var summary CompletionSummary
	var testsRun, testsPassed int
	var gotResult bool

	for events != nil || errc != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Type {
			case assistant.EventAssistant:
				_ = w.queue.AddResult(ctx, task.ID, "chunk", ev.Content)
				r, p := parseTestCounts(ev.Content)
				testsRun += r
				testsPassed += p
			case assistant.EventTool:
				encoded, _ := json.Marshal(map[string]any{"tool_name": ev.ToolName, "tool_input": ev.ToolInput})
				_ = w.queue.AddResult(ctx, task.ID, "tool_call", string(encoded))
				if w.tracer != nil {
					_, span := lughotel.StartClientSpan(ctx, w.tracer, "worker.tool_call",
						lughotel.AttrTaskID.String(task.ID),
						lughotel.AttrToolName.String(ev.ToolName),
					)
					span.End()
				}
			case assistant.EventResult:
				summary.SessionHandle = ev.SessionID
				gotResult = true
			}
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				return CompletionSummary{}, err
			}
		case <-ctx.Done():
			return CompletionSummary{}, ctx.Err()
		}
	}
	if !gotResult {
		return CompletionSummary{}, assistant.ErrStreamEndedWithoutResult
	}

	summary.TestsRun = testsRun
	summary.TestsPassed = testsPassed

	if payload.Cwd != "" && baseCommit != "" {
		if stats, err := isolation.ComputeDiffStats(ctx, payload.Cwd, baseCommit); err == nil {
			summary.CommitsCreated = stats.CommitsCreated
			summary.FilesModified = stats.FilesModified
		}
	}

	return summary, nil
}

var testCountsRE = regexp.MustCompile(`(?i)(\d+)\s+passed.*?(\d+)\s+failed|(\d+)\s+tests?\s+passed`)

func parseTestCounts(content string) (run, passed int) {
	m := testCountsRE.FindStringSubmatch(content)
	if m == nil {
		return 0, 0
	}
	if m[1] != "" {
		var p, f int
		fmt.Sscanf(m[1], "%d", &p)
		fmt.Sscanf(m[2], "%d", &f)
		return p + f, p
	}
	if m[3] != "" {
		var p int
		fmt.Sscanf(m[3], "%d", &p)
		return p, p
	}
	return 0, 0
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.heartbeatStop:
			return
		case <-ticker.C:
			status := persistence.AgentIdle
			taskID := ""
			w.mu.Lock()
			if w.currentTaskID != "" {
				status = persistence.AgentBusy
				taskID = w.currentTaskID
			}
			w.mu.Unlock()
			if err := w.registry.Heartbeat(ctx, w.cfg.AgentID); err != nil {
				w.log.Warn("heartbeat failed", "error", err)
			}
			w.publishHeartbeat(ctx, status, taskID, 0, "")
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context, status persistence.AgentStatus, taskID string, memMB, cpuPercent float64) {
	if w.bus == nil {
		return
	}
	msg := map[string]any{
		"agent_id": w.cfg.AgentID,
		"status":   status,
	}
	if taskID != "" {
		msg["current_task"] = map[string]any{"id": taskID}
	}
	_ = w.bus.Publish(ctx, "agent_heartbeat", msg)
}
