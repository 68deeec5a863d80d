package pool_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/streetsdigital/lugh/internal/bus"
	"github.com/streetsdigital/lugh/internal/persistence"
	"github.com/streetsdigital/lugh/internal/pool"
	"github.com/streetsdigital/lugh/internal/queue"
	"github.com/streetsdigital/lugh/internal/registry"
)

func openHarness(t *testing.T) (*queue.Queue, *registry.Registry, *bus.Bus, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "lugh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.New(store, nil)
	t.Cleanup(eventBus.Shutdown)

	q := queue.New(store, eventBus, nil)
	reg := registry.New(store)
	return q, reg, eventBus, store
}

func TestSubmitBeforeInitFails(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{})

	conv, err := store.GetOrCreateConversation(context.Background(), "test", "chat-1", "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	_, err = coord.Submit(context.Background(), queue.EnqueueRequest{
		ConversationID: conv.ID, TaskType: "run", Payload: map[string]any{"prompt": "x"},
	})
	if !errors.Is(err, pool.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDoubleInitIsIdempotent(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{BackgroundInterval: time.Hour})
	ctx := context.Background()

	if err := coord.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := coord.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	coord.Shutdown()
}

func TestWaitForResultReturnsCompletedTask(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{BackgroundInterval: time.Hour})
	ctx := context.Background()

	if err := coord.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer coord.Shutdown()

	conv, err := store.GetOrCreateConversation(ctx, "test", "chat-2", "user-2")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}

	taskID, err := coord.Submit(ctx, queue.EnqueueRequest{
		ConversationID: conv.ID, TaskType: "run", Payload: map[string]any{"prompt": "x"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Dequeue(ctx, "agent-1")
		_ = q.Complete(ctx, taskID, map[string]any{"ok": true})
	}()

	task, err := coord.WaitForResult(ctx, taskID, time.Second)
	if err != nil {
		t.Fatalf("WaitForResult: %v", err)
	}
	if task.Status != persistence.TaskCompleted {
		t.Fatalf("expected completed, got %q", task.Status)
	}
}

func TestWaitForResultReturnsFailedError(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{BackgroundInterval: time.Hour})
	ctx := context.Background()
	if err := coord.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer coord.Shutdown()

	conv, err := store.GetOrCreateConversation(ctx, "test", "chat-3", "user-3")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	taskID, err := coord.Submit(ctx, queue.EnqueueRequest{
		ConversationID: conv.ID, TaskType: "run", Payload: map[string]any{"prompt": "x"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Dequeue(ctx, "agent-1")
		_ = q.Fail(ctx, taskID, "boom")
	}()

	_, err = coord.WaitForResult(ctx, taskID, time.Second)
	var taskErr *pool.ErrTaskFailed
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *ErrTaskFailed, got %v", err)
	}
	if taskErr.Reason != "boom" {
		t.Fatalf("expected reason %q, got %q", "boom", taskErr.Reason)
	}
}

func TestWaitForResultTimesOut(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{BackgroundInterval: time.Hour})
	ctx := context.Background()
	if err := coord.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer coord.Shutdown()

	conv, err := store.GetOrCreateConversation(ctx, "test", "chat-4", "user-4")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	taskID, err := coord.Submit(ctx, queue.EnqueueRequest{
		ConversationID: conv.ID, TaskType: "run", Payload: map[string]any{"prompt": "x"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = coord.WaitForResult(ctx, taskID, 50*time.Millisecond)
	if !errors.Is(err, pool.ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

// Regression for R2: once a task reaches completed, an intervening
// reassign_stuck pass must not revive it back to queued/running.
func TestCompletedTaskSurvivesReassignStuck(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{BackgroundInterval: time.Hour})
	ctx := context.Background()
	if err := coord.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer coord.Shutdown()

	conv, err := store.GetOrCreateConversation(ctx, "test", "chat-5", "user-5")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	taskID, err := coord.Submit(ctx, queue.EnqueueRequest{
		ConversationID: conv.ID, TaskType: "run", Payload: map[string]any{"prompt": "x"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := q.Dequeue(ctx, "agent-1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Complete(ctx, taskID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := q.ReassignStuck(ctx, 0); err != nil {
		t.Fatalf("ReassignStuck: %v", err)
	}

	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != persistence.TaskCompleted {
		t.Fatalf("expected completed to survive reassign_stuck, got %q", task.Status)
	}
}

func TestStopPublishesAgentStopAndCancels(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{BackgroundInterval: time.Hour})
	ctx := context.Background()
	if err := coord.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer coord.Shutdown()

	conv, err := store.GetOrCreateConversation(ctx, "test", "chat-6", "user-6")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	taskID, err := coord.Submit(ctx, queue.EnqueueRequest{
		ConversationID: conv.ID, TaskType: "run", Payload: map[string]any{"prompt": "x"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := q.Dequeue(ctx, "agent-9"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	received := make(chan struct{}, 1)
	unsub, err := eventBus.Subscribe("agent_stop_agent-9", func(payload []byte) {
		select {
		case received <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := coord.Stop(ctx, taskID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatalf("expected agent_stop_agent-9 to be published")
	}

	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != persistence.TaskFailed {
		t.Fatalf("expected cancel to mark task failed, got %q", task.Status)
	}
	if task.Error.String != "stopped by coordinator" {
		t.Fatalf("expected cancel reason recorded, got %q", task.Error.String)
	}
}

func TestStatusSnapshotAggregatesCounts(t *testing.T) {
	q, reg, eventBus, store := openHarness(t)
	coord := pool.New(q, reg, eventBus, store, nil, pool.Config{BackgroundInterval: time.Hour})
	ctx := context.Background()
	if err := coord.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer coord.Shutdown()

	if _, err := reg.Register(ctx, "agent-a", []string{"go"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	conv, err := store.GetOrCreateConversation(ctx, "test", "chat-7", "user-7")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if _, err := coord.Submit(ctx, queue.EnqueueRequest{
		ConversationID: conv.ID, TaskType: "run", Payload: map[string]any{"prompt": "x"},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := coord.StatusSnapshot(ctx)
	if err != nil {
		t.Fatalf("StatusSnapshot: %v", err)
	}
	if status.Agents.Idle != 1 {
		t.Fatalf("expected 1 idle agent, got %+v", status.Agents)
	}
	if status.Tasks.Queued != 1 {
		t.Fatalf("expected 1 queued task, got %+v", status.Tasks)
	}
}
