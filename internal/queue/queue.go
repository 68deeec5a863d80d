// Package queue implements the Task Queue (C2): a priority FIFO of
// Pool Tasks with atomic claim, streamed result chunks, and
// stuck-task reassignment, layered on internal/persistence and
// internal/bus.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/streetsdigital/lugh/internal/bus"
	"github.com/streetsdigital/lugh/internal/persistence"
)

const topicTaskAvailable = "task_available"

// EnqueueRequest describes a new Pool Task.
type EnqueueRequest struct {
	ConversationID string
	TaskType       string
	Priority       int // 1 (highest) .. 10 (lowest); 0 means default (5)
	Payload        map[string]any
}

// Queue wraps the persisted task table with schema validation and
// task_available notifications.
type Queue struct {
	store   *persistence.Store
	bus     *bus.Bus
	schemas map[string]*jsonschema.Schema
}

// New builds a Queue. schemas maps a task_type to a compiled JSON
// Schema that enqueue() payloads are validated against; task types
// with no entry skip validation.
func New(store *persistence.Store, eventBus *bus.Bus, schemas map[string]*jsonschema.Schema) *Queue {
	if schemas == nil {
		schemas = map[string]*jsonschema.Schema{}
	}
	return &Queue{store: store, bus: eventBus, schemas: schemas}
}

// CompileSchema compiles a raw JSON Schema document for use with New.
func CompileSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("queue: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("queue: add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("queue: compile schema: %w", err)
	}
	return schema, nil
}

// Enqueue inserts a new queued task and publishes task_available.
// If a schema is registered for req.TaskType, the payload must validate.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}

	if schema, ok := q.schemas[req.TaskType]; ok {
		var instance any
		if err := json.Unmarshal(payloadJSON, &instance); err != nil {
			return "", fmt.Errorf("queue: decode payload for validation: %w", err)
		}
		if err := schema.Validate(instance); err != nil {
			return "", fmt.Errorf("queue: payload for task_type %q failed schema validation: %w", req.TaskType, err)
		}
	}

	task, err := q.store.EnqueueTask(ctx, req.ConversationID, req.TaskType, req.Priority, string(payloadJSON))
	if err != nil {
		return "", err
	}

	if q.bus != nil {
		if err := q.bus.Publish(ctx, topicTaskAvailable, map[string]string{"task_id": task.ID}); err != nil {
			return task.ID, fmt.Errorf("queue: publish task_available: %w", err)
		}
	}
	return task.ID, nil
}

// Dequeue atomically claims the next task for agentID, or returns
// persistence.ErrNotFound if none is queued.
func (q *Queue) Dequeue(ctx context.Context, agentID string) (persistence.Task, error) {
	return q.store.DequeueTask(ctx, agentID)
}

// MarkRunning transitions assigned → running.
func (q *Queue) MarkRunning(ctx context.Context, taskID string) error {
	return q.store.MarkTaskRunning(ctx, taskID)
}

// Complete sets a terminal completed status with the given result.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("queue: encode result: %w", err)
	}
	return q.store.CompleteTask(ctx, taskID, string(resultJSON))
}

// Fail sets a terminal failed status with the given error message.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) error {
	return q.store.FailTask(ctx, taskID, errMsg)
}

// Cancel fails a non-terminal task with reason; a no-op on a task
// that already reached completed/failed.
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) error {
	return q.store.CancelTask(ctx, taskID, reason)
}

// AddResult appends a streamed result chunk without a status transition.
func (q *Queue) AddResult(ctx context.Context, taskID, chunkType, content string) error {
	return q.store.AddTaskResultChunk(ctx, taskID, chunkType, content)
}

// GetResults returns a task's chunks in insertion order.
func (q *Queue) GetResults(ctx context.Context, taskID string) ([]persistence.TaskResultChunk, error) {
	return q.store.GetTaskResults(ctx, taskID)
}

// GetStats counts tasks per status.
func (q *Queue) GetStats(ctx context.Context) (persistence.TaskStats, error) {
	return q.store.GetTaskStats(ctx)
}

// GetTask loads a task by id.
func (q *Queue) GetTask(ctx context.Context, taskID string) (persistence.Task, error) {
	return q.store.GetTask(ctx, taskID)
}

// ReassignStuck requeues every assigned/running task whose started_at
// predates maxRuntime. Returns the count requeued.
func (q *Queue) ReassignStuck(ctx context.Context, maxRuntime time.Duration) (int, error) {
	return q.store.ReassignStuckTasks(ctx, maxRuntime)
}
