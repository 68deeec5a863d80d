package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a Pool Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one unit of work for an Agent Worker.
type Task struct {
	ID              string
	ConversationID  string
	TaskType        string
	Priority        int
	Status          TaskStatus
	Payload         string // raw JSON
	AssignedAgentID sql.NullString
	Result          sql.NullString
	Error           sql.NullString
	CreatedAt       time.Time
	StartedAt       sql.NullTime
	CompletedAt     sql.NullTime
}

// TaskResultChunk is one streamed fragment of a task's output.
type TaskResultChunk struct {
	ID        int64
	TaskID    string
	ChunkType string // chunk|tool_call|complete|error
	Content   string
	CreatedAt time.Time
}

// TaskStats counts tasks per status, for get_stats().
type TaskStats struct {
	Queued    int
	Assigned  int
	Running   int
	Completed int
	Failed    int
}

const taskSelectCols = `
	SELECT id, conversation_id, task_type, priority, status, payload_json, assigned_agent_id, result_json, error, created_at, started_at, completed_at
	FROM pool_tasks
`

// EnqueueTask inserts a new queued task. priority defaults to 5 when 0.
func (s *Store) EnqueueTask(ctx context.Context, conversationID, taskType string, priority int, payloadJSON string) (Task, error) {
	if priority == 0 {
		priority = 5
	}
	task := Task{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		TaskType:       taskType,
		Priority:       priority,
		Status:         TaskQueued,
		Payload:        payloadJSON,
		CreatedAt:      time.Now().UTC(),
	}
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pool_tasks (id, conversation_id, task_type, priority, status, payload_json, created_at)
			VALUES (?, ?, ?, ?, 'queued', ?, ?)
		`, task.ID, task.ConversationID, task.TaskType, task.Priority, task.Payload, task.CreatedAt)
		return err
	})
	return task, err
}

// DequeueTask atomically claims the single highest-priority, oldest
// queued task for agentID. The store holds exactly one open
// connection (see Open), so a BeginTx here is the transaction
// boundary the whole process serializes through — the practical
// equivalent of a row-level skip-locked claim on single-writer
// SQLite: two concurrent DequeueTask calls cannot both observe and
// claim the same row (P1).
//
// Returns ErrNotFound if no task is queued.
func (s *Store) DequeueTask(ctx context.Context, agentID string) (Task, error) {
	var task Task
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, taskSelectCols+`
			WHERE status = 'queued' ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1
		`)
		task, err = scanTask(row)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE pool_tasks SET status = 'assigned', assigned_agent_id = ?, started_at = ? WHERE id = ?
		`, agentID, now, task.ID); err != nil {
			return err
		}
		task.Status = TaskAssigned
		task.AssignedAgentID = sql.NullString{String: agentID, Valid: true}
		task.StartedAt = sql.NullTime{Time: now, Valid: true}
		return tx.Commit()
	})
	return task, err
}

// MarkTaskRunning transitions assigned → running.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE pool_tasks SET status = 'running' WHERE id = ? AND status = 'assigned'`, taskID)
		if err != nil {
			return err
		}
		return requireRowsAffected(res)
	})
}

// CompleteTask sets a terminal completed status with the given result JSON.
func (s *Store) CompleteTask(ctx context.Context, taskID, resultJSON string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pool_tasks SET status = 'completed', result_json = ?, completed_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed')
		`, resultJSON, time.Now().UTC(), taskID)
		return err
	})
}

// FailTask sets a terminal failed status with the given error message.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pool_tasks SET status = 'failed', error = ?, completed_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed')
		`, errMsg, time.Now().UTC(), taskID)
		return err
	})
}

// CancelTask fails a task with reason, but only if it is still
// non-terminal (P4: cancel on a completed task is a no-op).
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) error {
	return s.FailTask(ctx, taskID, reason)
}

// AddTaskResultChunk appends a chunk without transitioning status.
func (s *Store) AddTaskResultChunk(ctx context.Context, taskID, chunkType, content string) error {
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_result_chunks (task_id, chunk_type, content, created_at) VALUES (?, ?, ?, ?)
		`, taskID, chunkType, content, time.Now().UTC())
		return err
	})
}

// GetTaskResults returns a task's chunks in insertion order.
func (s *Store) GetTaskResults(ctx context.Context, taskID string) ([]TaskResultChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, chunk_type, content, created_at FROM task_result_chunks WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []TaskResultChunk
	for rows.Next() {
		var c TaskResultChunk
		if err := rows.Scan(&c.ID, &c.TaskID, &c.ChunkType, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectCols+`WHERE id = ?`, taskID)
	return scanTask(row)
}

// GetTaskStats counts tasks per status.
func (s *Store) GetTaskStats(ctx context.Context) (TaskStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pool_tasks GROUP BY status`)
	if err != nil {
		return TaskStats{}, err
	}
	defer rows.Close()

	var stats TaskStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return TaskStats{}, err
		}
		switch TaskStatus(status) {
		case TaskQueued:
			stats.Queued = count
		case TaskAssigned:
			stats.Assigned = count
		case TaskRunning:
			stats.Running = count
		case TaskCompleted:
			stats.Completed = count
		case TaskFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// ReassignStuckTasks resets every assigned/running task whose
// started_at predates the cutoff back to queued. Only non-terminal
// rows are selected, so a concurrent complete/fail always wins (spec
// §4.2 "Failure semantics").
func (s *Store) ReassignStuckTasks(ctx context.Context, maxRuntime time.Duration) (int, error) {
	var n int64
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		cutoff := time.Now().UTC().Add(-maxRuntime)
		res, err := s.db.ExecContext(ctx, `
			UPDATE pool_tasks SET status = 'queued', assigned_agent_id = NULL, started_at = NULL
			WHERE status IN ('assigned', 'running') AND started_at < ?
		`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func scanTask(row *sql.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ConversationID, &t.TaskType, &t.Priority, &t.Status, &t.Payload,
		&t.AssignedAgentID, &t.Result, &t.Error, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("persistence: scan task: %w", err)
	}
	return t, nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
