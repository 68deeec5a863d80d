package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/streetsdigital/lugh/internal/isolation"
	"github.com/streetsdigital/lugh/internal/persistence"
	"github.com/streetsdigital/lugh/internal/pool"
	"github.com/streetsdigital/lugh/internal/shared"
)

// errorClass is the §7 taxonomy bucket an error funnels into.
type errorClass string

const (
	classUserInput  errorClass = "user_input"
	classNotFound   errorClass = "not_found"
	classCapacity   errorClass = "capacity"
	classExternalIO errorClass = "external_io"
	classRateLimit  errorClass = "rate_limit"
	classSensitive  errorClass = "sensitive"
	classAbort      errorClass = "abort"
)

// classifyError funnels an arbitrary error into a user-safe message
// per §7's taxonomy, logging the full error internally either way.
func classifyError(ctx context.Context, log *slog.Logger, err error) (class errorClass, userMessage string) {
	if err == nil {
		return "", ""
	}

	if errors.Is(err, context.Canceled) {
		return classAbort, "Stopped."
	}
	if errors.Is(err, isolation.ErrCapacityReached) {
		log.WarnContext(ctx, "capacity error", "error", err)
		return classCapacity, "This codebase has reached its worktree limit. Run /worktree cleanup merged or /worktree cleanup stale to free one up, then try again."
	}
	if errors.Is(err, persistence.ErrNotFound) {
		log.WarnContext(ctx, "not found error", "error", err)
		return classNotFound, err.Error()
	}
	var taskFailed *pool.ErrTaskFailed
	if errors.As(err, &taskFailed) {
		log.ErrorContext(ctx, "task failed", "task_id", taskFailed.TaskID, "reason", taskFailed.Reason)
		if shared.ContainsSecret(taskFailed.Reason) {
			return classSensitive, "The task failed. Details have been withheld because they contained sensitive data; see the server logs."
		}
		return classExternalIO, "The task failed: " + taskFailed.Reason
	}

	msg := err.Error()
	log.ErrorContext(ctx, "unclassified error", "error", msg)

	if shared.ContainsSecret(msg) {
		return classSensitive, "Something went wrong, and the error details contained sensitive data that has been withheld. Check the server logs."
	}
	if isRateLimitError(msg) {
		return classRateLimit, "The assistant backend is rate-limited right now. Please try again in a moment."
	}
	return classExternalIO, "Something went wrong handling that request. It has been logged; please try again."
}

func isRateLimitError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"rate limit", "rate-limit", "429", "too many requests"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
