// Package shared holds small cross-cutting helpers used by every other
// package: request-scoped context ids and secret redaction. Nothing here
// depends on persistence, bus, or any other internal package, so it stays
// free of import cycles.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type (
	traceKey        struct{}
	conversationKey struct{}
	taskKey         struct{}
	agentKey        struct{}
)

// WithTraceID attaches a trace id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the trace id from the context, or "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithConversationID attaches a conversation id to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationID extracts the conversation id from the context, or "" if absent.
func ConversationID(ctx context.Context) string {
	v, _ := ctx.Value(conversationKey{}).(string)
	return v
}

// WithTaskID attaches a pool task id to the context, so tools and loggers
// deep in a call chain can tag their output without threading the id
// through every signature.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskKey{}, id)
}

// TaskID extracts the task id from the context, or "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskKey{}).(string)
	return v
}

// WithAgentID attaches an agent id to the context.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentKey{}, id)
}

// AgentID extracts the agent id from the context, or "" if absent.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentKey{}).(string)
	return v
}
