// Package assistant defines the AI session backend contract consumed
// by the Agent Worker, plus a deterministic fake used in tests.
package assistant

import (
	"context"
	"fmt"
)

// EventType enumerates the three events a session stream can emit.
type EventType string

const (
	EventAssistant EventType = "assistant"
	EventTool      EventType = "tool"
	EventResult    EventType = "result"
)

// Event is one item from a session's stream. Only the fields relevant
// to Type are populated.
type Event struct {
	Type      EventType
	Content   string         // EventAssistant
	ToolName  string         // EventTool
	ToolInput map[string]any // EventTool
	SessionID string         // EventResult
}

// Backend is the AI session backend contract: send_query(prompt, cwd,
// previous_session_handle?) → async_iter<Event>. The returned channel
// is closed once the stream ends; a stream that closes without first
// sending an EventResult is an error, surfaced via errc.
type Backend interface {
	SendQuery(ctx context.Context, prompt, cwd, previousSessionHandle string) (events <-chan Event, errc <-chan error)
}

// ErrStreamEndedWithoutResult is returned when a backend's event
// stream closes before emitting an EventResult.
var ErrStreamEndedWithoutResult = fmt.Errorf("assistant: event stream ended without a result event")

// Collect drains a Backend's stream to completion, returning every
// event observed. It is a convenience for callers (tests, simple
// synchronous flows) that don't need to react to events as they
// arrive; the worker itself consumes the channel directly so it can
// forward chunks incrementally.
func Collect(ctx context.Context, b Backend, prompt, cwd, previousSessionHandle string) ([]Event, error) {
	events, errc := b.SendQuery(ctx, prompt, cwd, previousSessionHandle)
	var collected []Event
	for events != nil || errc != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			collected = append(collected, ev)
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				return collected, err
			}
		case <-ctx.Done():
			return collected, ctx.Err()
		}
	}
	for _, ev := range collected {
		if ev.Type == EventResult {
			return collected, nil
		}
	}
	return collected, ErrStreamEndedWithoutResult
}
