package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// FakeBackend is a deterministic Backend double: no LLM call, no
// network. It echoes the prompt back as a single assistant chunk,
// optionally reports a tool call when the prompt contains "use tool:
// <name>", and always terminates with a result event. Useful for
// worker/pool/orchestrator tests that must not depend on a real model.
type FakeBackend struct {
	mu       sync.Mutex
	sessions int64
	Queries  []FakeQuery // records every call, for assertions
}

// FakeQuery is one recorded SendQuery invocation.
type FakeQuery struct {
	Prompt                string
	Cwd                   string
	PreviousSessionHandle string
}

// NewFake builds a FakeBackend.
func NewFake() *FakeBackend {
	return &FakeBackend{}
}

func (f *FakeBackend) SendQuery(ctx context.Context, prompt, cwd, previousSessionHandle string) (<-chan Event, <-chan error) {
	f.mu.Lock()
	f.Queries = append(f.Queries, FakeQuery{Prompt: prompt, Cwd: cwd, PreviousSessionHandle: previousSessionHandle})
	f.mu.Unlock()

	events := make(chan Event, 4)
	errc := make(chan error, 1)

	sessionID := previousSessionHandle
	if sessionID == "" {
		n := atomic.AddInt64(&f.sessions, 1)
		sessionID = fmt.Sprintf("fake-session-%d", n)
	}

	go func() {
		defer close(events)
		defer close(errc)

		if toolName, input, ok := parseToolDirective(prompt); ok {
			select {
			case events <- Event{Type: EventTool, ToolName: toolName, ToolInput: input}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}

		select {
		case events <- Event{Type: EventAssistant, Content: "echo: " + prompt}:
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}

		select {
		case events <- Event{Type: EventResult, SessionID: sessionID}:
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}
	}()

	return events, errc
}

// parseToolDirective extracts a tool name (and, for a "|cmd=" suffix,
// a synthetic Bash command argument) from a "use tool: <name>" marker
// anywhere in the prompt.
func parseToolDirective(prompt string) (string, map[string]any, bool) {
	const marker = "use tool:"
	idx := strings.Index(strings.ToLower(prompt), marker)
	if idx < 0 {
		return "", nil, false
	}
	rest := strings.TrimSpace(prompt[idx+len(marker):])
	if end := strings.IndexAny(rest, "\n"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", nil, false
	}
	toolName := rest
	input := map[string]any{"prompt": prompt}
	if cmdIdx := strings.Index(rest, "|cmd="); cmdIdx >= 0 {
		toolName = strings.TrimSpace(rest[:cmdIdx])
		input["command"] = rest[cmdIdx+len("|cmd="):]
	} else if end := strings.IndexAny(rest, " "); end >= 0 {
		toolName = rest[:end]
	}
	if toolName == "" {
		return "", nil, false
	}
	return toolName, input, true
}
