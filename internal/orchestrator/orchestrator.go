// Package orchestrator implements the Conversation Orchestrator (C8):
// the per-message pipeline that classifies a command, resolves
// isolation, manages session lifecycle, streams an assistant run, and
// funnels every error through a user-safe classifier. Modeled on
// internal/channels/telegram.go's message-handling shape, generalized
// off one platform into an adapter-agnostic contract.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/streetsdigital/lugh/internal/assistant"
	"github.com/streetsdigital/lugh/internal/isolation"
	lughotel "github.com/streetsdigital/lugh/internal/otel"
	"github.com/streetsdigital/lugh/internal/persistence"
	"github.com/streetsdigital/lugh/internal/pool"
	"github.com/streetsdigital/lugh/internal/queue"
	"github.com/streetsdigital/lugh/internal/shared"
)

// StreamingMode is an adapter's delivery preference for assistant output.
type StreamingMode string

const (
	StreamingLive  StreamingMode = "stream"
	StreamingBatch StreamingMode = "batch"
)

// Adapter is the platform boundary consumed by the orchestrator (§6.1).
type Adapter interface {
	PlatformType() string
	StreamingMode() StreamingMode
	SendMessage(ctx context.Context, conversationID string, text string) error
}

// FileSender is an optional Adapter capability; adapters that cannot
// attach files simply don't implement it.
type FileSender interface {
	SendFile(ctx context.Context, conversationID, path, caption string) error
}

// Incoming is one platform-delivered message.
type Incoming struct {
	PlatformType         string
	PlatformConvID       string
	AssistantKind        string
	ParentPlatformConvID string // non-empty when this thread inherits a parent conversation
	ThreadContext        string
	Text                 string

	// WorkflowType and WorkflowID identify the unit of work this
	// message belongs to for isolation resolution (§4.4). An adapter
	// that routes chat threads 1:1 with conversations (the common
	// case) can leave these empty: resolveIsolation then falls back
	// to WorkflowThread keyed by the conversation id, as before. An
	// adapter backed by issue/PR events (e.g. a GitHub webhook) sets
	// these explicitly so resolution can reuse or adopt a worktree
	// across multiple incoming messages for the same unit of work.
	WorkflowType isolation.WorkflowType
	WorkflowID   string
	Hints        isolation.Hints
}

// Config carries the environment-configuration knobs the orchestrator
// consults directly (§6.6).
type Config struct {
	MaxWorktreesPerCodebase int
	LongResponseThreshold   int
	NotifyOnRiskTools       bool
	WorkspacePath           string
}

func (c *Config) setDefaults() {
	if c.MaxWorktreesPerCodebase <= 0 {
		c.MaxWorktreesPerCodebase = 10
	}
	if c.LongResponseThreshold <= 0 {
		c.LongResponseThreshold = 2000
	}
}

// Orchestrator is the Conversation Orchestrator.
type Orchestrator struct {
	store      *persistence.Store
	isolation  *isolation.Manager
	pool       *pool.Coordinator
	queue      *queue.Queue
	backend    assistant.Backend
	log        *slog.Logger
	cfg        Config
	commands   map[string]CommandHandler
	outputsDir string
	tracer     trace.Tracer

	abortMu sync.Mutex
	aborts  map[string]context.CancelFunc
}

// New builds an Orchestrator. provider may be nil, in which case
// tracing is a no-op.
func New(store *persistence.Store, isoMgr *isolation.Manager, coordinator *pool.Coordinator, q *queue.Queue, backend assistant.Backend, log *slog.Logger, cfg Config, provider *lughotel.Provider) *Orchestrator {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store:      store,
		isolation:  isoMgr,
		pool:       coordinator,
		queue:      q,
		backend:    backend,
		log:        log,
		cfg:        cfg,
		aborts:     map[string]context.CancelFunc{},
		outputsDir: filepath.Join(cfg.WorkspacePath, "outputs"),
	}
	if provider != nil {
		o.tracer = provider.Tracer
	}
	o.commands = builtinCommands()
	return o
}

// HandleMessage runs the full per-message pipeline (§4.8). It never
// returns an error to the caller: every failure is funneled through
// classifyError and sent to the adapter as a user-safe reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, adapter Adapter, msg Incoming) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)

	if o.tracer != nil {
		var span trace.Span
		var spanCtx context.Context
		spanCtx, span = lughotel.StartSpan(ctx, o.tracer, "orchestrator.handle_message",
			lughotel.AttrPlatform.String(msg.PlatformType),
		)
		ctx = spanCtx
		defer span.End()
	}

	conv, err := o.loadConversation(ctx, msg)
	if err != nil {
		o.replyError(ctx, adapter, "", err)
		return
	}
	ctx = shared.WithConversationID(ctx, conv.ID)

	runCtx, cancel := o.installAbortHandle(ctx, conv.ID)
	defer o.clearAbortHandle(conv.ID)

	aborted := false
	defer func() {
		if aborted {
			_ = adapter.SendMessage(ctx, conv.PlatformConvID, "Stopped.")
		}
	}()

	prompt, lastCommand, directReply, halt := o.classifyAndRoute(runCtx, conv, msg.Text)
	if halt {
		if directReply != "" {
			if err := adapter.SendMessage(runCtx, conv.PlatformConvID, directReply); err != nil {
				o.log.WarnContext(runCtx, "send_message failed", "error", err)
			}
		}
		cancel()
		return
	}

	if msg.ThreadContext != "" {
		prompt = "--- thread context ---\n" + msg.ThreadContext + "\n--- end thread context ---\n\n" + prompt
	}

	cwd, isolationChanged, err := o.resolveIsolation(runCtx, &conv, msg)
	if err != nil {
		o.replyError(runCtx, adapter, conv.PlatformConvID, err)
		cancel()
		return
	}
	if isolationChanged {
		_ = o.store.DeactivateActiveSessionForConversation(runCtx, conv.ID)
	}

	session, err := o.resolveSession(runCtx, conv, lastCommand)
	if err != nil {
		o.replyError(runCtx, adapter, conv.PlatformConvID, err)
		cancel()
		return
	}
	_ = o.store.TouchConversation(runCtx, conv.ID)

	outcome, err := o.stream(runCtx, adapter, conv, session, prompt, cwd)
	if err != nil {
		if runCtx.Err() != nil {
			aborted = true
			cancel()
			return
		}
		o.replyError(runCtx, adapter, conv.PlatformConvID, err)
		cancel()
		return
	}

	o.postProcess(runCtx, adapter, conv, session, outcome, lastCommand)
	cancel()
}

func (o *Orchestrator) loadConversation(ctx context.Context, msg Incoming) (persistence.Conversation, error) {
	conv, err := o.store.GetOrCreateConversation(ctx, msg.PlatformType, msg.PlatformConvID, msg.AssistantKind)
	if err != nil {
		return persistence.Conversation{}, fmt.Errorf("orchestrator: load conversation: %w", err)
	}
	if msg.ParentPlatformConvID != "" && !conv.CodebaseID.Valid {
		parent, err := o.store.FindConversationByPlatform(ctx, msg.PlatformType, msg.ParentPlatformConvID)
		if err == nil && parent.CodebaseID.Valid {
			if err := o.store.SetConversationParent(ctx, conv.ID, parent.ID); err != nil {
				return persistence.Conversation{}, err
			}
			if err := o.store.SetConversationCodebase(ctx, conv.ID, parent.CodebaseID.String); err != nil {
				return persistence.Conversation{}, err
			}
			if parent.IsolationEnvID.Valid {
				envID := parent.IsolationEnvID.String
				if err := o.store.SetConversationIsolationEnv(ctx, conv.ID, &envID); err != nil {
					return persistence.Conversation{}, err
				}
			}
			conv, err = o.store.GetConversation(ctx, conv.ID)
			if err != nil {
				return persistence.Conversation{}, err
			}
		}
	}
	return conv, nil
}

// classifyAndRoute implements §4.8 steps 2-3. halt is true when the
// message was fully handled locally (built-in reply or unknown
// command) and the pipeline should not continue into isolation/session/
// streaming. Otherwise prompt is the text to send to the assistant and
// lastCommand is recorded as session metadata in post-processing.
func (o *Orchestrator) classifyAndRoute(ctx context.Context, conv persistence.Conversation, text string) (prompt, lastCommand string, directReply string, halt bool) {
	name, args, isCommand := classifyCommand(text)
	if !isCommand {
		return o.applyRouter(ctx, conv, text), "", "", false
	}

	if name == "command-invoke" {
		if len(args) == 0 {
			return "", "", "Usage: /command-invoke <name> [args...]", true
		}
		reply, newPrompt, ok := o.resolveCodebaseCommand(ctx, conv, args[0], args[1:])
		if !ok {
			return "", "", reply, true
		}
		return newPrompt, "command-invoke:" + args[0], "", false
	}

	if handler, ok := o.commands[name]; ok {
		result, err := handler(ctx, o, conv, args)
		if err != nil {
			_, msg := classifyError(ctx, o.log, err)
			return "", "", msg, true
		}
		if result.SwarmRequest != "" {
			return "", "", o.submitSwarmRequest(ctx, conv, result.SwarmRequest), true
		}
		if name == "stop" && result.FollowUpPrompt != "" {
			return result.FollowUpPrompt, "", "", false
		}
		return "", "", result.Message, true
	}

	tmpl, err := o.store.GetTemplate(ctx, name)
	if err != nil {
		return "", "", fmt.Sprintf("Unknown command: /%s", name), true
	}
	return substituteArgs(tmpl.Body, args), "template:" + name, "", false
}

func (o *Orchestrator) resolveCodebaseCommand(ctx context.Context, conv persistence.Conversation, name string, args []string) (reply, prompt string, ok bool) {
	if !conv.CodebaseID.Valid {
		return "No codebase is set for this conversation. Use /clone or /setcwd first.", "", false
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil {
		return "Could not load this conversation's codebase.", "", false
	}
	relPath, found := codebase.Commands[name]
	if !found {
		return fmt.Sprintf("No codebase command named %q. Run /commands to list them.", name), "", false
	}
	fullPath := filepath.Join(codebase.DefaultCwd, relPath)
	body, err := os.ReadFile(fullPath)
	if err != nil {
		return fmt.Sprintf("Could not read command file %q: %v", relPath, err), "", false
	}
	substituted := substituteArgs(string(body), args)
	envelope := "Execute the following instructions directly without asking for confirmation:\n\n" + substituted
	return "", envelope, true
}

func (o *Orchestrator) applyRouter(ctx context.Context, conv persistence.Conversation, text string) string {
	if !conv.CodebaseID.Valid {
		return text
	}
	tmpl, err := o.store.GetTemplate(ctx, "router")
	if err != nil {
		return text
	}
	return strings.ReplaceAll(tmpl.Body, "$ARGUMENTS", text)
}

func (o *Orchestrator) submitSwarmRequest(ctx context.Context, conv persistence.Conversation, payload string) string {
	if o.pool == nil {
		return "Multi-agent dispatch is not available."
	}
	taskID, err := o.pool.Submit(ctx, queue.EnqueueRequest{
		ConversationID: conv.ID,
		TaskType:       "swarm",
		Payload:        map[string]any{"prompt": payload, "cwd": ""},
	})
	if err != nil {
		_, msg := classifyError(ctx, o.log, err)
		return msg
	}
	return fmt.Sprintf("Submitted as a multi-agent job (task %s).", taskID)
}

// resolveIsolation implements §4.8 step 5. Absent a codebase, it
// returns the empty string and no change. The workflow identity and
// hints default to a per-conversation thread when the adapter supplies
// none, so steps 3 (shared linked issue) and 4 (branch adoption) only
// activate for adapters that carry issue/PR context on msg.
func (o *Orchestrator) resolveIsolation(ctx context.Context, conv *persistence.Conversation, msg Incoming) (cwd string, changed bool, err error) {
	if !conv.CodebaseID.Valid {
		return "", false, nil
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: load codebase: %w", err)
	}
	if o.isolation == nil {
		return codebase.DefaultCwd, false, nil
	}

	workflowType := msg.WorkflowType
	if workflowType == "" {
		workflowType = isolation.WorkflowThread
	}
	workflowID := msg.WorkflowID
	if workflowID == "" {
		workflowID = conv.ID
	}

	prevEnvID := ""
	if conv.IsolationEnvID.Valid {
		prevEnvID = conv.IsolationEnvID.String
	}
	result, err := o.isolation.Resolve(ctx, prevEnvID, isolation.ResolveRequest{
		Codebase:     codebase,
		WorkflowType: workflowType,
		WorkflowID:   workflowID,
		Platform:     conv.PlatformType,
		Hints:        msg.Hints,
	})
	if err != nil {
		return "", false, err
	}

	changed = prevEnvID != result.Env.ID
	if changed {
		envID := result.Env.ID
		if err := o.store.SetConversationIsolationEnv(ctx, conv.ID, &envID); err != nil {
			return "", false, err
		}
		conv.IsolationEnvID.String = envID
		conv.IsolationEnvID.Valid = true
	}
	return result.Env.Path, changed, nil
}

// resolveSession implements §4.8 step 6.
func (o *Orchestrator) resolveSession(ctx context.Context, conv persistence.Conversation, newCommand string) (persistence.Session, error) {
	session, err := o.store.GetActiveSession(ctx, conv.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		codebaseID := ""
		if conv.CodebaseID.Valid {
			codebaseID = conv.CodebaseID.String
		}
		return o.store.CreateSession(ctx, conv.ID, codebaseID, conv.AssistantKind)
	}
	if err != nil {
		return persistence.Session{}, fmt.Errorf("orchestrator: load session: %w", err)
	}

	if isPlanToExecuteTransition(session.Metadata["lastCommand"], newCommand) {
		codebaseID := ""
		if conv.CodebaseID.Valid {
			codebaseID = conv.CodebaseID.String
		}
		return o.store.CreateSession(ctx, conv.ID, codebaseID, conv.AssistantKind)
	}
	return session, nil
}

func isPlanToExecuteTransition(lastCommand, newCommand string) bool {
	lastCommand = strings.TrimPrefix(lastCommand, "template:")
	newCommand = strings.TrimPrefix(newCommand, "template:")
	switch {
	case lastCommand == "plan-feature" && newCommand == "execute":
		return true
	case lastCommand == "plan-feature-github" && newCommand == "execute-github":
		return true
	default:
		return false
	}
}

func (o *Orchestrator) installAbortHandle(ctx context.Context, conversationID string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)

	o.abortMu.Lock()
	if prior, ok := o.aborts[conversationID]; ok {
		prior()
	}
	o.aborts[conversationID] = cancel
	o.abortMu.Unlock()

	return runCtx, cancel
}

func (o *Orchestrator) clearAbortHandle(conversationID string) {
	o.abortMu.Lock()
	delete(o.aborts, conversationID)
	o.abortMu.Unlock()
}

// Stop aborts the conversation's in-flight run, if any, returning
// whether one was found.
func (o *Orchestrator) Stop(conversationID string) bool {
	o.abortMu.Lock()
	defer o.abortMu.Unlock()
	cancel, ok := o.aborts[conversationID]
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) replyError(ctx context.Context, adapter Adapter, platformConvID string, err error) {
	_, msg := classifyError(ctx, o.log, err)
	if platformConvID == "" || adapter == nil {
		return
	}
	if sendErr := adapter.SendMessage(ctx, platformConvID, msg); sendErr != nil {
		o.log.WarnContext(ctx, "send_message failed while reporting error", "error", sendErr)
	}
}
