package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/streetsdigital/lugh/internal/isolation"
	"github.com/streetsdigital/lugh/internal/persistence"
)

// CommandResult is a built-in command's outcome (§6.3).
type CommandResult struct {
	Success        bool
	Message        string
	Modified       bool
	FollowUpPrompt string
	SwarmRequest   string
}

// CommandHandler implements one built-in slash command.
type CommandHandler func(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error)

func ok(msg string) (CommandResult, error)    { return CommandResult{Success: true, Message: msg}, nil }
func okMod(msg string) (CommandResult, error) { return CommandResult{Success: true, Message: msg, Modified: true}, nil }
func fail(msg string) (CommandResult, error)  { return CommandResult{Success: false, Message: msg}, nil }

func builtinCommands() map[string]CommandHandler {
	return map[string]CommandHandler{
		"help":            cmdHelp,
		"status":          cmdStatus,
		"getcwd":          cmdGetcwd,
		"setcwd":          cmdSetcwd,
		"clone":           cmdClone,
		"repos":           cmdRepos,
		"repo":            cmdRepo,
		"repo-remove":     cmdRepoRemove,
		"reset":           cmdReset,
		"reset-context":   cmdResetContext,
		"command-set":     cmdCommandSet,
		"load-commands":   cmdLoadCommands,
		"commands":        cmdCommands,
		"commands-all":    cmdCommandsAll,
		"template-add":    cmdTemplateAdd,
		"template-list":   cmdTemplateList,
		"templates":       cmdTemplateList,
		"template-delete": cmdTemplateDelete,
		"worktree":        cmdWorktree,
		"init":            cmdInit,
		"verbose":         cmdVerbose,
		"stop":            cmdStop,
		"quickref":        cmdQuickref,
		"agents":          cmdAgents,
		"chains":          cmdChains,
		"prompts":         cmdPrompts,
	}
}

func cmdHelp(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	names := make([]string, 0, len(o.commands))
	for name := range o.commands {
		names = append(names, name)
	}
	return ok("Available commands: /" + strings.Join(names, ", /") + "\nSend a plain message to talk to the assistant.")
}

func cmdQuickref(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	return ok("Quick reference: /setcwd <path>, /clone <url>, /worktree create <issue|pr> <id>, /stop to cancel a run.")
}

func cmdStatus(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	var lines []string
	lines = append(lines, fmt.Sprintf("conversation: %s (%s)", conv.ID, conv.PlatformType))
	if conv.CodebaseID.Valid {
		codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
		if err == nil {
			lines = append(lines, fmt.Sprintf("codebase: %s", codebase.Name))
		}
	} else {
		lines = append(lines, "codebase: none")
	}
	session, err := o.store.GetActiveSession(ctx, conv.ID)
	if err == nil {
		lines = append(lines, fmt.Sprintf("session: %s (external handle %q)", session.ID, session.ExternalSessionID))
	} else {
		lines = append(lines, "session: none")
	}
	if o.pool != nil {
		if status, err := o.pool.StatusSnapshot(ctx); err == nil {
			lines = append(lines, fmt.Sprintf("pool: agents idle=%d busy=%d offline=%d, tasks queued=%d running=%d",
				status.Agents.Idle, status.Agents.Busy, status.Agents.Offline, status.Tasks.Queued, status.Tasks.Running))
		}
	}
	return ok(strings.Join(lines, "\n"))
}

func cmdGetcwd(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if !conv.CodebaseID.Valid {
		return ok("No codebase set for this conversation.")
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil {
		return fail("Could not load codebase: " + err.Error())
	}
	return ok(codebase.DefaultCwd)
}

func cmdSetcwd(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if len(args) < 1 {
		return fail("Usage: /setcwd <owner/repo>")
	}
	codebase, err := o.store.GetCodebaseByName(ctx, args[0])
	if err != nil {
		return fail(fmt.Sprintf("No registered codebase named %q. Use /clone first.", args[0]))
	}
	if err := o.store.SetConversationCodebase(ctx, conv.ID, codebase.ID); err != nil {
		return fail("Could not set codebase: " + err.Error())
	}
	return okMod(fmt.Sprintf("cwd set to %s (%s)", codebase.Name, codebase.DefaultCwd))
}

func cmdClone(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if len(args) < 1 {
		return fail("Usage: /clone <remote_url> [owner/repo]")
	}
	remoteURL := args[0]
	name := deriveRepoName(remoteURL)
	if len(args) >= 2 {
		name = args[1]
	}
	owner, repo := splitOwnerRepoName(name)
	defaultCwd := filepath.Join(o.cfg.WorkspacePath, owner, repo, owner, repo)

	codebase, err := o.store.CreateCodebase(ctx, name, remoteURL, defaultCwd, conv.AssistantKind)
	if err != nil {
		return fail("Could not register codebase: " + err.Error())
	}
	if err := o.store.SetConversationCodebase(ctx, conv.ID, codebase.ID); err != nil {
		return fail("Could not set conversation's codebase: " + err.Error())
	}
	return okMod(fmt.Sprintf("Registered %s with working directory %s. This command does not clone the repository.", codebase.Name, codebase.DefaultCwd))
}

func cmdRepos(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	codebases, err := o.store.ListCodebases(ctx)
	if err != nil {
		return fail("Could not list codebases: " + err.Error())
	}
	if len(codebases) == 0 {
		return ok("No codebases registered. Use /clone to add one.")
	}
	names := make([]string, 0, len(codebases))
	for _, c := range codebases {
		names = append(names, c.Name)
	}
	return ok(strings.Join(names, "\n") + "\nUse /repo <owner/repo> to inspect a specific codebase.")
}

func cmdRepo(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if len(args) < 1 {
		return fail("Usage: /repo <owner/repo>")
	}
	codebase, err := o.store.GetCodebaseByName(ctx, args[0])
	if err != nil {
		return fail(fmt.Sprintf("No codebase named %q.", args[0]))
	}
	return ok(fmt.Sprintf("%s\nremote: %s\ncwd: %s\ncommands: %d registered", codebase.Name, codebase.RemoteURL, codebase.DefaultCwd, len(codebase.Commands)))
}

func cmdRepoRemove(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if len(args) < 1 {
		return fail("Usage: /repo-remove <owner/repo>")
	}
	if !conv.CodebaseID.Valid {
		return ok(fmt.Sprintf("%s was not linked to this conversation.", args[0]))
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil || codebase.Name != args[0] {
		return ok(fmt.Sprintf("%s was not linked to this conversation.", args[0]))
	}
	return ok(fmt.Sprintf("%s stays registered; unlinking a conversation's codebase isn't supported yet (use /reset-context to clear the session and isolation env instead).", args[0]))
}

func cmdReset(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if err := o.store.DeactivateActiveSessionForConversation(ctx, conv.ID); err != nil {
		return fail("Could not reset session: " + err.Error())
	}
	return okMod("Session reset. The next message starts a fresh assistant session.")
}

func cmdResetContext(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if err := o.store.DeactivateActiveSessionForConversation(ctx, conv.ID); err != nil {
		return fail("Could not reset context: " + err.Error())
	}
	none := (*string)(nil)
	if err := o.store.SetConversationIsolationEnv(ctx, conv.ID, none); err != nil {
		return fail("Could not clear isolation context: " + err.Error())
	}
	return okMod("Context reset: session and isolation environment cleared.")
}

func cmdCommandSet(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if len(args) < 2 {
		return fail("Usage: /command-set <name> <path-relative-to-cwd>")
	}
	if !conv.CodebaseID.Valid {
		return fail("No codebase set for this conversation.")
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil {
		return fail("Could not load codebase: " + err.Error())
	}
	codebase.Commands[args[0]] = args[1]
	if err := o.store.SetCodebaseCommands(ctx, codebase.ID, codebase.Commands); err != nil {
		return fail("Could not save command: " + err.Error())
	}
	return okMod(fmt.Sprintf("Registered codebase command %q → %s", args[0], args[1]))
}

func cmdLoadCommands(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if !conv.CodebaseID.Valid {
		return fail("No codebase set for this conversation.")
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil {
		return fail("Could not load codebase: " + err.Error())
	}
	discovered := map[string]string{}
	for _, dir := range []string{".claude/commands", ".agents/commands"} {
		root := filepath.Join(codebase.DefaultCwd, dir)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			discovered[name] = filepath.Join(dir, e.Name())
		}
	}
	for k, v := range discovered {
		codebase.Commands[k] = v
	}
	if err := o.store.SetCodebaseCommands(ctx, codebase.ID, codebase.Commands); err != nil {
		return fail("Could not save discovered commands: " + err.Error())
	}
	return okMod(fmt.Sprintf("Discovered %d codebase command(s).", len(discovered)))
}

func cmdCommands(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if !conv.CodebaseID.Valid {
		return ok("No codebase set for this conversation.")
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil {
		return fail("Could not load codebase: " + err.Error())
	}
	if len(codebase.Commands) == 0 {
		return ok("No codebase commands registered. Try /load-commands.")
	}
	var lines []string
	for name, path := range codebase.Commands {
		lines = append(lines, fmt.Sprintf("/command-invoke %s → %s", name, path))
	}
	return ok(strings.Join(lines, "\n"))
}

func cmdCommandsAll(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	builtinResult, _ := cmdHelp(ctx, o, conv, args)
	codebaseResult, _ := cmdCommands(ctx, o, conv, args)
	templates, err := o.store.ListTemplates(ctx)
	var templateLine string
	if err == nil && len(templates) > 0 {
		names := make([]string, 0, len(templates))
		for _, t := range templates {
			names = append(names, "/"+t.Name)
		}
		templateLine = "\nTemplates: " + strings.Join(names, ", ")
	}
	return ok(builtinResult.Message + "\n\n" + codebaseResult.Message + templateLine)
}

func cmdTemplateAdd(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if len(args) < 2 {
		return fail("Usage: /template-add <name> <body...>")
	}
	name := args[0]
	body := strings.Join(args[1:], " ")
	if _, err := o.store.UpsertTemplate(ctx, name, body); err != nil {
		return fail("Could not save template: " + err.Error())
	}
	return ok(fmt.Sprintf("Saved template /%s", name))
}

func cmdTemplateList(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	templates, err := o.store.ListTemplates(ctx)
	if err != nil {
		return fail("Could not list templates: " + err.Error())
	}
	if len(templates) == 0 {
		return ok("No templates registered.")
	}
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, "/"+t.Name)
	}
	return ok(strings.Join(names, ", "))
}

func cmdTemplateDelete(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if len(args) < 1 {
		return fail("Usage: /template-delete <name>")
	}
	if err := o.store.DeleteTemplate(ctx, args[0]); err != nil {
		return fail(fmt.Sprintf("Could not delete template %q: %v", args[0], err))
	}
	return ok(fmt.Sprintf("Deleted template /%s", args[0]))
}

func cmdInit(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	return CommandResult{Success: true, FollowUpPrompt: "Inspect this repository's structure and conventions, then summarize how to work within it."}, nil
}

func cmdVerbose(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	return okMod("Verbose mode has no separate setting; tool notifications follow the conversation's streaming mode.")
}

func cmdStop(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	found := o.Stop(conv.ID)
	if !found {
		return ok("Nothing is currently running.")
	}
	return ok("Stopping...")
}

func cmdAgents(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if o.pool == nil {
		return ok("Pool coordinator is not wired in this process.")
	}
	status, err := o.pool.StatusSnapshot(ctx)
	if err != nil {
		return fail("Could not read pool status: " + err.Error())
	}
	return ok(fmt.Sprintf("agents: total=%d idle=%d busy=%d offline=%d", status.Agents.Total, status.Agents.Idle, status.Agents.Busy, status.Agents.Offline))
}

func cmdChains(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	return ok("Command chaining is not registered for this codebase.")
}

func cmdPrompts(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	return cmdTemplateList(ctx, o, conv, args)
}

// cmdWorktree dispatches /worktree {create|list|remove|cleanup merged|cleanup stale|orphans}.
func cmdWorktree(ctx context.Context, o *Orchestrator, conv persistence.Conversation, args []string) (CommandResult, error) {
	if o.isolation == nil {
		return fail("Isolation manager is not wired in this process.")
	}
	if !conv.CodebaseID.Valid {
		return fail("No codebase set for this conversation.")
	}
	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID.String)
	if err != nil {
		return fail("Could not load codebase: " + err.Error())
	}
	if len(args) == 0 {
		return fail("Usage: /worktree {create|list|remove|cleanup merged|cleanup stale|orphans}")
	}

	switch args[0] {
	case "list":
		envs, err := o.store.ListActiveIsolationEnvs(ctx, codebase.ID)
		if err != nil {
			return fail("Could not list worktrees: " + err.Error())
		}
		if len(envs) == 0 {
			return ok("No active worktrees for this codebase.")
		}
		var lines []string
		for _, e := range envs {
			lines = append(lines, fmt.Sprintf("%s %s (%s/%s)", e.ID, e.Branch, e.WorkflowType, e.WorkflowID))
		}
		return ok(strings.Join(lines, "\n"))

	case "create":
		if len(args) < 3 {
			return fail("Usage: /worktree create <issue|pr|review|task> <id>")
		}
		result, err := o.isolation.Resolve(ctx, "", isolation.ResolveRequest{
			Codebase:     codebase,
			WorkflowType: isolation.WorkflowType(args[1]),
			WorkflowID:   args[2],
			Platform:     conv.PlatformType,
		})
		if err != nil {
			_, msg := classifyError(ctx, o.log, err)
			return fail(msg)
		}
		return ok(fmt.Sprintf("Worktree ready at %s (branch %s).%s", result.Env.Path, result.Env.Branch, result.Message))

	case "remove":
		if len(args) < 2 {
			return fail("Usage: /worktree remove <env_id>")
		}
		env, err := o.store.GetIsolationEnv(ctx, args[1])
		if err != nil {
			return fail(fmt.Sprintf("No worktree with id %q.", args[1]))
		}
		if err := o.isolation.Destroy(ctx, env, true); err != nil {
			return fail("Could not remove worktree: " + err.Error())
		}
		return ok("Worktree removed.")

	case "cleanup":
		if len(args) < 2 {
			return fail("Usage: /worktree cleanup {merged|stale}")
		}
		var report isolation.CleanupReport
		switch args[1] {
		case "merged":
			report, err = o.isolation.CleanupMerged(ctx, codebase.ID)
		case "stale":
			report, err = o.isolation.CleanupStale(ctx, codebase.ID, 14*24*time.Hour)
		default:
			return fail("Usage: /worktree cleanup {merged|stale}")
		}
		if err != nil {
			return fail("Cleanup failed: " + err.Error())
		}
		return ok(fmt.Sprintf("Removed %d worktree(s). %d skipped.", len(report.Removed), len(report.SkipReason)))

	case "orphans":
		return ok("Orphan detection requires a filesystem scan of the workspace root; not yet wired to a command output.")

	default:
		return fail("Usage: /worktree {create|list|remove|cleanup merged|cleanup stale|orphans}")
	}
}

func deriveRepoName(remoteURL string) string {
	trimmed := strings.TrimSuffix(remoteURL, ".git")
	trimmed = strings.TrimSuffix(trimmed, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return trimmed
}

func splitOwnerRepoName(name string) (owner, repo string) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "local", name
}
