package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/streetsdigital/lugh/internal/assistant"
	"github.com/streetsdigital/lugh/internal/audit"
	"github.com/streetsdigital/lugh/internal/persistence"
)

// runOutcome accumulates what happened during one assistant stream,
// consumed by post-processing (§4.8 step 9).
type runOutcome struct {
	batchText     strings.Builder
	writtenFiles  []string
	toolNotices   []string
	sessionHandle string
}

var toolIndicatorPrefixes = []string{"🔧", "⚙️", "🛠️"}

var highRiskTools = map[string]string{
	"Write":     "medium",
	"Edit":      "medium",
	"MultiEdit": "medium",
	"Bash":      "medium",
	"TodoWrite": "low",
}

// bashEscalationSubstrings elevates a Bash invocation from medium to
// high risk when its command argument contains one of these.
var bashEscalationSubstrings = []string{
	"rm -rf", "sudo", "chmod", "chown", "> /dev/", "dd if=",
}

// riskLevel determines the §6.2 risk level for a tool call, applying
// the Bash-argument substring escalation rule on top of the static
// per-tool table.
func riskLevel(toolName string, input map[string]any) (string, bool) {
	risk, tracked := highRiskTools[toolName]
	if !tracked {
		return "", false
	}
	if toolName == "Bash" {
		if cmd, ok := input["command"].(string); ok {
			for _, substr := range bashEscalationSubstrings {
				if strings.Contains(cmd, substr) {
					return "high", true
				}
			}
		}
	}
	return risk, true
}

// stream implements §4.8 step 8: invoke the assistant and consume its
// event stream, forwarding or accumulating output depending on the
// adapter's streaming mode.
func (o *Orchestrator) stream(ctx context.Context, adapter Adapter, conv persistence.Conversation, session persistence.Session, prompt, cwd string) (*runOutcome, error) {
	previousHandle := session.ExternalSessionID
	events, errc := o.backend.SendQuery(ctx, prompt, cwd, previousHandle)

	outcome := &runOutcome{}
	live := adapter.StreamingMode() == StreamingLive

	for events != nil || errc != nil {
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Type {
			case assistant.EventAssistant:
				if live {
					if err := adapter.SendMessage(ctx, conv.PlatformConvID, ev.Content); err != nil {
						o.log.WarnContext(ctx, "send_message failed", "error", err)
					}
				} else {
					outcome.batchText.WriteString(ev.Content)
				}
			case assistant.EventTool:
				notice := formatToolNotice(ev.ToolName, ev.ToolInput)
				if live {
					if err := adapter.SendMessage(ctx, conv.PlatformConvID, notice); err != nil {
						o.log.WarnContext(ctx, "send_message failed", "error", err)
					}
				} else {
					outcome.toolNotices = append(outcome.toolNotices, notice)
				}
				if path, ok := filePathFromToolInput(ev.ToolInput); ok {
					outcome.writtenFiles = append(outcome.writtenFiles, path)
				}
				o.recordAudit(ctx, conv.ID, ev.ToolName, ev.ToolInput)
			case assistant.EventResult:
				outcome.sessionHandle = ev.SessionID
			}
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				return outcome, err
			}
		}
	}

	if outcome.sessionHandle != "" {
		if err := o.store.SetSessionExternalHandle(ctx, session.ID, outcome.sessionHandle); err != nil {
			o.log.WarnContext(ctx, "persist session handle failed", "error", err)
		}
	}
	return outcome, nil
}

func formatToolNotice(toolName string, input map[string]any) string {
	if len(input) == 0 {
		return fmt.Sprintf("→ %s", toolName)
	}
	if path, ok := filePathFromToolInput(input); ok {
		return fmt.Sprintf("→ %s: %s", toolName, path)
	}
	return fmt.Sprintf("→ %s", toolName)
}

func filePathFromToolInput(input map[string]any) (string, bool) {
	for _, key := range []string{"path", "file_path", "filepath"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func (o *Orchestrator) recordAudit(ctx context.Context, conversationID, toolName string, input map[string]any) {
	risk, tracked := riskLevel(toolName, input)
	if !tracked {
		return
	}
	if _, err := o.store.RecordApproval(ctx, conversationID, toolName, risk, "tool invocation"); err != nil {
		o.log.WarnContext(ctx, "record approval failed", "error", err)
	}
	audit.Record(conversationID, "tool", toolName, risk, "tool invocation")
}

var fileExtensionAllowlist = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".md": true,
	".txt": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".sh": true, ".html": true, ".css": true, ".sql": true,
}

const maxAutoSendBytes = 10 * 1024 * 1024

func eligibleForAutoSend(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if !fileExtensionAllowlist[ext] {
		return false
	}
	for _, blocked := range []string{".lock", ".exe", ".bin", ".so", ".dylib"} {
		if strings.HasSuffix(base, blocked) {
			return false
		}
	}
	for _, dir := range []string{"dist", "build", "node_modules", "vendor"} {
		if strings.Contains(path, string(filepath.Separator)+dir+string(filepath.Separator)) {
			return false
		}
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() > maxAutoSendBytes {
		return false
	}
	return true
}

// postProcess implements §4.8 step 9.
func (o *Orchestrator) postProcess(ctx context.Context, adapter Adapter, conv persistence.Conversation, session persistence.Session, outcome *runOutcome, lastCommand string) {
	sender, canSendFiles := adapter.(FileSender)
	if canSendFiles {
		seen := map[string]bool{}
		for _, path := range outcome.writtenFiles {
			if seen[path] || !eligibleForAutoSend(path) {
				continue
			}
			seen[path] = true
			if err := sender.SendFile(ctx, conv.PlatformConvID, path, filepath.Base(path)); err != nil {
				o.log.WarnContext(ctx, "send_file failed", "path", path, "error", err)
			}
		}
	}

	if adapter.StreamingMode() == StreamingBatch {
		final := filterBatchText(outcome.batchText.String())
		if final != "" {
			o.sendBatchText(ctx, adapter, conv, final)
		}
	}

	if lastCommand != "" {
		if err := o.store.SetSessionMetadata(ctx, session.ID, map[string]string{"lastCommand": lastCommand}); err != nil {
			o.log.WarnContext(ctx, "set session metadata failed", "error", err)
		}
	}
}

// filterBatchText drops sections that start with a known tool
// indicator glyph, falling back to the unfiltered text if nothing
// survives the filter.
func filterBatchText(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		isIndicator := false
		for _, prefix := range toolIndicatorPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				isIndicator = true
				break
			}
		}
		if !isIndicator {
			kept = append(kept, line)
		}
	}
	filtered := strings.TrimSpace(strings.Join(kept, "\n"))
	if filtered == "" {
		return strings.TrimSpace(text)
	}
	return filtered
}

func (o *Orchestrator) sendBatchText(ctx context.Context, adapter Adapter, conv persistence.Conversation, text string) {
	if len(text) <= o.cfg.LongResponseThreshold {
		if err := adapter.SendMessage(ctx, conv.PlatformConvID, text); err != nil {
			o.log.WarnContext(ctx, "send_message failed", "error", err)
		}
		return
	}

	path, err := o.writeLongResponseFile(conv.ID, text)
	if err != nil {
		o.log.WarnContext(ctx, "write long response file failed", "error", err)
		if sendErr := adapter.SendMessage(ctx, conv.PlatformConvID, text[:o.cfg.LongResponseThreshold]); sendErr != nil {
			o.log.WarnContext(ctx, "send_message failed", "error", sendErr)
		}
		return
	}

	preview := text
	if len(preview) > 500 {
		preview = preview[:500] + "…"
	}
	if err := adapter.SendMessage(ctx, conv.PlatformConvID, preview); err != nil {
		o.log.WarnContext(ctx, "send_message failed", "error", err)
	}
	if sender, ok := adapter.(FileSender); ok {
		if err := sender.SendFile(ctx, conv.PlatformConvID, path, "full response"); err != nil {
			o.log.WarnContext(ctx, "send_file failed", "path", path, "error", err)
		}
	}
}

func (o *Orchestrator) writeLongResponseFile(conversationID, text string) (string, error) {
	if err := os.MkdirAll(o.outputsDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(o.outputsDir, fmt.Sprintf("%s-%d.txt", conversationID, time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
