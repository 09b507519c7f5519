package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/ikido/herdctl/internal/fleet/model"
)

// ParseCommand recognizes a prefixed command (e.g. "!reset extra args") in
// text. ok is false when text does not start with prefix, in which case cmd
// and args are meaningless and the caller should treat the message as a
// normal prompt.
func ParseCommand(text, prefix string) (cmd string, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(trimmed, prefix) {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
	if rest == "" {
		return "", "", false
	}
	fields := strings.SplitN(rest, " ", 2)
	cmd = fields[0]
	if len(fields) > 1 {
		args = fields[1]
	}
	return cmd, args, true
}

const (
	CmdReset  = "reset"
	CmdStatus = "status"
	CmdHelp   = "help"
)

// HelpText is the fixed response to !help.
func HelpText(prefix string) string {
	return fmt.Sprintf(
		"Available commands:\n"+
			"%sreset  - start a fresh session on this thread\n"+
			"%sstatus - show the current session's status\n"+
			"%shelp   - show this message",
		prefix, prefix, prefix)
}

// severityIndicator returns a short marker for how close usage is to the
// context window, per the ≥75/≥90/≥95%% thresholds in §4.8.
func severityIndicator(pct float64) string {
	switch {
	case pct >= 95:
		return "🔴"
	case pct >= 90:
		return "🟠"
	case pct >= 75:
		return "🟡"
	default:
		return "🟢"
	}
}

// StatusBlock renders the !status response for one conversation record.
// Legacy or brand-new records (zero-value ContextUsage/AgentConfigSnapshot)
// render gracefully: missing sections are omitted, never a crash or a
// misleading "0%" line (§4.8).
func StatusBlock(connected bool, uptime time.Duration, rec *model.ConversationRecord) string {
	var b strings.Builder

	state := "disconnected"
	if connected {
		state = "connected"
	}
	fmt.Fprintf(&b, "Connection: %s (uptime %s)\n", state, uptime.Round(time.Second))

	if rec == nil {
		b.WriteString("No active session on this thread.")
		return b.String()
	}

	if rec.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", truncateID(rec.SessionID))
		fmt.Fprintf(&b, "Started: %s (duration %s)\n",
			rec.SessionStartedAt.Format(time.RFC3339),
			time.Since(rec.SessionStartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Messages: %d\n", rec.MessageCount)

	if rec.ContextUsage.ContextWindow > 0 {
		pct := 100 * float64(rec.ContextUsage.TotalTokens) / float64(rec.ContextUsage.ContextWindow)
		fmt.Fprintf(&b, "Tokens: %d in / %d out / %d total (%.1f%% of %d context window) %s\n",
			rec.ContextUsage.InputTokens, rec.ContextUsage.OutputTokens, rec.ContextUsage.TotalTokens,
			pct, rec.ContextUsage.ContextWindow, severityIndicator(pct))
	} else if rec.ContextUsage.TotalTokens > 0 {
		fmt.Fprintf(&b, "Tokens: %d in / %d out / %d total\n",
			rec.ContextUsage.InputTokens, rec.ContextUsage.OutputTokens, rec.ContextUsage.TotalTokens)
	}

	snap := rec.AgentConfigSnapshot
	if snap.Model != "" || snap.PermissionMode != "" || len(snap.MCPServerNames) > 0 {
		b.WriteString("Config:\n")
		if snap.Model != "" {
			fmt.Fprintf(&b, "  model: %s\n", snap.Model)
		}
		if snap.PermissionMode != "" {
			fmt.Fprintf(&b, "  permission_mode: %s\n", snap.PermissionMode)
		}
		if len(snap.MCPServerNames) > 0 {
			fmt.Fprintf(&b, "  mcp_servers: %s\n", strings.Join(snap.MCPServerNames, ", "))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func truncateID(id string) string {
	const n = 12
	if len(id) <= n {
		return id
	}
	return id[:n] + "…"
}
