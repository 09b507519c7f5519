package chat

import (
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	cmd, args, ok := ParseCommand("!reset please", "!")
	assert.True(t, ok)
	assert.Equal(t, "reset", cmd)
	assert.Equal(t, "please", args)

	_, _, ok = ParseCommand("hello there", "!")
	assert.False(t, ok)

	_, _, ok = ParseCommand("!", "!")
	assert.False(t, ok)

	_, _, ok = ParseCommand("!status", "!")
	assert.True(t, ok)
}

func TestParseCommand_EmptyPrefixNeverMatches(t *testing.T) {
	_, _, ok := ParseCommand("!reset", "")
	assert.False(t, ok)
}

func TestStatusBlock_NilRecord(t *testing.T) {
	out := StatusBlock(true, time.Minute, nil)
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "No active session")
}

func TestStatusBlock_LegacyRecordOmitsEmptySections(t *testing.T) {
	rec := &model.ConversationRecord{MessageCount: 3}
	out := StatusBlock(true, time.Minute, rec)
	assert.Contains(t, out, "Messages: 3")
	assert.NotContains(t, out, "Session:")
	assert.NotContains(t, out, "Tokens:")
	assert.NotContains(t, out, "Config:")
}

func TestStatusBlock_FullRecordRendersUsageAndConfig(t *testing.T) {
	rec := &model.ConversationRecord{
		SessionID:        "sess-1234567890abcdef",
		SessionStartedAt: time.Now().Add(-time.Hour),
		MessageCount:     5,
		ContextUsage: model.ContextUsage{
			InputTokens:   100,
			OutputTokens:  50,
			TotalTokens:   150,
			ContextWindow: 1000,
		},
		AgentConfigSnapshot: model.AgentConfigSnapshot{
			Model:          "claude-opus",
			PermissionMode: "default",
			MCPServerNames: []string{"search"},
		},
	}
	out := StatusBlock(true, time.Minute, rec)
	assert.Contains(t, out, "Session:")
	assert.Contains(t, out, "Messages: 5")
	assert.Contains(t, out, "15.0% of 1000")
	assert.Contains(t, out, "model: claude-opus")
}

func TestSeverityIndicator(t *testing.T) {
	assert.Equal(t, "🟢", severityIndicator(10))
	assert.Equal(t, "🟡", severityIndicator(80))
	assert.Equal(t, "🟠", severityIndicator(92))
	assert.Equal(t, "🔴", severityIndicator(97))
}
