package model

import "time"

// ConversationSchemaVersion is the current on-disk schema version for
// per-platform conversation session files. Readers must tolerate versions
// 1..ConversationSchemaVersion; writers always write the current version.
const ConversationSchemaVersion = 3

// AgentSession is the per-agent session record stored at
// <state>/sessions/<agent>.<ext>. It holds at most one session per agent: the
// most recent one used directly by that agent (CLI / schedule / hook paths).
type AgentSession struct {
	SessionID        string      `json:"session_id"`
	JobCount         int         `json:"job_count"`
	Mode             string      `json:"mode,omitempty"`
	LastUsedAt       time.Time   `json:"last_used_at"`
	WorkingDirectory string      `json:"working_directory,omitempty"`
	RuntimeType      RuntimeKind `json:"runtime_type"`
	DockerEnabled    bool        `json:"docker_enabled"`
}

// ContextUsage accumulates token counts for one conversation session.
// Within one upstream session, input/output/total tokens only ever grow and
// are never overwritten; they reset to zero when the conversation moves to a
// new session ID.
type ContextUsage struct {
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	TotalTokens    int64     `json:"total_tokens"`
	ContextWindow  int64     `json:"context_window,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// AgentConfigSnapshot captures the agent configuration in effect for a
// conversation turn, refreshed on every turn (not only session creation) so
// that !status reflects the current configuration even on a resumed session.
type AgentConfigSnapshot struct {
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	MCPServerNames []string `json:"mcp_server_names,omitempty"`
}

// ConversationRecord is one entry in a ConversationSession's channel map.
type ConversationRecord struct {
	SessionID          string              `json:"session_id"`
	SessionStartedAt   time.Time           `json:"session_started_at"`
	LastMessageAt      time.Time           `json:"last_message_at"`
	MessageCount       int                 `json:"message_count"`
	ContextUsage       ContextUsage        `json:"context_usage"`
	AgentConfigSnapshot AgentConfigSnapshot `json:"agent_config_snapshot"`
}

// ConversationSession is the schema-versioned, per-agent, per-platform
// conversation map stored at <state>/<platform>-sessions/<agent>.<ext>.
type ConversationSession struct {
	Version   int                            `json:"version"`
	AgentName string                         `json:"agent_name"`
	Channels  map[string]*ConversationRecord `json:"channels"`
}

// NewConversationSession returns an empty, current-schema conversation session
// for the given agent.
func NewConversationSession(agentName string) *ConversationSession {
	return &ConversationSession{
		Version:   ConversationSchemaVersion,
		AgentName: agentName,
		Channels:  make(map[string]*ConversationRecord),
	}
}

// Migrate upgrades cs in place to ConversationSchemaVersion, preserving all
// logical data. It is idempotent: calling it on an already-current record is
// a no-op. Returns true if the record was modified.
func (cs *ConversationSession) Migrate() bool {
	if cs.Channels == nil {
		cs.Channels = make(map[string]*ConversationRecord)
	}
	if cs.Version >= ConversationSchemaVersion {
		return false
	}
	// Versions 1 and 2 carried the same channel shape this type already
	// models; the zero value of ConversationRecord already supplies the
	// AgentConfigSnapshot/ContextUsage fields version 3 introduced, so
	// bumping the version number is the entire migration.
	cs.Version = ConversationSchemaVersion
	return true
}
