package model

// JobOutputEventKind tags the JobOutputEvent sum type.
type JobOutputEventKind string

const (
	EventSystem     JobOutputEventKind = "system"
	EventAssistant  JobOutputEventKind = "assistant"
	EventToolUse    JobOutputEventKind = "tool_use"
	EventToolResult JobOutputEventKind = "tool_result"
	EventError      JobOutputEventKind = "error"
)

// Usage is the raw token-usage payload forwarded from an upstream message to
// the conversation-store accumulator. The job executor never interprets it;
// it only forwards it verbatim.
type Usage struct {
	InputTokens   int64 `json:"input_tokens,omitempty"`
	OutputTokens  int64 `json:"output_tokens,omitempty"`
	ContextWindow int64 `json:"context_window,omitempty"`
}

// JobOutputEvent is the closed, line-delimited event type every runtime's
// upstream messages are normalized into by the message processor (C4) before
// being appended to a job's output log.
type JobOutputEvent struct {
	Kind JobOutputEventKind `json:"kind"`

	// system
	Subtype string `json:"subtype,omitempty"`
	Content string `json:"content,omitempty"`

	// assistant
	Partial bool   `json:"partial,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`

	// tool_use
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`

	// tool_result
	Result  string `json:"result,omitempty"`
	Success *bool  `json:"success,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ProcessedEvent is the message processor's output for one upstream message.
type ProcessedEvent struct {
	Output     JobOutputEvent
	SessionID  string
	IsTerminal bool
}
