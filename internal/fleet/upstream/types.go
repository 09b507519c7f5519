// Package upstream models the heterogeneous, dynamically-typed wire messages
// emitted by upstream AI-provider streaming APIs (in-process SDK or CLI
// stream-json subprocess). It is the permissive "before" shape the message
// processor (C4) turns into the closed JobOutputEvent sum type.
package upstream

import "encoding/json"

// Known message type tags. A message with any tag not listed here still
// decodes into Message (Type keeps the raw tag) and collapses to
// MessageTypeUnknown in the processor.
const (
	TypeSystem         = "system"
	TypeAssistant      = "assistant"
	TypeUser           = "user"
	TypeStreamEvent    = "stream_event"
	TypeResult         = "result"
	TypeToolUse        = "tool_use"
	TypeToolResult     = "tool_result"
	TypeToolProgress   = "tool_progress"
	TypeAuthStatus     = "auth_status"
	TypeError          = "error"
)

// System message subtypes relevant to terminality and session-id exposure.
const (
	SubtypeInit        = "init"
	SubtypeEnd         = "end"
	SubtypeComplete    = "complete"
	SubtypeSessionEnd  = "session_end"
	SubtypeUserInput   = "user_input"
	SubtypeUnknownType = "unknown_type"
)

// Message is the permissive envelope for one upstream message of any kind.
// Every field is optional; which ones are populated depends on Type. Content
// fields that may be either a string or a list of blocks are kept as raw
// JSON and parsed on demand via GetContentBlocks/GetContentString, following
// the same flexible-parsing idiom the in-process CLI bridge uses.
type Message struct {
	Type string `json:"type"`

	// system
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// assistant / user
	AssistantContent json.RawMessage `json:"message_content,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`

	// stream_event
	Delta *TextDelta `json:"delta,omitempty"`

	// result
	Result      json.RawMessage `json:"result,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	TotalUsage  *Usage          `json:"total_usage,omitempty"`

	// tool_use / tool_result (legacy flat forms)
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolOK    *bool          `json:"tool_ok,omitempty"`
	ToolError string         `json:"tool_error,omitempty"`

	// error
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	Stack        string `json:"stack,omitempty"`
}

// Usage carries token usage that may appear at the outer message level or
// nested inside the assistant/result payload; the processor checks both.
type Usage struct {
	InputTokens   int64 `json:"input_tokens,omitempty"`
	OutputTokens  int64 `json:"output_tokens,omitempty"`
	ContextWindow int64 `json:"context_window,omitempty"`
}

// TextDelta is one partial streaming delta's textual content.
type TextDelta struct {
	Text string `json:"text,omitempty"`
}

// ContentBlock mirrors a structured assistant content block. Non-text block
// kinds (tool_use, thinking, ...) are ignored for text extraction purposes
// per §4.4, but ToolName/Input/ToolUseID are retained for tool_use blocks.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"name,omitempty"`
	ToolUseID string         `json:"id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// GetContentBlocks attempts to parse AssistantContent as []ContentBlock.
// Returns nil if it is a plain string or cannot be parsed.
func (m *Message) GetContentBlocks() []ContentBlock {
	if len(m.AssistantContent) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.AssistantContent, &blocks); err != nil {
		return nil
	}
	return blocks
}

// GetContentString attempts to parse AssistantContent as a plain string.
func (m *Message) GetContentString() string {
	if len(m.AssistantContent) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.AssistantContent, &s); err != nil {
		return ""
	}
	return s
}

// GetResultString returns Result parsed as a plain string, or "" if it is an
// object or cannot be parsed.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ResultObject is the shape Result takes when it is a structured object
// rather than a bare string.
type ResultObject struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultObject attempts to parse Result as a structured object.
func (m *Message) GetResultObject() *ResultObject {
	if len(m.Result) == 0 {
		return nil
	}
	var obj ResultObject
	if err := json.Unmarshal(m.Result, &obj); err != nil {
		return nil
	}
	return &obj
}

// IsToolResult reports whether a "user" message is actually carrying a tool
// result payload rather than free-text user input.
func (m *Message) IsToolResult() bool {
	return m.ToolUseID != "" && (m.ToolOK != nil || m.ToolError != "")
}
