// Package chat implements the chat manager (C8): a single shared
// connection per chat platform, fanned out to many agents, multiplexing
// per-thread conversation state and streaming agent output back as
// platform-native formatted messages with ordering and size-limit
// guarantees (§4.8).
package chat

import (
	"context"

	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/runtime"
)

// InboundEvent is one inbound chat-platform message, already translated
// from the platform's own wire shape into the adapter-agnostic event every
// chat-manager routing decision is made against (§9 Design Note: replace
// EventEmitter-style adapter interfaces with an explicit message-passing
// contract).
type InboundEvent struct {
	Platform      string
	Channel       string
	Thread        string // thread parent timestamp/id; "" if this message is not in a thread
	MessageID     string // the platform id of this specific message, for reactions
	User          string
	Text          string
	IsThreadReply bool
	MentionsBot   bool
}

// ControlEvent carries adapter lifecycle signals (ready/error/disconnect) on
// a channel separate from inbound messages, per the same design note.
type ControlEvent struct {
	Kind string // "ready" | "error" | "disconnect"
	Err  error
}

const (
	ControlReady      = "ready"
	ControlError      = "error"
	ControlDisconnect = "disconnect"
)

// ChatAdapter is the capability one chat-platform integration must provide.
// Concrete adapters (SlackAdapter, ...) are separate build units the fleet
// manager constructs from fleet configuration — there is no runtime
// "maybe-present" dependency the way the source language's dynamic module
// loading worked (§9).
type ChatAdapter interface {
	// Platform returns the adapter's platform name, used as the routing-table
	// and conversation-store namespace ("slack", "discord", ...).
	Platform() string

	// Connect establishes the single shared connection and returns a stream
	// of inbound events and a stream of lifecycle control events. Connect
	// must not block past establishing the connection; event delivery
	// happens on the returned channels.
	Connect(ctx context.Context) (<-chan InboundEvent, <-chan ControlEvent, error)

	// Post sends text to channel, threaded under threadParent if non-empty,
	// and returns the platform message ID of the posted message.
	Post(ctx context.Context, channel, threadParent, text string) (messageID string, err error)

	// React attaches emoji to an existing message, used for the
	// processing-indicator fallback on platforms without typing indicators
	// reachable from the adapter's transport (e.g. Slack Socket Mode).
	React(ctx context.Context, channel, messageID, emoji string) error

	// RemoveReaction undoes React once a turn completes.
	RemoveReaction(ctx context.Context, channel, messageID, emoji string) error

	// SetTyping shows a typing indicator in channel where the platform and
	// transport support it. Implementations for which this is unreachable
	// (e.g. Slack Socket Mode) may no-op; callers must not rely on it alone
	// for the processing indicator and should pair it with React.
	SetTyping(ctx context.Context, channel string) error

	// UploadFile sends a file's bytes to channel, threaded under
	// threadParent if non-empty, and returns a location string (typically a
	// platform permalink) identifying the uploaded file. This is the
	// caller-provided upload step the file-upload tool handler calls once it
	// has validated and read a requested path (§4.5).
	UploadFile(ctx context.Context, channel, threadParent, filename string, data []byte) (location string, err error)

	// Close releases the adapter's connection and any background goroutines.
	Close() error
}

// TriggerRequest is the chat manager's narrow view of a job-executor
// invocation request. It is defined here (rather than importing the fleet
// manager's own request type) so this package stays a leaf the fleet
// manager depends on, not the reverse.
type TriggerRequest struct {
	Prompt              string
	Resume              *string
	TriggerType         model.TriggerType
	InjectedToolServers []runtime.ToolServer
	OnMessage           func(model.ProcessedEvent)
	OnConversationUsage func(model.Usage)
}

// TriggerFunc is how the chat manager reaches the fleet manager's sole
// job-executor entry point, without depending on the manager package.
type TriggerFunc func(ctx context.Context, agentName string, req TriggerRequest) (model.RunnerResult, error)
