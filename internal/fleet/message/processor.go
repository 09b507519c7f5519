// Package message implements the processor that normalizes heterogeneous
// upstream AI-provider messages (package upstream) into the closed
// model.JobOutputEvent sum type (C4).
package message

import (
	"strings"

	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/upstream"
)

const summaryMaxLen = 500

// Processor turns one upstream message into a ProcessedEvent. It never
// panics and never returns an error: unparseable or unknown shapes collapse
// to a system{subtype: "unknown_type"} event (§4.4).
type Processor struct {
	// lastAssistantText tracks the latest non-partial assistant content as a
	// fallback summary source, per message processor invocation lifetime.
	// The job executor owns one Processor per turn.
	lastAssistantText string
}

// NewProcessor returns a fresh processor for one job turn.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process accepts any upstream message, including a nil pointer, and returns
// a non-throwing ProcessedEvent.
func (p *Processor) Process(msg *upstream.Message) model.ProcessedEvent {
	if msg == nil {
		return model.ProcessedEvent{
			Output: model.JobOutputEvent{
				Kind:    model.EventSystem,
				Subtype: upstream.SubtypeUnknownType,
				Content: "nil message",
			},
		}
	}

	switch msg.Type {
	case upstream.TypeSystem:
		return p.processSystem(msg)
	case upstream.TypeAssistant:
		return p.processAssistant(msg)
	case upstream.TypeStreamEvent:
		return p.processStreamEvent(msg)
	case upstream.TypeResult:
		return p.processResult(msg)
	case upstream.TypeUser:
		return p.processUser(msg)
	case upstream.TypeToolProgress:
		return model.ProcessedEvent{Output: model.JobOutputEvent{
			Kind:    model.EventSystem,
			Subtype: upstream.TypeToolProgress,
			Content: msg.Content,
		}}
	case upstream.TypeAuthStatus:
		return model.ProcessedEvent{Output: model.JobOutputEvent{
			Kind:    model.EventSystem,
			Subtype: upstream.TypeAuthStatus,
			Content: msg.Content,
		}}
	case upstream.TypeError:
		return model.ProcessedEvent{
			Output: model.JobOutputEvent{
				Kind:    model.EventError,
				Message: firstNonEmpty(msg.ErrorMessage, msg.Content),
				Code:    msg.ErrorCode,
				Stack:   msg.Stack,
			},
			IsTerminal: true,
		}
	case upstream.TypeToolUse:
		return model.ProcessedEvent{Output: model.JobOutputEvent{
			Kind:      model.EventToolUse,
			ToolName:  msg.ToolName,
			ToolUseID: msg.ToolUseID,
			Input:     msg.Input,
		}}
	case upstream.TypeToolResult:
		return model.ProcessedEvent{Output: model.JobOutputEvent{
			Kind:      model.EventToolResult,
			ToolUseID: msg.ToolUseID,
			Result:    msg.GetResultString(),
			Success:   msg.ToolOK,
		}}
	default:
		return model.ProcessedEvent{Output: model.JobOutputEvent{
			Kind:    model.EventSystem,
			Subtype: upstream.SubtypeUnknownType,
			Content: msg.Content,
		}}
	}
}

func (p *Processor) processSystem(msg *upstream.Message) model.ProcessedEvent {
	ev := model.ProcessedEvent{Output: model.JobOutputEvent{
		Kind:    model.EventSystem,
		Subtype: msg.Subtype,
		Content: msg.Content,
	}}
	if msg.Subtype == upstream.SubtypeInit {
		ev.SessionID = msg.SessionID
	}
	switch msg.Subtype {
	case upstream.SubtypeEnd, upstream.SubtypeComplete, upstream.SubtypeSessionEnd:
		ev.IsTerminal = true
	}
	return ev
}

func (p *Processor) processAssistant(msg *upstream.Message) model.ProcessedEvent {
	text := extractText(msg)
	if text != "" {
		p.lastAssistantText = text
	}
	return model.ProcessedEvent{Output: model.JobOutputEvent{
		Kind:    model.EventAssistant,
		Content: text,
		Usage:   convertUsage(msg.Usage),
	}}
}

func (p *Processor) processStreamEvent(msg *upstream.Message) model.ProcessedEvent {
	text := ""
	if msg.Delta != nil {
		text = msg.Delta.Text
	}
	return model.ProcessedEvent{Output: model.JobOutputEvent{
		Kind:    model.EventAssistant,
		Content: text,
		Partial: true,
	}}
}

func (p *Processor) processResult(msg *upstream.Message) model.ProcessedEvent {
	content := msg.Summary
	var sessionID string
	if obj := msg.GetResultObject(); obj != nil {
		sessionID = obj.SessionID
		if content == "" {
			content = obj.Text
		}
	}
	if content == "" {
		content = msg.GetResultString()
	}
	if content == "" {
		content = p.truncatedSummary()
	}
	return model.ProcessedEvent{
		Output: model.JobOutputEvent{
			Kind:    model.EventSystem,
			Subtype: "result",
			Content: content,
			Usage:   convertUsage(msg.TotalUsage),
		},
		SessionID:  sessionID,
		IsTerminal: true,
	}
}

func (p *Processor) processUser(msg *upstream.Message) model.ProcessedEvent {
	if msg.IsToolResult() {
		success := msg.ToolOK
		return model.ProcessedEvent{Output: model.JobOutputEvent{
			Kind:      model.EventToolResult,
			ToolUseID: msg.ToolUseID,
			Result:    msg.GetResultString(),
			Success:   success,
		}}
	}
	return model.ProcessedEvent{Output: model.JobOutputEvent{
		Kind:    model.EventSystem,
		Subtype: upstream.SubtypeUserInput,
		Content: msg.GetContentString(),
	}}
}

// Summary returns the best available fallback summary: the last non-partial
// assistant content, truncated to 500 characters with ellipsis (§4.4). It is
// only a fallback — callers should prefer an explicit summary or the
// result's own text first.
func (p *Processor) Summary() string {
	return p.truncatedSummary()
}

func (p *Processor) truncatedSummary() string {
	s := p.lastAssistantText
	if len(s) <= summaryMaxLen {
		return s
	}
	return s[:summaryMaxLen] + "..."
}

// extractText pulls displayable text out of an assistant message whose
// content may be a plain string or a list of content blocks; non-text block
// kinds are ignored for text extraction.
func extractText(msg *upstream.Message) string {
	if s := msg.GetContentString(); s != "" {
		return s
	}
	var sb strings.Builder
	for _, block := range msg.GetContentBlocks() {
		if block.Type == "text" && block.Text != "" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func convertUsage(u *upstream.Usage) *model.Usage {
	if u == nil {
		return nil
	}
	return &model.Usage{
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
		ContextWindow: u.ContextWindow,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsTerminal reports whether msg is, on its own, a terminal message: error,
// result, or system with subtype in {end, complete, session_end}. This
// mirrors the terminality check inside Process so callers that only have the
// raw message (e.g. for logging) can ask without processing it.
func IsTerminal(msg *upstream.Message) bool {
	if msg == nil {
		return false
	}
	switch msg.Type {
	case upstream.TypeError, upstream.TypeResult:
		return true
	case upstream.TypeSystem:
		switch msg.Subtype {
		case upstream.SubtypeEnd, upstream.SubtypeComplete, upstream.SubtypeSessionEnd:
			return true
		}
	}
	return false
}
