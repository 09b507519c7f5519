package message

import (
	"encoding/json"
	"testing"

	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_NilMessage(t *testing.T) {
	p := NewProcessor()
	ev := p.Process(nil)
	assert.Equal(t, model.EventSystem, ev.Output.Kind)
	assert.Equal(t, upstream.SubtypeUnknownType, ev.Output.Subtype)
}

func TestProcess_SystemInitExposesSessionID(t *testing.T) {
	p := NewProcessor()
	ev := p.Process(&upstream.Message{Type: upstream.TypeSystem, Subtype: upstream.SubtypeInit, SessionID: "S1"})
	assert.Equal(t, "S1", ev.SessionID)
	assert.False(t, ev.IsTerminal)
}

func TestProcess_SystemEndIsTerminal(t *testing.T) {
	p := NewProcessor()
	ev := p.Process(&upstream.Message{Type: upstream.TypeSystem, Subtype: upstream.SubtypeEnd})
	assert.True(t, ev.IsTerminal)
}

func TestProcess_AssistantStringContent(t *testing.T) {
	p := NewProcessor()
	raw, _ := json.Marshal("hello world")
	ev := p.Process(&upstream.Message{Type: upstream.TypeAssistant, AssistantContent: raw})
	assert.Equal(t, "hello world", ev.Output.Content)
	assert.False(t, ev.Output.Partial)
}

func TestProcess_AssistantContentBlocksIgnoresNonText(t *testing.T) {
	p := NewProcessor()
	raw, _ := json.Marshal([]upstream.ContentBlock{
		{Type: "text", Text: "part one "},
		{Type: "tool_use", ToolName: "Bash"},
		{Type: "text", Text: "part two"},
	})
	ev := p.Process(&upstream.Message{Type: upstream.TypeAssistant, AssistantContent: raw})
	assert.Equal(t, "part one part two", ev.Output.Content)
}

func TestProcess_StreamEventPartial(t *testing.T) {
	p := NewProcessor()
	ev := p.Process(&upstream.Message{Type: upstream.TypeStreamEvent, Delta: &upstream.TextDelta{Text: "chunk"}})
	assert.True(t, ev.Output.Partial)
	assert.Equal(t, "chunk", ev.Output.Content)
}

func TestProcess_ResultIsTerminalAndPrefersExplicitSummary(t *testing.T) {
	p := NewProcessor()
	ev := p.Process(&upstream.Message{Type: upstream.TypeResult, Summary: "did the thing"})
	assert.True(t, ev.IsTerminal)
	assert.Equal(t, "did the thing", ev.Output.Content)
}

func TestProcess_ResultFallsBackToLastAssistantText(t *testing.T) {
	p := NewProcessor()
	raw, _ := json.Marshal("partial progress")
	p.Process(&upstream.Message{Type: upstream.TypeAssistant, AssistantContent: raw})
	ev := p.Process(&upstream.Message{Type: upstream.TypeResult})
	assert.Equal(t, "partial progress", ev.Output.Content)
}

func TestProcess_ResultSurfacesSessionIDFromResultObject(t *testing.T) {
	p := NewProcessor()
	raw, _ := json.Marshal(upstream.ResultObject{Text: "done", SessionID: "S9"})
	ev := p.Process(&upstream.Message{Type: upstream.TypeResult, Result: raw})
	assert.Equal(t, "S9", ev.SessionID)
	assert.Equal(t, "done", ev.Output.Content)
}

func TestProcess_ErrorIsTerminal(t *testing.T) {
	p := NewProcessor()
	ev := p.Process(&upstream.Message{Type: upstream.TypeError, ErrorMessage: "boom", ErrorCode: "E1"})
	require.Equal(t, model.EventError, ev.Output.Kind)
	assert.True(t, ev.IsTerminal)
	assert.Equal(t, "boom", ev.Output.Message)
	assert.Equal(t, "E1", ev.Output.Code)
}

func TestProcess_UnknownTagCollapsesToUnknownSystem(t *testing.T) {
	p := NewProcessor()
	ev := p.Process(&upstream.Message{Type: "something_new", Content: "mystery"})
	assert.Equal(t, model.EventSystem, ev.Output.Kind)
	assert.Equal(t, upstream.SubtypeUnknownType, ev.Output.Subtype)
}

func TestProcess_UserToolResultVsPlainInput(t *testing.T) {
	p := NewProcessor()
	ok := true
	toolResult := p.Process(&upstream.Message{Type: upstream.TypeUser, ToolUseID: "t1", ToolOK: &ok})
	assert.Equal(t, model.EventToolResult, toolResult.Output.Kind)

	raw, _ := json.Marshal("plain user text")
	plain := p.Process(&upstream.Message{Type: upstream.TypeUser, AssistantContent: raw})
	assert.Equal(t, model.EventSystem, plain.Output.Kind)
	assert.Equal(t, upstream.SubtypeUserInput, plain.Output.Subtype)
}

func TestSummary_TruncatesAt500(t *testing.T) {
	p := NewProcessor()
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	raw, _ := json.Marshal(string(long))
	p.Process(&upstream.Message{Type: upstream.TypeAssistant, AssistantContent: raw})
	s := p.Summary()
	assert.Len(t, s, summaryMaxLen+3)
	assert.Contains(t, s, "...")
}
