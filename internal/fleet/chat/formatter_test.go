package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlackFormatter_Format(t *testing.T) {
	f := NewSlackFormatter(0)
	out := f.Format("**bold** and [a link](https://example.com)")
	assert.Equal(t, "*bold* and <https://example.com|a link>", out)
}

func TestNewSlackFormatter_DefaultsMaxChars(t *testing.T) {
	f := NewSlackFormatter(0)
	assert.Equal(t, 3000, f.MaxMessageChars())

	f2 := NewSlackFormatter(500)
	assert.Equal(t, 500, f2.MaxMessageChars())
}

func TestSplitOnLimit_ShortTextIsOneChunk(t *testing.T) {
	chunks := splitOnLimit("hello world", 100)
	assert.Equal(t, []string{"hello world"}, chunks)
}

func TestSplitOnLimit_BreaksOnNewlineNearLimit(t *testing.T) {
	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	chunks := splitOnLimit(text, 10)
	assert.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
	assert.Equal(t, text, strings.Join(chunks, "\n"))
}

func TestSplitOnLimit_ForcesBreakWithoutNewline(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks := splitOnLimit(text, 10)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}
