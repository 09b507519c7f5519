package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	posts []string
	next  int
}

func (f *fakePoster) Post(ctx context.Context, channel, threadParent, text string) (string, error) {
	f.posts = append(f.posts, text)
	f.next++
	return "ts-" + string(rune('0'+f.next)), nil
}

func TestStreamingResponder_FlushPostsOnlyNewText(t *testing.T) {
	poster := &fakePoster{}
	r := NewStreamingResponder(poster, NewSlackFormatter(0), "C1", "", logger.Default())

	r.Append("hello ")
	require.NoError(t, r.Flush(context.Background()))
	require.Len(t, poster.posts, 1)
	assert.Equal(t, "hello", strings.TrimSpace(poster.posts[0]))

	r.Append("world")
	require.NoError(t, r.Flush(context.Background()))
	require.Len(t, poster.posts, 2)
	assert.Equal(t, "world", strings.TrimSpace(poster.posts[1]))
}

func TestStreamingResponder_FlushWithNoNewTextIsNoop(t *testing.T) {
	poster := &fakePoster{}
	r := NewStreamingResponder(poster, NewSlackFormatter(0), "C1", "", logger.Default())

	require.NoError(t, r.Flush(context.Background()))
	assert.Empty(t, poster.posts)
}

func TestStreamingResponder_ThreadsSubsequentPostsUnderFirstReply(t *testing.T) {
	poster := &fakePoster{}
	r := NewStreamingResponder(poster, NewSlackFormatter(0), "C1", "", logger.Default())

	r.Append("first")
	require.NoError(t, r.Flush(context.Background()))
	firstThread := r.ThreadID()
	assert.Equal(t, "ts-1", firstThread)

	r.Append("second")
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, firstThread, r.ThreadID())
}

func TestStreamingResponder_PreservesSuppliedThread(t *testing.T) {
	poster := &fakePoster{}
	r := NewStreamingResponder(poster, NewSlackFormatter(0), "C1", "thread-parent", logger.Default())
	assert.Equal(t, "thread-parent", r.ThreadID())
}
