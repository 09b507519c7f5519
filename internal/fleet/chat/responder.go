package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/ikido/herdctl/internal/common/logger"
	"go.uber.org/zap"
)

// Poster is the narrow capability StreamingResponder needs from a
// ChatAdapter: posting one message to a channel/thread.
type Poster interface {
	Post(ctx context.Context, channel, threadParent, text string) (messageID string, err error)
}

// StreamingResponder buffers one turn's streamed assistant text, formats it
// for one platform, splits it on the platform's size limit, and posts the
// resulting messages in order, awaiting each post's acknowledgement before
// sending the next. A StreamingResponder is constructed fresh per turn and
// must never be shared across turns — that, combined with the chat
// manager's per-thread serialization, is what guarantees output from
// different turns on the same thread is never interleaved (§4.8).
type StreamingResponder struct {
	adapter   Poster
	formatter Formatter
	channel   string
	thread    string
	log       *logger.Logger

	mu      sync.Mutex
	buf     strings.Builder
	flushed int // bytes of buf already posted, so Flush only sends the new tail
}

// NewStreamingResponder returns a responder that will post into channel,
// threaded under thread (empty for a top-level reply starting a new thread).
func NewStreamingResponder(adapter Poster, formatter Formatter, channel, thread string, log *logger.Logger) *StreamingResponder {
	return &StreamingResponder{
		adapter:   adapter,
		formatter: formatter,
		channel:   channel,
		thread:    thread,
		log:       log.WithFields(zap.String("component", "streaming_responder")),
	}
}

// Append buffers a partial or final assistant text delta. It does not post
// anything by itself; callers decide when to Flush (typically at terminal
// message time, optionally also on paragraph boundaries for long turns).
func (r *StreamingResponder) Append(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.WriteString(text)
}

// Flush posts everything buffered since the last Flush, split on the
// formatter's message-size limit, each chunk awaited before the next is
// sent. It is safe to call Flush multiple times during one turn (e.g. once
// per paragraph) as well as once at the end.
func (r *StreamingResponder) Flush(ctx context.Context) error {
	r.mu.Lock()
	full := r.buf.String()
	pending := full[r.flushed:]
	r.flushed = len(full)
	r.mu.Unlock()

	if strings.TrimSpace(pending) == "" {
		return nil
	}

	formatted := r.formatter.Format(pending)
	thread := r.thread
	for _, chunk := range splitOnLimit(formatted, r.formatter.MaxMessageChars()) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		msgID, err := r.adapter.Post(ctx, r.channel, thread, chunk)
		if err != nil {
			r.log.Warn("failed to post streamed reply chunk", zap.Error(err))
			return err
		}
		// Once a thread exists (the first reply assigned one, or the caller
		// supplied one), every subsequent chunk replies into the same
		// thread rather than starting new ones.
		if thread == "" {
			thread = msgID
		}
	}
	r.thread = thread
	return nil
}

// ThreadID returns the thread parent this responder has settled on — either
// the one it was constructed with, or the ID of the first message it
// posted, which becomes the thread for every following reply in this turn.
func (r *StreamingResponder) ThreadID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thread
}
