// Package runtime implements the runtime abstraction (C5): a single
// streaming-execution contract with two concrete implementations, an
// in-process upstream-SDK runtime and a sibling-container runtime.
package runtime

import (
	"context"
	"sync"

	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/upstream"
)

// Phase classifies where in a runtime's lifecycle an error occurred, per
// §4.5/§7: init-phase failures (before the first message) are a distinct
// error kind from mid-stream failures.
type Phase string

const (
	PhaseInit   Phase = "init"
	PhaseStream Phase = "streaming"
)

// Error wraps a runtime failure with the phase it occurred in, so the job
// executor can classify it into RunnerInitError / RunnerStreamError without
// re-deriving the phase from heuristics on the message alone.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return string(e.Phase) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ToolHandler implements one injected tool's behavior. Input is the raw
// JSON-decoded argument map; the return value is forwarded to the upstream
// provider as the tool result.
type ToolHandler func(ctx context.Context, input map[string]any) (result string, success bool, err error)

// Tool describes one tool exposed by an injected tool server.
type Tool struct {
	Name    string
	Desc    string
	Schema  map[string]any
	Handler ToolHandler
}

// ToolServer is a named, versioned bundle of tools injected into a runtime
// invocation (e.g. a file-upload tool, a fleet-status tool).
type ToolServer struct {
	Name    string
	Version string
	Tools   []Tool
}

// CancellationToken is a one-shot, observable cancellation signal. It wraps
// a context so runtimes can select on ctx.Done() while still exposing an
// explicit Cancel method to callers that don't hold the context.
type CancellationToken struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewCancellationToken derives a token from parent; cancelling the token
// cancels the derived context.
func NewCancellationToken(parent context.Context) *CancellationToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancellationToken{ctx: ctx, cancel: cancel}
}

// Cancel signals cancellation. Safe to call multiple times.
func (c *CancellationToken) Cancel() {
	c.once.Do(c.cancel)
}

// Done returns a channel closed when the token is cancelled.
func (c *CancellationToken) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context returns the derived context, suitable for passing to blocking calls.
func (c *CancellationToken) Context() context.Context {
	return c.ctx
}

// ExecuteRequest is the full input to one runtime invocation.
type ExecuteRequest struct {
	Prompt              string
	Agent               model.ResolvedAgent
	Resume              string // session ID to continue; empty means none
	Fork                bool
	Cancel              *CancellationToken
	InjectedToolServers []ToolServer
}

// Sequence is the lazy sequence of upstream messages a runtime invocation
// yields. Next blocks until the next message is available, returns
// (nil, false, nil) when the sequence is exhausted cleanly, or a non-nil
// error (always a *Error) when the runtime fails. Close releases every
// resource the runtime holds (subprocess, container, streams) and must be
// safe to call after the sequence is already exhausted.
type Sequence interface {
	Next(ctx context.Context) (*upstream.Message, bool, error)
	Close() error
}

// Runtime produces a lazy sequence of upstream messages for one prompt.
type Runtime interface {
	Execute(ctx context.Context, req ExecuteRequest) (Sequence, error)
}
