// Package hooks implements the hook-executor half of C9: running a job's
// configured after_run hooks once it finishes successfully, in declared
// order, each gated by an optional "when" condition evaluated against the
// job's own metadata.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"go.uber.org/zap"
)

const (
	defaultShellTimeout  = 2 * time.Minute
	maxHookOutputBytes   = 64 * 1024
)

// Poster is the capability a chat-post hook needs: posting one message to a
// named channel on a named platform. The chat manager's adapter registry
// satisfies this.
type Poster interface {
	Post(ctx context.Context, platform, channel, text string) error
}

// Executor runs one job's hooks in order. Failures in any one hook are
// logged and do not fail the originating job (§7 HookError).
type Executor struct {
	log          *logger.Logger
	poster       Poster
	shellTimeout time.Duration
	env          *cel.Env
}

// New returns an Executor that posts chat hooks through poster.
func New(poster Poster, log *logger.Logger) (*Executor, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("exit_reason", cel.StringType),
		cel.Variable("trigger_type", cel.StringType),
		cel.Variable("schedule_name", cel.StringType),
		cel.Variable("forked_from", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("hooks: building condition environment: %w", err)
	}
	return &Executor{
		log:          log.WithFields(zap.String("component", "hook_executor")),
		poster:       poster,
		shellTimeout: defaultShellTimeout,
		env:          env,
	}, nil
}

// Run executes every hook in order for the finished job. It never returns an
// error: each hook's own failure is logged and the rest still run.
func (e *Executor) Run(ctx context.Context, job model.Job, configured []model.Hook) {
	log := e.log.WithJobID(job.ID).WithAgent(job.Agent)
	for i, h := range configured {
		if h.When != "" {
			ok, err := e.evalWhen(h.When, job)
			if err != nil {
				log.Warn("hook condition evaluation failed, skipping hook",
					zap.Int("hook_index", i), zap.String("when", h.When), zap.Error(err))
				continue
			}
			if !ok {
				log.Debug("hook condition false, skipping hook", zap.Int("hook_index", i))
				continue
			}
		}

		var err error
		if h.Kind == "shell" {
			err = e.runShell(ctx, h)
		} else {
			err = e.runChatPost(ctx, h, job)
		}
		if err != nil {
			log.Warn("hook failed", zap.Int("hook_index", i), zap.String("kind", h.Kind), zap.Error(err))
		}
	}
}

// evalWhen compiles and evaluates expr against job's metadata. Compilation is
// not cached across calls: hook conditions run at most once per job and the
// cel-go compile cost is negligible next to the job turn it gates.
func (e *Executor) evalWhen(expr string, job model.Job) (bool, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"agent":         job.Agent,
		"status":        string(job.Status),
		"exit_reason":   string(job.ExitReason),
		"trigger_type":  string(job.TriggerType),
		"schedule_name": job.ScheduleName,
		"forked_from":   job.ForkedFrom,
	})
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("hooks: condition %q did not evaluate to a boolean", expr)
	}
	return result, nil
}

// runShell runs h.Command with h.Args in argument-array form — never a
// shell-string concatenation, so hook configuration can never inject
// additional shell syntax — bounded by shellTimeout and a captured-output
// size cap.
func (e *Executor) runShell(ctx context.Context, h model.Hook) error {
	if h.Command == "" {
		return fmt.Errorf("hooks: shell hook has no command")
	}
	ctx, cancel := context.WithTimeout(ctx, e.shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	var out boundedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("hooks: shell command %q failed: %w (output: %s)", h.Command, err, out.String())
	}
	return nil
}

// runChatPost posts the job's summary to the hook's configured channel via
// the chat manager's adapter registry.
func (e *Executor) runChatPost(ctx context.Context, h model.Hook, job model.Job) error {
	if h.Channel == "" {
		return fmt.Errorf("hooks: chat-post hook has no channel")
	}
	text := job.Summary
	if text == "" {
		text = fmt.Sprintf("Job %s finished with status %s", job.ID, job.Status)
	}
	return e.poster.Post(ctx, h.Platform, h.Channel, text)
}

// boundedBuffer caps how much hook output it retains, discarding the
// remainder silently — a runaway hook process must never grow logged output
// without bound.
type boundedBuffer struct {
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := maxHookOutputBytes - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
	} else {
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
