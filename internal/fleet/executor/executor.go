// Package executor implements the job executor (C6): the component that
// drives one agent turn end to end, enforcing the per-thread session-trust
// rule and the single-retry-on-expiry policy that are the hardest design
// decisions in the orchestration core (§4.6).
package executor

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/jobstore"
	"github.com/ikido/herdctl/internal/fleet/message"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/runtime"
	"github.com/ikido/herdctl/internal/fleet/session"
	"go.uber.org/zap"
)

// Request is the full input to one job-executor invocation. Resume uses a
// null sentinel (nil pointer) to distinguish "caller supplied no resume
// value" from "caller explicitly wants a fresh session" — both must reach
// the trust-rule decision in Run distinctly (§6.3, §8 "Isolation" property).
type Request struct {
	Agent        model.ResolvedAgent
	Prompt       string
	Resume       *string
	Fork         bool
	TriggerType  model.TriggerType
	ScheduleName string
	ForkedFrom   string

	// WriteOutputLog, if true, additionally streams a formatted line per
	// event to <jobs>/<id>/output.log alongside the structured append (§4.6
	// step 3).
	WriteOutputLog bool

	InjectedToolServers []runtime.ToolServer

	// OnJobCreated fires once the job record exists, before the runtime is
	// invoked, so a caller (typically the chat manager) can record which job
	// belongs to which conversation before any output arrives (§4.6 step 2).
	OnJobCreated func(jobID string)
	// OnMessage fires once per processed upstream message, in order.
	OnMessage func(model.ProcessedEvent)
	// OnConversationUsage forwards raw token-usage deltas to a caller-owned
	// conversation-store accumulator; the executor never interprets or sums
	// these itself (§4.6 step 6).
	OnConversationUsage func(model.Usage)
}

// Deps bundles the executor's shared collaborators.
type Deps struct {
	Jobs     *jobstore.Store
	Sessions *session.Store
	Log      *logger.Logger
}

// Executor drives job turns against one runtime implementation. A fleet
// typically owns one Executor per runtime kind (in-process, container).
type Executor struct {
	deps Deps
	rt   runtime.Runtime
	log  *logger.Logger
}

// New returns an Executor bound to rt.
func New(deps Deps, rt runtime.Runtime) *Executor {
	return &Executor{
		deps: deps,
		rt:   rt,
		log:  deps.Log.WithFields(zap.String("component", "job_executor")),
	}
}

// runOutcome is the internal result of one runtime invocation attempt
// (before the single-retry-on-expiry policy decides whether to try again).
type runOutcome struct {
	sessionID    string
	summary      string
	err          error
	usedResume   string
	sessionBased bool // true if the observed err is a server-acknowledged session expiry
}

// Run executes one agent turn: creates the job record, resolves the session
// to resume per the trust rule, invokes the runtime, streams output, applies
// the single session-expiry retry, and finalizes the job exactly once.
func (e *Executor) Run(ctx context.Context, req Request) model.RunnerResult {
	job, err := e.deps.Jobs.CreateJob(model.Job{
		Agent:        req.Agent.Name,
		TriggerType:  req.TriggerType,
		Prompt:       req.Prompt,
		ScheduleName: req.ScheduleName,
		ForkedFrom:   req.ForkedFrom,
	})
	if err != nil {
		return model.RunnerResult{Err: err}
	}

	log := e.log.WithJobID(job.ID).WithAgent(req.Agent.Name)

	if req.OnJobCreated != nil {
		req.OnJobCreated(job.ID)
	}

	var outputLog *os.File
	if req.WriteOutputLog {
		if f, err := e.openOutputLog(job.ID); err != nil {
			log.Warn("failed to open formatted output log", zap.Error(err))
		} else {
			outputLog = f
			defer outputLog.Close()
		}
	}

	job, err = e.deps.Jobs.UpdateJob(job.ID, func(j *model.Job) { j.Status = model.JobRunning })
	if err != nil {
		log.Error("failed to mark job running", zap.Error(err))
		return model.RunnerResult{Job: job, Err: err}
	}

	resume, trustedCaller, err := e.resolveResume(req, log)
	if err != nil {
		log.Warn("session resolution failed, proceeding without resume", zap.Error(err))
		resume = ""
	}

	outcome := e.attempt(ctx, log, req, job.ID, resume, outputLog)

	if outcome.err != nil && outcome.sessionBased && outcome.usedResume != "" {
		log.Info("session expired on server, retrying with fresh session")
		_ = e.deps.Sessions.ClearAgentSession(req.Agent.Name)
		e.emitSystemNote(job.ID, outputLog, "Session expired on server. Retrying with fresh session.")
		outcome = e.attempt(ctx, log, req, job.ID, "", outputLog)
		trustedCaller = false
	}

	job = e.finalize(log, job.ID, outcome)

	if outcome.err == nil && outcome.sessionID != "" {
		e.persistAgentSession(log, req, outcome.sessionID, trustedCaller)
	}

	return model.RunnerResult{Job: job, Err: outcome.err}
}

// resolveResume implements the §4.6 step 5 trust rule. The returned bool
// reports whether the caller's resume value was trusted outright (true) —
// in which case working-directory/runtime validation was skipped — versus
// the agent-level session being matched and validated (false).
func (e *Executor) resolveResume(req Request, log *logger.Logger) (resume string, trustedCaller bool, err error) {
	if req.Resume == nil {
		return "", false, nil
	}

	agentSess, err := e.deps.Sessions.LoadAgentSession(req.Agent.Name, session.LoadOptions{})
	if err != nil {
		return "", false, err
	}

	if agentSess == nil || agentSess.SessionID != *req.Resume {
		log.Debug("trusting caller-supplied resume value", zap.String("resume", *req.Resume))
		return *req.Resume, true, nil
	}

	wdCheck := session.ValidateWorkingDirectory(agentSess, req.Agent.WorkingDirectory)
	rtCheck := session.ValidateRuntimeContext(agentSess, req.Agent.EffectiveRuntime(), req.Agent.Docker != nil && req.Agent.Docker.Enabled)
	if !wdCheck.Valid || !rtCheck.Valid {
		log.Info("agent session context mismatch, clearing and proceeding without resume",
			zap.String("reason", firstInvalidReason(wdCheck, rtCheck)))
		_ = e.deps.Sessions.ClearAgentSession(req.Agent.Name)
		return "", false, nil
	}

	// Refresh last_used_at before execution so the session cannot expire
	// mid-turn (§4.6 step 5).
	if err := e.deps.Sessions.UpdateAgentSession(req.Agent.Name, func(sess *model.AgentSession) {
		sess.LastUsedAt = time.Now()
	}); err != nil {
		log.Warn("failed to refresh agent session last_used_at", zap.Error(err))
	}

	return agentSess.SessionID, false, nil
}

func firstInvalidReason(results ...session.ValidationResult) string {
	for _, r := range results {
		if !r.Valid {
			return r.Message
		}
	}
	return ""
}

// attempt runs the runtime exactly once, streaming output to the job store
// and the caller's callbacks, and returns once a terminal message or error
// is observed.
func (e *Executor) attempt(ctx context.Context, log *logger.Logger, req Request, jobID, resume string, outputLog *os.File) runOutcome {
	ctx = runtime.WithJobID(ctx, jobID)
	token := runtime.NewCancellationToken(ctx)
	defer token.Cancel()

	seq, err := e.rt.Execute(ctx, runtime.ExecuteRequest{
		Prompt:              req.Prompt,
		Agent:               req.Agent,
		Resume:              resume,
		Fork:                req.Fork,
		Cancel:              token,
		InjectedToolServers: req.InjectedToolServers,
	})
	if err != nil {
		return runOutcome{err: classifyRuntimeError(err), usedResume: resume}
	}
	defer seq.Close()

	proc := message.NewProcessor()
	var sessionID string

	for {
		msg, ok, err := seq.Next(ctx)
		if err != nil {
			expired := session.IsSessionExpiredError(err)
			return runOutcome{
				sessionID:    sessionID,
				summary:      proc.Summary(),
				err:          classifyRuntimeError(err),
				usedResume:   resume,
				sessionBased: expired,
			}
		}
		if !ok {
			break
		}

		processed := proc.Process(msg)

		if err := e.deps.Jobs.AppendJobOutput(jobID, processed.Output); err != nil {
			log.Warn("failed to append job output event", zap.Error(err))
		}
		if outputLog != nil {
			writeFormattedLine(outputLog, processed.Output)
		}

		if processed.SessionID != "" {
			sessionID = processed.SessionID
		}
		if processed.Output.Usage != nil && req.OnConversationUsage != nil {
			req.OnConversationUsage(*processed.Output.Usage)
		}
		if req.OnMessage != nil {
			req.OnMessage(processed)
		}

		if processed.IsTerminal {
			break
		}
	}

	return runOutcome{sessionID: sessionID, summary: proc.Summary(), usedResume: resume}
}

func (e *Executor) finalize(log *logger.Logger, jobID string, outcome runOutcome) model.Job {
	job, err := e.deps.Jobs.UpdateJob(jobID, func(j *model.Job) {
		j.FinishedAt = time.Now()
		if outcome.sessionID != "" {
			j.SessionID = outcome.sessionID
		}
		if outcome.summary != "" {
			j.Summary = outcome.summary
		}
		j.ExitReason = classifyExitReason(outcome.err)
		if outcome.err != nil {
			j.Status = model.JobFailed
		} else {
			j.Status = model.JobCompleted
		}
	})
	if err != nil {
		log.Error("failed to finalize job", zap.Error(err))
	}
	return job
}

func (e *Executor) persistAgentSession(log *logger.Logger, req Request, sessionID string, trustedCaller bool) {
	err := e.deps.Sessions.UpdateAgentSession(req.Agent.Name, func(sess *model.AgentSession) {
		sess.SessionID = sessionID
		sess.JobCount++
		sess.LastUsedAt = time.Now()
		sess.WorkingDirectory = req.Agent.WorkingDirectory
		sess.RuntimeType = req.Agent.EffectiveRuntime()
		sess.DockerEnabled = req.Agent.Docker != nil && req.Agent.Docker.Enabled
		if trustedCaller {
			sess.Mode = "trusted-caller"
		}
	})
	if err != nil {
		log.Warn("failed to persist agent session", zap.Error(err))
	}
}

func (e *Executor) emitSystemNote(jobID string, outputLog *os.File, note string) {
	ev := model.JobOutputEvent{Kind: model.EventSystem, Subtype: "retry", Content: note}
	if err := e.deps.Jobs.AppendJobOutput(jobID, ev); err != nil {
		e.log.Warn("failed to append retry system event", zap.Error(err))
	}
	if outputLog != nil {
		writeFormattedLine(outputLog, ev)
	}
}

func (e *Executor) openOutputLog(jobID string) (*os.File, error) {
	path, err := e.deps.Jobs.GetJobOutputLogPath(jobID)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func writeFormattedLine(f *os.File, ev model.JobOutputEvent) {
	line := formatEvent(ev) + "\n"
	_, _ = f.WriteString(line)
}

func formatEvent(ev model.JobOutputEvent) string {
	switch ev.Kind {
	case model.EventAssistant:
		if ev.Partial {
			return ev.Content
		}
		return "[assistant] " + ev.Content
	case model.EventToolUse:
		return "[tool_use] " + ev.ToolName
	case model.EventToolResult:
		return "[tool_result] " + ev.Result
	case model.EventError:
		return "[error] " + ev.Message
	default:
		if ev.Subtype != "" {
			return "[" + ev.Subtype + "] " + ev.Content
		}
		return "[system] " + ev.Content
	}
}

// classifyRuntimeError normalizes a runtime error into one of
// RunnerInitError / RunnerStreamError / MalformedUpstreamMessage per §7,
// preserving the underlying error for classifyExitReason and
// session.IsSessionExpiredError to inspect via errors.As/Is.
func classifyRuntimeError(err error) error {
	var rtErr *runtime.Error
	if !errors.As(err, &rtErr) {
		return &UnknownError{Err: err}
	}
	if strings.Contains(strings.ToLower(rtErr.Err.Error()), "malformed upstream message") {
		return &MalformedUpstreamMessageError{Err: rtErr.Err}
	}
	if rtErr.Phase == runtime.PhaseInit {
		return &InitError{Err: rtErr.Err}
	}
	return &StreamError{Err: rtErr.Err}
}

// classifyExitReason maps a finalized job's error to its exit_reason by
// keyword classification (§4.6 step 8): timeout / cancelled / max_turns /
// otherwise error; nil error means success.
func classifyExitReason(err error) model.ExitReason {
	if err == nil {
		return model.ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return model.ExitCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ExitTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cancel"):
		return model.ExitCancelled
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return model.ExitTimeout
	case strings.Contains(msg, "max_turns"), strings.Contains(msg, "max turns"):
		return model.ExitMaxTurns
	default:
		return model.ExitError
	}
}
