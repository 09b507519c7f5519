package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/jobstore"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/runtime"
	"github.com/ikido/herdctl/internal/fleet/session"
	"github.com/ikido/herdctl/internal/fleet/upstream"
	"github.com/stretchr/testify/require"
)

// fakeSequence replays a fixed list of messages, optionally failing with err
// once exhausted (or immediately, for init-phase failures).
type fakeSequence struct {
	messages []*upstream.Message
	failErr  error
	idx      int
	closed   bool
}

func (s *fakeSequence) Next(ctx context.Context) (*upstream.Message, bool, error) {
	if s.idx < len(s.messages) {
		m := s.messages[s.idx]
		s.idx++
		return m, true, nil
	}
	if s.failErr != nil {
		return nil, false, s.failErr
	}
	return nil, false, nil
}

func (s *fakeSequence) Close() error {
	s.closed = true
	return nil
}

// fakeRuntime hands out one fakeSequence (or init error) per call, in order,
// recording every ExecuteRequest it received for assertions.
type fakeRuntime struct {
	calls    []runtime.ExecuteRequest
	seqs     []*fakeSequence
	initErrs []error
}

func (r *fakeRuntime) Execute(ctx context.Context, req runtime.ExecuteRequest) (runtime.Sequence, error) {
	i := len(r.calls)
	r.calls = append(r.calls, req)
	if i < len(r.initErrs) && r.initErrs[i] != nil {
		return nil, &runtime.Error{Phase: runtime.PhaseInit, Err: r.initErrs[i]}
	}
	return r.seqs[i], nil
}

func newTestExecutor(t *testing.T, rt runtime.Runtime) (*Executor, *jobstore.Store, *session.Store) {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()
	jobs := jobstore.NewStore(dir, log)
	sessions := session.NewStore(dir, log)
	exec := New(Deps{Jobs: jobs, Sessions: sessions, Log: log}, rt)
	return exec, jobs, sessions
}

func resultMessage(sessionID string) *upstream.Message {
	return &upstream.Message{Type: upstream.TypeResult, SessionID: sessionID, Summary: "done"}
}

func TestExecutor_FreshTurnNoResume(t *testing.T) {
	rt := &fakeRuntime{
		seqs: []*fakeSequence{{messages: []*upstream.Message{
			{Type: upstream.TypeSystem, Subtype: upstream.SubtypeInit, SessionID: "S1"},
			resultMessage("S1"),
		}}},
	}
	exec, _, _ := newTestExecutor(t, rt)

	result := exec.Run(context.Background(), Request{
		Agent:       model.ResolvedAgent{Name: "assistant"},
		Prompt:      "hello",
		TriggerType: model.TriggerManual,
	})

	require.NoError(t, result.Err)
	require.Equal(t, model.JobCompleted, result.Job.Status)
	require.Equal(t, model.ExitSuccess, result.Job.ExitReason)
	require.Equal(t, "S1", result.Job.SessionID)
	require.Equal(t, "", rt.calls[0].Resume)
}

func TestExecutor_TrustsCallerResumeOverAgentSession(t *testing.T) {
	rt := &fakeRuntime{
		seqs: []*fakeSequence{{messages: []*upstream.Message{resultMessage("S-CHAT")}}},
	}
	exec, _, sessions := newTestExecutor(t, rt)

	require.NoError(t, sessions.UpdateAgentSession("assistant", func(s *model.AgentSession) {
		s.SessionID = "S-AGENT-LEVEL"
	}))

	resume := "S-THREAD-1"
	result := exec.Run(context.Background(), Request{
		Agent:       model.ResolvedAgent{Name: "assistant"},
		Prompt:      "more",
		Resume:      &resume,
		TriggerType: model.TriggerChat("slack"),
	})

	require.NoError(t, result.Err)
	require.Equal(t, "S-THREAD-1", rt.calls[0].Resume)
}

func TestExecutor_MatchingAgentSessionValidatesWorkingDirectory(t *testing.T) {
	rt := &fakeRuntime{
		seqs: []*fakeSequence{{messages: []*upstream.Message{resultMessage("S1")}}},
	}
	exec, _, sessions := newTestExecutor(t, rt)

	require.NoError(t, sessions.UpdateAgentSession("assistant", func(s *model.AgentSession) {
		s.SessionID = "S1"
		s.WorkingDirectory = "/ws"
		s.RuntimeType = model.RuntimeInProcess
	}))

	resume := "S1"
	result := exec.Run(context.Background(), Request{
		Agent:       model.ResolvedAgent{Name: "assistant", WorkingDirectory: "/ws"},
		Prompt:      "continue",
		Resume:      &resume,
		TriggerType: model.TriggerManual,
	})

	require.NoError(t, result.Err)
	require.Equal(t, "S1", rt.calls[0].Resume)
}

func TestExecutor_MismatchedWorkingDirectoryClearsAndDropsResume(t *testing.T) {
	rt := &fakeRuntime{
		seqs: []*fakeSequence{{messages: []*upstream.Message{resultMessage("S2")}}},
	}
	exec, _, sessions := newTestExecutor(t, rt)

	require.NoError(t, sessions.UpdateAgentSession("assistant", func(s *model.AgentSession) {
		s.SessionID = "S1"
		s.WorkingDirectory = "/old"
	}))

	resume := "S1"
	result := exec.Run(context.Background(), Request{
		Agent:       model.ResolvedAgent{Name: "assistant", WorkingDirectory: "/new"},
		Prompt:      "continue",
		Resume:      &resume,
		TriggerType: model.TriggerManual,
	})

	require.NoError(t, result.Err)
	require.Equal(t, "", rt.calls[0].Resume)
}

func TestExecutor_RecoversFromExpiredSessionWithOneRetry(t *testing.T) {
	rt := &fakeRuntime{
		seqs: []*fakeSequence{
			{failErr: errors.New("upstream: session not found")},
			{messages: []*upstream.Message{
				{Type: upstream.TypeSystem, Subtype: upstream.SubtypeInit, SessionID: "S-NEW"},
				resultMessage("S-NEW"),
			}},
		},
	}
	exec, _, sessions := newTestExecutor(t, rt)
	require.NoError(t, sessions.UpdateAgentSession("assistant", func(s *model.AgentSession) {
		s.SessionID = "S-OLD"
		s.RuntimeType = model.RuntimeInProcess
	}))

	resume := "S-OLD"
	result := exec.Run(context.Background(), Request{
		Agent:       model.ResolvedAgent{Name: "assistant"},
		Prompt:      "hi",
		Resume:      &resume,
		TriggerType: model.TriggerManual,
	})

	require.NoError(t, result.Err)
	require.Equal(t, model.JobCompleted, result.Job.Status)
	require.Equal(t, 2, len(rt.calls))
	require.Equal(t, "", rt.calls[1].Resume)
	require.Equal(t, "S-NEW", result.Job.SessionID)

	sess, err := sessions.LoadAgentSession("assistant", session.LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "S-NEW", sess.SessionID)
}

func TestExecutor_InitErrorFailsJobWithoutRetry(t *testing.T) {
	rt := &fakeRuntime{initErrs: []error{errors.New("credentials invalid")}, seqs: []*fakeSequence{nil}}
	exec, _, _ := newTestExecutor(t, rt)

	result := exec.Run(context.Background(), Request{
		Agent:       model.ResolvedAgent{Name: "assistant"},
		Prompt:      "hi",
		TriggerType: model.TriggerManual,
	})

	require.Error(t, result.Err)
	require.Equal(t, model.JobFailed, result.Job.Status)
	require.Equal(t, model.ExitError, result.Job.ExitReason)
	require.Equal(t, 1, len(rt.calls))
}

func TestExecutor_MonotonicStatusTransitions(t *testing.T) {
	rt := &fakeRuntime{seqs: []*fakeSequence{{messages: []*upstream.Message{resultMessage("S1")}}}}
	exec, jobs, _ := newTestExecutor(t, rt)

	var jobID string
	var statuses []model.JobStatus
	result := exec.Run(context.Background(), Request{
		Agent:       model.ResolvedAgent{Name: "assistant"},
		Prompt:      "hi",
		TriggerType: model.TriggerManual,
		OnJobCreated: func(id string) {
			jobID = id
			j, err := jobs.GetJob(id)
			require.NoError(t, err)
			statuses = append(statuses, j.Status)
		},
		OnMessage: func(model.ProcessedEvent) {
			j, err := jobs.GetJob(jobID)
			require.NoError(t, err)
			statuses = append(statuses, j.Status)
		},
	})
	require.NoError(t, result.Err)

	final, err := jobs.GetJob(result.Job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, final.Status)
	require.Equal(t, []model.JobStatus{model.JobPending, model.JobRunning}, statuses)
}
