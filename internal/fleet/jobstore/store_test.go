package jobstore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/safepath"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), logger.Default())
}

func TestNewJobID_FormatAndUniqueness(t *testing.T) {
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	a := NewJobID(now)
	b := NewJobID(now)

	require.True(t, strings.HasPrefix(a, "2026-07-29-"))
	require.True(t, safepath.IsValidIdentifier(a))
	require.NotEqual(t, a, b)
}

func TestStore_CreateThenGet(t *testing.T) {
	s := newTestStore(t)

	job, err := s.CreateJob(model.Job{Agent: "assistant", Prompt: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, model.JobPending, job.Status)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, "hello", got.Prompt)
}

func TestStore_UpdateEnforcesMonotonicStatus(t *testing.T) {
	s := newTestStore(t)
	job, err := s.CreateJob(model.Job{Agent: "assistant"})
	require.NoError(t, err)

	_, err = s.UpdateJob(job.ID, func(j *model.Job) {
		j.Status = model.JobRunning
	})
	require.NoError(t, err)

	_, err = s.UpdateJob(job.ID, func(j *model.Job) {
		j.Status = model.JobCompleted
		j.ExitReason = model.ExitSuccess
	})
	require.NoError(t, err)

	_, err = s.UpdateJob(job.ID, func(j *model.Job) {
		j.Status = model.JobPending
	})
	require.Error(t, err)
}

func TestStore_CreateRejectsPathTraversalAgentViaJobDir(t *testing.T) {
	s := newTestStore(t)
	_, err := s.jobDir("../etc")
	require.Error(t, err)
	var pe *safepath.PathTraversalError
	require.ErrorAs(t, err, &pe)

	_, err = s.CreateJob(model.Job{Agent: "../etc"})
	require.ErrorAs(t, err, &pe)
	require.NoDirExists(t, filepath.Join(s.stateDir, "jobs"))
}

func TestStore_AppendJobOutputOrdering(t *testing.T) {
	s := newTestStore(t)
	job, err := s.CreateJob(model.Job{Agent: "assistant"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := s.AppendJobOutput(job.ID, model.JobOutputEvent{
			Kind:    model.EventAssistant,
			Content: string(rune('a' + i)),
		})
		require.NoError(t, err)
	}

	path, err := s.GetJobOutputPath(job.ID)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 5)
	for i, line := range lines {
		require.Contains(t, line, string(rune('a'+i)))
	}
}

func TestStore_GetJobMissingReturnsError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob("2026-07-29-deadbeefcafe")
	require.Error(t, err)
}
