package hooks

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (p *fakePoster) Post(ctx context.Context, platform, channel, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, platform+":"+channel+":"+text)
	return nil
}

func newTestExecutor(t *testing.T, poster Poster) *Executor {
	t.Helper()
	exec, err := New(poster, logger.Default())
	require.NoError(t, err)
	return exec
}

func TestExecutor_RunsShellHookWithArgumentArray(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")

	exec := newTestExecutor(t, &fakePoster{})
	job := model.Job{ID: "2026-07-29-abc", Agent: "assistant", Status: model.JobCompleted, ExitReason: model.ExitSuccess}

	exec.Run(context.Background(), job, []model.Hook{
		{Kind: "shell", Command: "touch", Args: []string{marker}},
	})

	_, err := os.Stat(marker)
	require.NoError(t, err)
}

func TestExecutor_PostsChatHookWithSummary(t *testing.T) {
	poster := &fakePoster{}
	exec := newTestExecutor(t, poster)
	job := model.Job{ID: "2026-07-29-abc", Agent: "assistant", Summary: "done with the task", Status: model.JobCompleted}

	exec.Run(context.Background(), job, []model.Hook{
		{Kind: "slack", Platform: "slack", Channel: "C123"},
	})

	require.Len(t, poster.posts, 1)
	require.Equal(t, "slack:C123:done with the task", poster.posts[0])
}

func TestExecutor_SkipsHookWhenConditionFalse(t *testing.T) {
	poster := &fakePoster{}
	exec := newTestExecutor(t, poster)
	job := model.Job{ID: "2026-07-29-abc", Agent: "assistant", Status: model.JobFailed, ExitReason: model.ExitError}

	exec.Run(context.Background(), job, []model.Hook{
		{Kind: "slack", Platform: "slack", Channel: "C123", When: `exit_reason == "success"`},
	})

	require.Empty(t, poster.posts)
}

func TestExecutor_RunsHookWhenConditionTrue(t *testing.T) {
	poster := &fakePoster{}
	exec := newTestExecutor(t, poster)
	job := model.Job{ID: "2026-07-29-abc", Agent: "assistant", Status: model.JobCompleted, ExitReason: model.ExitSuccess, Summary: "ok"}

	exec.Run(context.Background(), job, []model.Hook{
		{Kind: "slack", Platform: "slack", Channel: "C123", When: `exit_reason == "success"`},
	})

	require.Len(t, poster.posts, 1)
}

func TestExecutor_InvalidConditionSkipsWithoutPanicking(t *testing.T) {
	poster := &fakePoster{}
	exec := newTestExecutor(t, poster)
	job := model.Job{ID: "2026-07-29-abc", Agent: "assistant", Status: model.JobCompleted}

	exec.Run(context.Background(), job, []model.Hook{
		{Kind: "slack", Platform: "slack", Channel: "C123", When: "this is not valid cel(("},
	})

	require.Empty(t, poster.posts)
}

func TestExecutor_ContinuesAfterOneHookFails(t *testing.T) {
	poster := &fakePoster{}
	exec := newTestExecutor(t, poster)
	job := model.Job{ID: "2026-07-29-abc", Agent: "assistant", Status: model.JobCompleted, Summary: "ok"}

	exec.Run(context.Background(), job, []model.Hook{
		{Kind: "shell", Command: "/nonexistent-binary-xyz"},
		{Kind: "slack", Platform: "slack", Channel: "C123"},
	})

	require.Len(t, poster.posts, 1)
}
