package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/stretchr/testify/require"
)

func TestScheduler_IntervalFiresRepeatedly(t *testing.T) {
	var mu sync.Mutex
	var fires []string

	sched := New(func(ctx context.Context, agent model.ResolvedAgent, entry model.ScheduleEntry) {
		mu.Lock()
		fires = append(fires, entry.Name)
		mu.Unlock()
	}, logger.Default())

	agent := model.ResolvedAgent{
		Name: "assistant",
		Schedules: []model.ScheduleEntry{
			{Name: "heartbeat", Interval: "20ms", Prompt: "check status"},
		},
	}
	require.NoError(t, sched.Register(agent))
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fires) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_RejectsEntryWithoutCronOrInterval(t *testing.T) {
	sched := New(func(ctx context.Context, agent model.ResolvedAgent, entry model.ScheduleEntry) {}, logger.Default())

	agent := model.ResolvedAgent{
		Name:      "assistant",
		Schedules: []model.ScheduleEntry{{Name: "broken", Prompt: "x"}},
	}
	err := sched.Register(agent)
	require.Error(t, err)
}

func TestScheduler_RejectsInvalidCronExpression(t *testing.T) {
	sched := New(func(ctx context.Context, agent model.ResolvedAgent, entry model.ScheduleEntry) {}, logger.Default())

	agent := model.ResolvedAgent{
		Name:      "assistant",
		Schedules: []model.ScheduleEntry{{Name: "broken", Cron: "not a cron expression", Prompt: "x"}},
	}
	err := sched.Register(agent)
	require.Error(t, err)
}

func TestScheduler_StopHaltsFurtherFires(t *testing.T) {
	var mu sync.Mutex
	fires := 0

	sched := New(func(ctx context.Context, agent model.ResolvedAgent, entry model.ScheduleEntry) {
		mu.Lock()
		fires++
		mu.Unlock()
	}, logger.Default())

	agent := model.ResolvedAgent{
		Name:      "assistant",
		Schedules: []model.ScheduleEntry{{Name: "heartbeat", Interval: "10ms", Prompt: "x"}},
	}
	require.NoError(t, sched.Register(agent))
	sched.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires >= 1
	}, time.Second, 5*time.Millisecond)

	sched.Stop()

	mu.Lock()
	countAtStop := fires
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, countAtStop, fires)
}
