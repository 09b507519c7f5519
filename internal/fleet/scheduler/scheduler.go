// Package scheduler implements the time-based trigger half of the scheduler
// & hook executor (C9): firing an agent's configured schedules on their cron
// or interval cadence. Missed fires are never backfilled — a schedule that
// was due while the process was down simply waits for its next occurrence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TriggerFunc is invoked once per schedule fire. ctx expires after
// fireTimeout; Stop does not cancel it but waits for the in-flight fire to
// return. Implementations (the fleet manager) own
// translating agent/entry into a job-executor Request with trigger_type
// "schedule".
type TriggerFunc func(ctx context.Context, agent model.ResolvedAgent, entry model.ScheduleEntry)

// intervalWorker tracks one running interval-based schedule so Stop can
// cancel it.
type intervalWorker struct {
	stop chan struct{}
}

// Scheduler owns every registered agent's schedule entries, dispatching
// cron-based entries through an internal robfig/cron engine and interval
// entries through one ticker goroutine per entry.
type Scheduler struct {
	log     *logger.Logger
	trigger TriggerFunc
	cron    *cron.Cron

	mu        sync.Mutex
	running   bool
	intervals []*intervalWorker
	wg        sync.WaitGroup
}

// New returns a Scheduler that calls trigger on every fire.
func New(trigger TriggerFunc, log *logger.Logger) *Scheduler {
	return &Scheduler{
		log:     log.WithFields(zap.String("component", "scheduler")),
		trigger: trigger,
		cron:    cron.New(cron.WithSeconds()),
	}
}

// Register wires every schedule entry belonging to agent. The fleet manager
// calls it once per agent before Start (its load-once-at-startup model);
// entries registered after Start are picked up as well.
func (s *Scheduler) Register(agent model.ResolvedAgent) error {
	for _, entry := range agent.Schedules {
		entry := entry
		switch {
		case entry.Cron != "":
			if _, err := s.cron.AddFunc(entry.Cron, func() { s.fire(agent, entry) }); err != nil {
				return fmt.Errorf("scheduler: invalid cron expression %q for schedule %q: %w", entry.Cron, entry.Name, err)
			}
		case entry.Interval != "":
			d, err := time.ParseDuration(entry.Interval)
			if err != nil {
				return fmt.Errorf("scheduler: invalid interval %q for schedule %q: %w", entry.Interval, entry.Name, err)
			}
			if d <= 0 {
				return fmt.Errorf("scheduler: interval for schedule %q must be positive", entry.Name)
			}
			s.registerInterval(agent, entry, d)
		default:
			return fmt.Errorf("scheduler: schedule %q has neither cron nor interval set", entry.Name)
		}
	}
	return nil
}

func (s *Scheduler) registerInterval(agent model.ResolvedAgent, entry model.ScheduleEntry, d time.Duration) {
	w := &intervalWorker{stop: make(chan struct{})}
	s.mu.Lock()
	s.intervals = append(s.intervals, w)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.fire(agent, entry)
			case <-w.stop:
				return
			}
		}
	}()
}

func (s *Scheduler) fire(agent model.ResolvedAgent, entry model.ScheduleEntry) {
	s.log.Info("schedule fired", zap.String("agent", agent.Name), zap.String("schedule", entry.Name))
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	s.trigger(ctx, agent, entry)
}

// fireTimeout bounds how long one schedule fire's context stays alive; the
// job executor itself has no built-in deadline, so this is the scheduler's
// own backstop against a fire blocking the next one indefinitely.
const fireTimeout = 30 * time.Minute

// Start begins dispatching every registered schedule. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("cron_entries", len(s.cron.Entries())))
}

// Stop halts the cron engine and every interval goroutine, waiting for
// in-flight fires' goroutines to exit before returning.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	intervals := s.intervals
	s.intervals = nil
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()

	for _, w := range intervals {
		close(w.stop)
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}
