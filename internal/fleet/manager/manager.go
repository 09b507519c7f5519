// Package manager implements the fleet manager (C7): it owns the set of
// resolved agents, the scheduler, the chat manager, and the hook executor,
// and is the sole entry point ("Trigger") into the job executor for every
// subsystem — scheduler fires, chat messages, and manual/CLI triggers alike.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/common/appctx"
	"github.com/ikido/herdctl/internal/common/config"
	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/chat"
	"github.com/ikido/herdctl/internal/fleet/eventbus"
	"github.com/ikido/herdctl/internal/fleet/executor"
	"github.com/ikido/herdctl/internal/fleet/hooks"
	"github.com/ikido/herdctl/internal/fleet/jobstore"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/runtime"
	"github.com/ikido/herdctl/internal/fleet/scheduler"
	"github.com/ikido/herdctl/internal/fleet/session"
	"go.uber.org/zap"
)

// hookRunTimeout bounds hooks.Run once it's detached from the triggering
// request's own context (§4.9: hooks must outlive a chat turn's or
// schedule fire's own deadline, but must not run forever).
const hookRunTimeout = 5 * time.Minute

// TriggerOptions is the caller-facing input to Trigger. It mirrors
// executor.Request's fields that make sense to expose across a subsystem
// boundary; Resume keeps the null-sentinel semantics (nil means "caller
// supplied no resume value") documented in executor.Request.
type TriggerOptions struct {
	Prompt              string
	Resume              *string
	Fork                bool
	TriggerType         model.TriggerType
	ScheduleName        string
	ForkedFrom          string
	WriteOutputLog      bool
	InjectedToolServers []runtime.ToolServer
	OnJobCreated        func(jobID string)
	OnMessage           func(model.ProcessedEvent)
	OnConversationUsage func(model.Usage)
}

// agentRuntime bundles one agent's resolved config with the executor built
// for its selected runtime kind.
type agentRuntime struct {
	agent model.ResolvedAgent
	exec  *executor.Executor
	sem   chan struct{} // nil means unbounded concurrency
}

// Manager owns every live agent, the scheduler, the chat manager, and the
// hook executor for one fleet. There is no dynamic add/remove at runtime
// (§4.7): the agent set is fixed at Initialize and changes only across a
// full process restart.
type Manager struct {
	cfg    *config.Config
	log    *logger.Logger
	agents map[string]*agentRuntime

	sessions *session.Store
	jobs     *jobstore.Store
	bus      eventbus.Bus

	scheduler *scheduler.Scheduler
	chat      *chat.Manager
	hooks     *hooks.Executor

	mu       sync.Mutex
	inflight map[string]*runtime.CancellationToken
	stopCh   chan struct{}
}

// New resolves every agent's runtime and executor and wires the scheduler,
// chat manager, and hook executor. Its only I/O is creating the event bus,
// which connects to NATS when cfg.Events.NATSURL is set; it creates no
// directories beyond what the stores already guarantee lazily.
// Call Initialize before Start.
func New(cfg *config.Config, agents []model.ResolvedAgent, log *logger.Logger, chatAdapters ...chat.ChatAdapter) (*Manager, error) {
	mlog := log.WithFields(zap.String("component", "fleet_manager"))

	bus, err := eventbus.NewBus(cfg.Events.NATSURL, log)
	if err != nil {
		return nil, fmt.Errorf("manager: connecting event bus: %w", err)
	}

	sessions := session.NewStore(cfg.StateDir, log)
	jobs := jobstore.NewStore(cfg.StateDir, log)

	m := &Manager{
		cfg:      cfg,
		log:      mlog,
		agents:   make(map[string]*agentRuntime),
		sessions: sessions,
		jobs:     jobs,
		bus:      bus,
		inflight: make(map[string]*runtime.CancellationToken),
		stopCh:   make(chan struct{}),
	}

	for _, agent := range agents {
		rt := buildRuntime(agent, cfg, log)
		ex := executor.New(executor.Deps{Jobs: jobs, Sessions: sessions, Log: log}, rt)
		ar := &agentRuntime{agent: agent, exec: ex}
		if agent.MaxConcurrentJobs > 0 {
			ar.sem = make(chan struct{}, agent.MaxConcurrentJobs)
		}
		m.agents[agent.Name] = ar
	}

	m.scheduler = scheduler.New(m.fireSchedule, log)
	for _, ar := range m.agents {
		if err := m.scheduler.Register(ar.agent); err != nil {
			return nil, fmt.Errorf("manager: registering schedules for agent %q: %w", ar.agent.Name, err)
		}
	}

	hookExec, err := hooks.New(m, log)
	if err != nil {
		return nil, fmt.Errorf("manager: building hook executor: %w", err)
	}
	m.hooks = hookExec

	if hasChatBindings(agents) {
		cm, err := chat.NewManager(chat.Deps{
			Config:   cfg.Chat,
			StateDir: cfg.StateDir,
			Agents:   agents,
			Trigger:  m.chatTrigger,
			Log:      log,
		}, chatAdapters...)
		if err != nil {
			return nil, fmt.Errorf("manager: building chat manager: %w", err)
		}
		m.chat = cm
	}

	return m, nil
}

func hasChatBindings(agents []model.ResolvedAgent) bool {
	for _, a := range agents {
		if len(a.Chat) > 0 {
			return true
		}
	}
	return false
}

func buildRuntime(agent model.ResolvedAgent, cfg *config.Config, log *logger.Logger) runtime.Runtime {
	if agent.EffectiveRuntime() == model.RuntimeContainer {
		return runtime.NewContainerRuntime(cfg.Docker, log)
	}
	return runtime.NewInProcessRuntime(log)
}

// Initialize performs startup I/O: agent-session cleanup-on-startup (§3)
// for every agent, using the agent's session-policy timeout when set and the
// fleet-wide cfg.Session.DefaultTimeout otherwise. Agents left with no
// positive timeout are skipped.
func (m *Manager) Initialize(ctx context.Context) error {
	for _, ar := range m.agents {
		timeout := m.cfg.Session.DefaultTimeout
		if ar.agent.SessionPolicy != nil && ar.agent.SessionPolicy.Timeout > 0 {
			timeout = ar.agent.SessionPolicy.Timeout
		}
		if timeout <= 0 {
			continue
		}
		if _, err := m.sessions.LoadAgentSession(ar.agent.Name, session.LoadOptions{Timeout: timeout}); err != nil {
			m.log.Warn("startup session cleanup failed", zap.String("agent", ar.agent.Name), zap.Error(err))
		}
	}
	return nil
}

// Start begins the scheduler and, if configured, the chat manager's
// platform connections.
func (m *Manager) Start(ctx context.Context) error {
	m.scheduler.Start()
	if m.chat != nil {
		if err := m.chat.Start(ctx); err != nil {
			return fmt.Errorf("manager: starting chat manager: %w", err)
		}
	}
	m.log.Info("fleet manager started", zap.Int("agents", len(m.agents)))
	return nil
}

// Stop cooperatively shuts down every live subsystem, bounded by ctx's
// deadline: it cancels every in-flight job's cancellation token, stops the
// chat manager and scheduler, and closes the event bus.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)

	m.mu.Lock()
	tokens := make([]*runtime.CancellationToken, 0, len(m.inflight))
	for _, t := range m.inflight {
		tokens = append(tokens, t)
	}
	m.mu.Unlock()
	for _, t := range tokens {
		t.Cancel()
	}

	done := make(chan struct{})
	go func() {
		if m.chat != nil {
			m.chat.Stop()
		}
		m.scheduler.Stop()
		_ = m.bus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("fleet manager stop deadline exceeded, returning anyway")
	}

	m.log.Info("fleet manager stopped")
	return nil
}

// Trigger is the sole entry point into the job executor for every caller:
// the scheduler, the chat manager, and the CLI.
func (m *Manager) Trigger(ctx context.Context, agentName string, opts TriggerOptions) (model.RunnerResult, error) {
	ar, ok := m.agents[agentName]
	if !ok {
		return model.RunnerResult{}, fmt.Errorf("manager: unknown agent %q", agentName)
	}

	if ar.sem != nil {
		select {
		case ar.sem <- struct{}{}:
			defer func() { <-ar.sem }()
		case <-ctx.Done():
			return model.RunnerResult{}, ctx.Err()
		}
	}

	token := runtime.NewCancellationToken(ctx)
	jobIDCh := make(chan string, 1)
	onJobCreated := opts.OnJobCreated
	wrappedCreated := func(jobID string) {
		m.mu.Lock()
		m.inflight[jobID] = token
		m.mu.Unlock()
		jobIDCh <- jobID
		if onJobCreated != nil {
			onJobCreated(jobID)
		}
	}

	result := ar.exec.Run(token.Context(), toExecutorRequest(ar.agent, opts, wrappedCreated))

	select {
	case jobID := <-jobIDCh:
		m.mu.Lock()
		delete(m.inflight, jobID)
		m.mu.Unlock()
	default:
	}
	token.Cancel()

	if result.Err != nil {
		return result, result.Err
	}

	m.publishJobCompleted(result.Job)

	// Hooks must outlive the triggering request's own context (a chat turn's
	// deadline, a schedule fire's timeout) but must not run unbounded, and
	// must still be interruptible by process shutdown.
	hookCtx, hookCancel := appctx.Detached(ctx, m.stopCh, hookRunTimeout)
	m.hooks.Run(hookCtx, result.Job, ar.agent.Hooks)
	hookCancel()

	return result, nil
}

// chatTrigger adapts the chat manager's narrow TriggerRequest shape onto
// Trigger, so the chat package never needs to import this one.
func (m *Manager) chatTrigger(ctx context.Context, agentName string, req chat.TriggerRequest) (model.RunnerResult, error) {
	return m.Trigger(ctx, agentName, TriggerOptions{
		Prompt:              req.Prompt,
		Resume:              req.Resume,
		TriggerType:         req.TriggerType,
		InjectedToolServers: req.InjectedToolServers,
		OnMessage:           req.OnMessage,
		OnConversationUsage: req.OnConversationUsage,
	})
}

func toExecutorRequest(agent model.ResolvedAgent, opts TriggerOptions, onJobCreated func(string)) executor.Request {
	return executor.Request{
		Agent:               agent,
		Prompt:              opts.Prompt,
		Resume:              opts.Resume,
		Fork:                opts.Fork,
		TriggerType:         opts.TriggerType,
		ScheduleName:        opts.ScheduleName,
		ForkedFrom:          opts.ForkedFrom,
		WriteOutputLog:      opts.WriteOutputLog,
		InjectedToolServers: opts.InjectedToolServers,
		OnJobCreated:        onJobCreated,
		OnMessage:           opts.OnMessage,
		OnConversationUsage: opts.OnConversationUsage,
	}
}

func (m *Manager) publishJobCompleted(job model.Job) {
	payload := []byte(fmt.Sprintf(`{"id":%q,"agent":%q,"status":%q}`, job.ID, job.Agent, job.Status))
	if err := m.bus.Publish("fleetcore.job.completed", payload); err != nil {
		m.log.Debug("failed to publish job-completed event", zap.Error(err))
	}
}

// Post implements hooks.Poster by delegating to the chat manager's adapter
// registry. It returns an error when no chat manager is configured.
func (m *Manager) Post(ctx context.Context, platform, channel, text string) error {
	if m.chat == nil {
		return fmt.Errorf("manager: no chat manager configured, cannot post to %s/%s", platform, channel)
	}
	return m.chat.PostToChannel(ctx, platform, channel, text)
}

func (m *Manager) fireSchedule(ctx context.Context, agent model.ResolvedAgent, entry model.ScheduleEntry) {
	var resume *string
	if entry.ShareSession {
		if sess, err := m.sessions.LoadAgentSession(agent.Name, session.LoadOptions{}); err == nil && sess != nil {
			id := sess.SessionID
			resume = &id
		}
	}
	_, err := m.Trigger(ctx, agent.Name, TriggerOptions{
		Prompt:       entry.Prompt,
		Resume:       resume,
		TriggerType:  model.TriggerSchedule,
		ScheduleName: entry.Name,
	})
	if err != nil {
		m.log.Warn("schedule-triggered job failed", zap.String("agent", agent.Name), zap.String("schedule", entry.Name), zap.Error(err))
	}
}

// AgentNames returns every configured agent name, for CLI listing.
func (m *Manager) AgentNames() []string {
	names := make([]string, 0, len(m.agents))
	for n := range m.agents {
		names = append(names, n)
	}
	return names
}

// Job returns the current record for id, for CLI status lookups.
func (m *Manager) Job(id string) (model.Job, error) {
	return m.jobs.GetJob(id)
}
