package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/common/config"
	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/runtime"
	"github.com/ikido/herdctl/internal/fleet/session"
	"go.uber.org/zap"
)

const (
	modeMention = "mention"
	modeAuto    = "auto"

	processingEmoji = "eyes"
)

// routeEntry is one channel's static routing target, resolved at
// Initialize from every agent's chat bindings.
type routeEntry struct {
	agent model.ResolvedAgent
	mode  string
}

// threadSlot serializes turns on one conversation key: at most one turn
// runs at a time per key (§5 ordering guarantee); a second inbound event
// arriving mid-turn is queued in arrival order rather than run concurrently
// or dropped.
type threadSlot struct {
	mu     sync.Mutex
	busy   bool
	queued []InboundEvent
}

// Deps bundles the chat manager's collaborators.
type Deps struct {
	Config   config.ChatConfig
	StateDir string
	Agents   []model.ResolvedAgent
	Trigger  TriggerFunc
	Log      *logger.Logger
}

// Manager operates one shared connection per configured chat platform,
// routing inbound events to the right agent and streaming replies back
// (§4.8). There is exactly one Manager per fleet, owning every platform
// adapter the fleet's agents bind to.
type Manager struct {
	cfg      config.ChatConfig
	trigger  TriggerFunc
	log      *logger.Logger
	adapters map[string]ChatAdapter // platform -> adapter
	stores   map[string]*session.ConversationStore
	routes   map[string]map[string]routeEntry // platform -> channel -> route

	startedAt time.Time

	mu    sync.Mutex
	slots map[string]*threadSlot // "platform/agent/key" -> slot
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewManager builds a Manager bound to adapters. Each adapter's Platform()
// must be unique; agents whose chat bindings name a platform with no
// matching adapter are simply never routed to (a configuration mismatch,
// not a fatal error, since adapters are optional build-time collaborators).
func NewManager(deps Deps, adapters ...ChatAdapter) (*Manager, error) {
	m := &Manager{
		cfg:      deps.Config,
		trigger:  deps.Trigger,
		log:      deps.Log.WithFields(zap.String("component", "chat_manager")),
		adapters: make(map[string]ChatAdapter),
		stores:   make(map[string]*session.ConversationStore),
		routes:   make(map[string]map[string]routeEntry),
		slots:    make(map[string]*threadSlot),
		done:     make(chan struct{}),
	}

	for _, a := range adapters {
		m.adapters[a.Platform()] = a
		m.stores[a.Platform()] = session.NewConversationStore(deps.StateDir, a.Platform(), deps.Log)
	}

	for _, agent := range deps.Agents {
		for _, binding := range agent.Chat {
			if _, ok := m.adapters[binding.Platform]; !ok {
				continue
			}
			if m.routes[binding.Platform] == nil {
				m.routes[binding.Platform] = make(map[string]routeEntry)
			}
			for _, ch := range binding.Channels {
				mode := ch.Mode
				if mode == "" {
					mode = modeMention
				}
				m.routes[binding.Platform][ch.Channel] = routeEntry{agent: agent, mode: mode}
			}
		}
	}

	return m, nil
}

// Start connects every adapter, sweeps expired conversation sessions for
// every bound agent, and begins consuming inbound events.
func (m *Manager) Start(ctx context.Context) error {
	m.startedAt = time.Now()

	for platform, routes := range m.routes {
		for _, r := range routes {
			timeout := m.cfg.SessionTimeout
			if r.agent.SessionPolicy != nil && r.agent.SessionPolicy.Timeout > 0 {
				timeout = r.agent.SessionPolicy.Timeout
			}
			if timeout <= 0 {
				continue
			}
			if n, err := m.stores[platform].CleanupExpiredForAgent(r.agent.Name, time.Now(), timeout); err != nil {
				m.log.Warn("conversation cleanup failed", zap.String("platform", platform), zap.String("agent", r.agent.Name), zap.Error(err))
			} else if n > 0 {
				m.log.Info("cleaned up expired conversations", zap.String("agent", r.agent.Name), zap.Int("count", n))
			}
		}
	}

	for platform, adapter := range m.adapters {
		inbound, control, err := adapter.Connect(ctx)
		if err != nil {
			return fmt.Errorf("chat: connecting %s adapter: %w", platform, err)
		}
		m.wg.Add(2)
		go m.consumeInbound(adapter, inbound)
		go m.consumeControl(platform, control)
	}
	return nil
}

// Stop disconnects every adapter and waits for their consumer goroutines to
// exit.
func (m *Manager) Stop() {
	close(m.done)
	for _, a := range m.adapters {
		_ = a.Close()
	}
	m.wg.Wait()
}

func (m *Manager) consumeControl(platform string, control <-chan ControlEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-control:
			if !ok {
				return
			}
			switch ev.Kind {
			case ControlError:
				m.log.Warn("chat adapter error", zap.String("platform", platform), zap.Error(ev.Err))
			case ControlDisconnect:
				m.log.Warn("chat adapter disconnected", zap.String("platform", platform))
			case ControlReady:
				m.log.Info("chat adapter ready", zap.String("platform", platform))
			}
		}
	}
}

func (m *Manager) consumeInbound(adapter ChatAdapter, inbound <-chan InboundEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-inbound:
			if !ok {
				return
			}
			m.handleInbound(adapter, ev)
		}
	}
}

// slotFor returns the per-(agent,key) serialization slot, creating it if
// absent.
func (m *Manager) slotFor(platform, agent, key string) *threadSlot {
	id := platform + "/" + agent + "/" + key
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		s = &threadSlot{}
		m.slots[id] = s
	}
	return s
}

// handleInbound implements the routing, mode-gating, and per-thread
// serialization described in §4.8. Adapters forward every message they
// receive; an event whose channel is absent from this platform's routing
// table is dropped here.
func (m *Manager) handleInbound(adapter ChatAdapter, ev InboundEvent) {
	routes := m.routes[ev.Platform]
	if routes == nil {
		return
	}
	route, ok := routes[ev.Channel]
	if !ok {
		return
	}

	if route.mode == modeMention && !ev.IsThreadReply && !ev.MentionsBot {
		return
	}

	key := ev.Channel
	if ev.IsThreadReply && ev.Thread != "" {
		key = ev.Thread
	}

	slot := m.slotFor(ev.Platform, route.agent.Name, key)
	slot.mu.Lock()
	if slot.busy {
		slot.queued = append(slot.queued, ev)
		slot.mu.Unlock()
		return
	}
	slot.busy = true
	slot.mu.Unlock()

	go m.drainSlot(adapter, route, key, slot, ev)
}

// drainSlot processes ev and then everything queued behind it before
// releasing the slot, preserving arrival order without letting two turns on
// the same conversation key run concurrently.
func (m *Manager) drainSlot(adapter ChatAdapter, route routeEntry, key string, slot *threadSlot, first InboundEvent) {
	current := first
	for {
		m.processTurn(adapter, route, key, current)

		slot.mu.Lock()
		if len(slot.queued) == 0 {
			slot.busy = false
			slot.mu.Unlock()
			return
		}
		current = slot.queued[0]
		slot.queued = slot.queued[1:]
		slot.mu.Unlock()
	}
}

// processTurn handles commands, then non-command turns: resolve the
// conversation, invoke the fleet manager's Trigger, and stream the reply.
func (m *Manager) processTurn(adapter ChatAdapter, route routeEntry, key string, ev InboundEvent) {
	store := m.stores[ev.Platform]
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	if cmd, _, ok := ParseCommand(ev.Text, m.commandPrefix()); ok {
		m.handleCommand(ctx, adapter, store, route, key, ev, cmd)
		return
	}

	rec, isNew, err := store.GetOrCreateConversation(route.agent.Name, key)
	if err != nil {
		m.log.Warn("failed to load conversation record", zap.Error(err))
		return
	}

	snapshot := model.AgentConfigSnapshot{
		Model:          route.agent.Model,
		PermissionMode: string(route.agent.PermissionMode),
		MCPServerNames: mcpServerNames(route.agent),
	}
	if err := store.SetAgentConfig(route.agent.Name, key, snapshot); err != nil {
		m.log.Warn("failed to snapshot agent config", zap.Error(err))
	}

	var resume *string
	if !isNew && rec.SessionID != "" {
		id := rec.SessionID
		resume = &id
	}

	_ = adapter.SetTyping(ctx, ev.Channel)
	var reactionTarget string
	if ev.MessageID != "" {
		if err := adapter.React(ctx, ev.Channel, ev.MessageID, processingEmoji); err == nil {
			reactionTarget = ev.MessageID
		}
	}
	defer func() {
		if reactionTarget != "" {
			_ = adapter.RemoveReaction(ctx, ev.Channel, reactionTarget, processingEmoji)
		}
	}()

	responder := NewStreamingResponder(adapter, m.formatterFor(ev.Platform), ev.Channel, ev.Thread, m.log)
	var newSessionID string

	var toolServers []runtime.ToolServer
	if route.agent.WorkingDirectory != "" {
		threadParent := ev.Thread
		toolServers = append(toolServers, runtime.NewUploadToolServer(route.agent.WorkingDirectory,
			func(uploadCtx context.Context, filename string, data []byte) (string, error) {
				return adapter.UploadFile(uploadCtx, ev.Channel, threadParent, filename, data)
			}))
	}

	var streamedPartial bool
	_, err = m.trigger(ctx, route.agent.Name, TriggerRequest{
		Prompt:              ev.Text,
		Resume:              resume,
		TriggerType:         model.TriggerChat(ev.Platform),
		InjectedToolServers: toolServers,
		OnMessage: func(pe model.ProcessedEvent) {
			if pe.SessionID != "" {
				newSessionID = pe.SessionID
			}
			if pe.Output.Kind == model.EventAssistant && pe.Output.Content != "" {
				// A non-partial assistant message carries the full,
				// already-streamed text when deltas preceded it — only
				// append it when no deltas arrived for this turn, so the
				// reply isn't duplicated.
				if pe.Output.Partial {
					streamedPartial = true
					responder.Append(pe.Output.Content)
				} else if !streamedPartial {
					responder.Append(pe.Output.Content)
				}
				if !pe.Output.Partial {
					streamedPartial = false
					if err := responder.Flush(ctx); err != nil {
						m.log.Warn("failed to flush streamed reply", zap.Error(err))
					}
				}
			}
		},
		OnConversationUsage: func(u model.Usage) {
			if err := store.UpdateContextUsage(route.agent.Name, key, u); err != nil {
				m.log.Warn("failed to accumulate conversation token usage", zap.Error(err))
			}
		},
	})

	if ferr := responder.Flush(ctx); ferr != nil {
		m.log.Warn("failed to flush final reply chunk", zap.Error(ferr))
	}

	if err := store.IncrementMessageCount(route.agent.Name, key); err != nil {
		m.log.Warn("failed to increment conversation message count", zap.Error(err))
	}
	if err := store.TouchConversation(route.agent.Name, key); err != nil {
		m.log.Warn("failed to touch conversation", zap.Error(err))
	}
	if newSessionID != "" {
		if err := store.SetConversationSession(route.agent.Name, key, newSessionID); err != nil {
			m.log.Warn("failed to persist conversation session id", zap.Error(err))
		}
	}

	if err != nil {
		m.log.Warn("chat-triggered job failed", zap.String("agent", route.agent.Name), zap.Error(err))
		_, _ = adapter.Post(ctx, ev.Channel, responder.ThreadID(), "Sorry, something went wrong running that turn.")
	}
}

func (m *Manager) handleCommand(ctx context.Context, adapter ChatAdapter, store *session.ConversationStore, route routeEntry, key string, ev InboundEvent, cmd string) {
	switch strings.ToLower(cmd) {
	case CmdReset:
		if err := store.ResetConversation(route.agent.Name, key); err != nil {
			m.log.Warn("failed to reset conversation", zap.Error(err))
			return
		}
		_, _ = adapter.Post(ctx, ev.Channel, ev.Thread, "Session reset. The next message starts a fresh conversation.")
	case CmdStatus:
		rec, err := store.GetConversation(route.agent.Name, key)
		if err != nil {
			m.log.Warn("failed to load conversation for status", zap.Error(err))
			return
		}
		_, _ = adapter.Post(ctx, ev.Channel, ev.Thread, StatusBlock(true, time.Since(m.startedAt), rec))
	case CmdHelp:
		_, _ = adapter.Post(ctx, ev.Channel, ev.Thread, HelpText(m.commandPrefix()))
	default:
		_, _ = adapter.Post(ctx, ev.Channel, ev.Thread, fmt.Sprintf("Unknown command %q. Try %shelp.", cmd, m.commandPrefix()))
	}
}

func (m *Manager) commandPrefix() string {
	if m.cfg.CommandPrefix == "" {
		return "!"
	}
	return m.cfg.CommandPrefix
}

func (m *Manager) formatterFor(platform string) Formatter {
	maxChars := m.cfg.MaxMessageChars
	switch platform {
	default:
		return NewSlackFormatter(maxChars)
	}
}

func mcpServerNames(agent model.ResolvedAgent) []string {
	names := make([]string, 0, len(agent.MCPServers))
	for name := range agent.MCPServers {
		names = append(names, name)
	}
	return names
}

// PostToChannel implements hooks.Poster's delegate target: posting a
// standalone message (not part of any turn) to a named channel on a named
// platform, used by chat-post hooks (§4.9).
func (m *Manager) PostToChannel(ctx context.Context, platform, channel, text string) error {
	adapter, ok := m.adapters[platform]
	if !ok {
		return fmt.Errorf("chat: no adapter configured for platform %q", platform)
	}
	_, err := adapter.Post(ctx, channel, "", text)
	return err
}

const turnTimeout = 30 * time.Minute
