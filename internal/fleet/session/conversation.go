package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/atomicfile"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/safepath"
	"go.uber.org/zap"
)

// ConversationStore persists one ConversationSession per (platform, agent)
// pair at <stateDir>/<platform>-sessions/<agent>.json, keyed internally by
// conversation key (thread id or channel id). Isolation (§3) is enforced by
// construction: every accessor takes a key and only ever touches that key's
// ConversationRecord inside the shared file.
type ConversationStore struct {
	stateDir string
	platform string
	log      *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per agent
	cache map[string]*model.ConversationSession
}

// NewConversationStore returns a ConversationStore for one chat platform.
func NewConversationStore(stateDir, platform string, log *logger.Logger) *ConversationStore {
	return &ConversationStore{
		stateDir: stateDir,
		platform: platform,
		log:      log.WithFields(zap.String("component", "conversation_store"), zap.String("platform", platform)),
		locks:    make(map[string]*sync.Mutex),
		cache:    make(map[string]*model.ConversationSession),
	}
}

func (c *ConversationStore) lockFor(agent string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[agent]
	if !ok {
		l = &sync.Mutex{}
		c.locks[agent] = l
	}
	return l
}

func (c *ConversationStore) path(agent string) (string, error) {
	return safepath.BuildSafePath(c.stateDir, []string{c.platform + "-sessions", agent}, ".json")
}

func (c *ConversationStore) readLocked(agent string) (*model.ConversationSession, error) {
	c.mu.Lock()
	if cached, ok := c.cache[agent]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	p, err := c.path(agent)
	if err != nil {
		return nil, err
	}
	data, ok, err := atomicfile.Read(p)
	if err != nil {
		return nil, err
	}
	if !ok {
		cs := model.NewConversationSession(agent)
		c.storeCache(agent, cs)
		return cs, nil
	}

	var cs model.ConversationSession
	if err := json.Unmarshal(data, &cs); err != nil {
		c.log.Warn("discarding unreadable conversation session file", zap.String("agent", agent), zap.Error(err))
		cs2 := model.NewConversationSession(agent)
		c.storeCache(agent, cs2)
		return cs2, nil
	}

	if cs.Migrate() {
		if err := c.writeLocked(agent, &cs); err != nil {
			return nil, err
		}
	} else {
		c.storeCache(agent, &cs)
	}
	return &cs, nil
}

func (c *ConversationStore) storeCache(agent string, cs *model.ConversationSession) {
	c.mu.Lock()
	c.cache[agent] = cs
	c.mu.Unlock()
}

func (c *ConversationStore) writeLocked(agent string, cs *model.ConversationSession) error {
	p, err := c.path(agent)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicfile.Write(p, data, 0o644); err != nil {
		return err
	}
	c.storeCache(agent, cs)
	return nil
}

// GetOrCreateConversation returns the record for key, creating an empty one
// (is_new = true) if absent.
func (c *ConversationStore) GetOrCreateConversation(agent, key string) (*model.ConversationRecord, bool, error) {
	lock := c.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	cs, err := c.readLocked(agent)
	if err != nil {
		return nil, false, err
	}
	if rec, ok := cs.Channels[key]; ok {
		cp := *rec
		return &cp, false, nil
	}

	rec := &model.ConversationRecord{SessionStartedAt: time.Now()}
	cs.Channels[key] = rec
	if err := c.writeLocked(agent, cs); err != nil {
		return nil, false, err
	}
	cp := *rec
	return &cp, true, nil
}

// GetConversation returns the record for key, or nil if none exists.
func (c *ConversationStore) GetConversation(agent, key string) (*model.ConversationRecord, error) {
	lock := c.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	cs, err := c.readLocked(agent)
	if err != nil {
		return nil, err
	}
	rec, ok := cs.Channels[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// TouchConversation bumps last_message_at for key to now.
func (c *ConversationStore) TouchConversation(agent, key string) error {
	return c.mutate(agent, key, func(rec *model.ConversationRecord) {
		rec.LastMessageAt = time.Now()
	})
}

// SetConversationSession assigns an upstream session ID to key, starting its
// session clock. When sessionID differs from the record's current one (e.g.
// server-session-expiry recovery handing back a fresh session), the
// per-conversation token/message counters reset with it (§8 scenario 4); a
// same-ID resume (§8 scenario 2) leaves them untouched.
func (c *ConversationStore) SetConversationSession(agent, key, sessionID string) error {
	return c.mutate(agent, key, func(rec *model.ConversationRecord) {
		if rec.SessionID == sessionID {
			return
		}
		rec.SessionID = sessionID
		rec.SessionStartedAt = time.Now()
		rec.ContextUsage = model.ContextUsage{}
		rec.MessageCount = 0
	})
}

// ResetConversation clears key's record entirely (the !reset command), so
// the next message starts a fresh session with zeroed counters.
func (c *ConversationStore) ResetConversation(agent, key string) error {
	lock := c.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	cs, err := c.readLocked(agent)
	if err != nil {
		return err
	}
	delete(cs.Channels, key)
	return c.writeLocked(agent, cs)
}

// UpdateContextUsage accumulates input/output token deltas onto key's
// counters. It never replaces prior totals — this is the accumulation
// invariant named in §4.2 and §8.
func (c *ConversationStore) UpdateContextUsage(agent, key string, usage model.Usage) error {
	return c.mutate(agent, key, func(rec *model.ConversationRecord) {
		rec.ContextUsage.InputTokens += usage.InputTokens
		rec.ContextUsage.OutputTokens += usage.OutputTokens
		rec.ContextUsage.TotalTokens += usage.InputTokens + usage.OutputTokens
		if usage.ContextWindow > 0 {
			rec.ContextUsage.ContextWindow = usage.ContextWindow
		}
		rec.ContextUsage.LastUpdated = time.Now()
	})
}

// IncrementMessageCount bumps key's message_count by one.
func (c *ConversationStore) IncrementMessageCount(agent, key string) error {
	return c.mutate(agent, key, func(rec *model.ConversationRecord) {
		rec.MessageCount++
	})
}

// SetAgentConfig refreshes key's agent-config snapshot. Called on every turn
// (not only at session creation) so !status reflects the current
// configuration on resumed sessions too (§4.8).
func (c *ConversationStore) SetAgentConfig(agent, key string, snapshot model.AgentConfigSnapshot) error {
	return c.mutate(agent, key, func(rec *model.ConversationRecord) {
		rec.AgentConfigSnapshot = snapshot
	})
}

func (c *ConversationStore) mutate(agent, key string, fn func(rec *model.ConversationRecord)) error {
	lock := c.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	cs, err := c.readLocked(agent)
	if err != nil {
		return err
	}
	rec, ok := cs.Channels[key]
	if !ok {
		rec = &model.ConversationRecord{SessionStartedAt: time.Now()}
		cs.Channels[key] = rec
	}
	fn(rec)
	return c.writeLocked(agent, cs)
}

// CleanupExpiredForAgent removes every conversation record of one agent on
// this platform whose last_message_at is older than now.Add(-timeout),
// returning the count removed. It sweeps only the named agent; the caller
// that knows the fleet's agent names calls it once per agent.
func (c *ConversationStore) CleanupExpiredForAgent(agent string, now time.Time, timeout time.Duration) (int, error) {
	lock := c.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	cs, err := c.readLocked(agent)
	if err != nil {
		return 0, err
	}

	removed := 0
	for key, rec := range cs.Channels {
		if now.Sub(rec.LastMessageAt) > timeout {
			delete(cs.Channels, key)
			removed++
		}
	}
	if removed > 0 {
		if err := c.writeLocked(agent, cs); err != nil {
			return 0, err
		}
	}
	return removed, nil
}
