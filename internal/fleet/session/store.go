// Package session implements the session store (C2): atomic, race-safe
// persistence of per-agent and per-conversation session records under a
// state directory, with expiry, runtime-context, and working-directory
// invariants enforced per §4.2.
package session

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/atomicfile"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/safepath"
	"go.uber.org/zap"
)

const fileSuffix = ".json"

// LoadOptions parameterize load_agent_session's expiry and runtime checks.
type LoadOptions struct {
	Timeout      time.Duration // zero means no expiry check
	Runtime      model.RuntimeKind
	CheckRuntime bool
}

// ValidationResult is returned by validate_working_directory /
// validate_runtime_context.
type ValidationResult struct {
	Valid   bool
	Message string
}

// Store persists AgentSession records, one file per agent, under
// <stateDir>/sessions/<agent>.json. It is safe for concurrent use by the job
// executor and the chat manager (the two owners named in §3's Ownership
// section): every write is serialized per agent by a dedicated mutex, and an
// in-memory cache is kept in sync with every write for read-after-write
// consistency within the process (§4.2 cache policy).
type Store struct {
	stateDir string
	log      *logger.Logger

	mu    sync.Mutex // guards locks and cache maps themselves
	locks map[string]*sync.Mutex
	cache map[string]*model.AgentSession
}

// NewStore returns a Store rooted at <stateDir>/sessions.
func NewStore(stateDir string, log *logger.Logger) *Store {
	return &Store{
		stateDir: stateDir,
		log:      log.WithFields(zap.String("component", "session_store")),
		locks:    make(map[string]*sync.Mutex),
		cache:    make(map[string]*model.AgentSession),
	}
}

func (s *Store) lockFor(agent string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agent]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agent] = l
	}
	return l
}

func (s *Store) path(agent string) (string, error) {
	return safepath.BuildSafePath(s.stateDir, []string{"sessions", agent}, fileSuffix)
}

// LoadAgentSession returns the session if present, not expired, and whose
// runtime_type matches opts.Runtime (when opts.CheckRuntime is set). If
// expired or runtime-mismatched, the record is atomically removed and nil is
// returned.
func (s *Store) LoadAgentSession(agent string, opts LoadOptions) (*model.AgentSession, error) {
	lock := s.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.readLocked(agent)
	if err != nil || sess == nil {
		return nil, err
	}

	if opts.Timeout > 0 && time.Since(sess.LastUsedAt) > opts.Timeout {
		s.log.Debug("agent session expired, clearing", zap.String("agent", agent))
		if err := s.clearLocked(agent); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if opts.CheckRuntime && sess.RuntimeType != opts.Runtime {
		s.log.Debug("agent session runtime mismatch, clearing",
			zap.String("agent", agent),
			zap.String("session_runtime", string(sess.RuntimeType)),
			zap.String("requested_runtime", string(opts.Runtime)))
		if err := s.clearLocked(agent); err != nil {
			return nil, err
		}
		return nil, nil
	}

	cp := *sess
	return &cp, nil
}

// UpdateAgentSession atomically upserts fields onto the agent's session
// record, creating it if absent.
func (s *Store) UpdateAgentSession(agent string, mutate func(sess *model.AgentSession)) error {
	lock := s.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.readLocked(agent)
	if err != nil {
		return err
	}
	if sess == nil {
		sess = &model.AgentSession{}
	}
	mutate(sess)

	return s.writeLocked(agent, sess)
}

// ClearAgentSession idempotently removes the agent's session record.
func (s *Store) ClearAgentSession(agent string) error {
	lock := s.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()
	return s.clearLocked(agent)
}

func (s *Store) clearLocked(agent string) error {
	p, err := s.path(agent)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, agent)
	s.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return &atomicfile.StateWriteError{Path: p, Err: err}
	}
	return nil
}

func (s *Store) readLocked(agent string) (*model.AgentSession, error) {
	s.mu.Lock()
	if cached, ok := s.cache[agent]; ok {
		cp := *cached
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	p, err := s.path(agent)
	if err != nil {
		return nil, err
	}
	data, ok, err := atomicfile.Read(p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var sess model.AgentSession
	if err := json.Unmarshal(data, &sess); err != nil {
		s.log.Warn("discarding unreadable agent session file", zap.String("agent", agent), zap.Error(err))
		return nil, nil
	}

	s.mu.Lock()
	cp := sess
	s.cache[agent] = &cp
	s.mu.Unlock()
	return &sess, nil
}

func (s *Store) writeLocked(agent string, sess *model.AgentSession) error {
	p, err := s.path(agent)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicfile.Write(p, data, 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	cp := *sess
	s.cache[agent] = &cp
	s.mu.Unlock()
	return nil
}

// ValidateWorkingDirectory is valid iff session.WorkingDirectory equals
// currentWD, or the session has none recorded.
func ValidateWorkingDirectory(sess *model.AgentSession, currentWD string) ValidationResult {
	if sess.WorkingDirectory == "" || sess.WorkingDirectory == currentWD {
		return ValidationResult{Valid: true}
	}
	return ValidationResult{
		Valid:   false,
		Message: "session working directory does not match current working directory",
	}
}

// ValidateRuntimeContext is valid iff both runtime kind and docker_enabled match.
func ValidateRuntimeContext(sess *model.AgentSession, runtime model.RuntimeKind, dockerEnabled bool) ValidationResult {
	if sess.RuntimeType == runtime && sess.DockerEnabled == dockerEnabled {
		return ValidationResult{Valid: true}
	}
	return ValidationResult{
		Valid:   false,
		Message: "session runtime context does not match current runtime configuration",
	}
}

// IsSessionExpiredError recognizes upstream-provider error messages that
// indicate the server-side session no longer exists.
func IsSessionExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if err == ErrSessionExpired {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range expiredMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
