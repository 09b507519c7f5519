package session

import (
	"errors"
	"testing"
	"time"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), logger.Default())
}

func TestStore_UpdateThenLoad(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateAgentSession("assistant", func(sess *model.AgentSession) {
		sess.SessionID = "S1"
		sess.LastUsedAt = time.Now()
		sess.RuntimeType = model.RuntimeInProcess
	})
	require.NoError(t, err)

	sess, err := s.LoadAgentSession("assistant", LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Equal(t, "S1", sess.SessionID)
}

func TestStore_ExpiredSessionIsClearedAndReturnsNil(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateAgentSession("assistant", func(sess *model.AgentSession) {
		sess.SessionID = "S1"
		sess.LastUsedAt = time.Now().Add(-48 * time.Hour)
	})
	require.NoError(t, err)

	sess, err := s.LoadAgentSession("assistant", LoadOptions{Timeout: 24 * time.Hour})
	require.NoError(t, err)
	require.Nil(t, sess)

	sess, err = s.LoadAgentSession("assistant", LoadOptions{})
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestStore_RuntimeMismatchClears(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateAgentSession("assistant", func(sess *model.AgentSession) {
		sess.SessionID = "S1"
		sess.LastUsedAt = time.Now()
		sess.RuntimeType = model.RuntimeInProcess
	})
	require.NoError(t, err)

	sess, err := s.LoadAgentSession("assistant", LoadOptions{CheckRuntime: true, Runtime: model.RuntimeContainer})
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestValidateWorkingDirectory(t *testing.T) {
	sess := &model.AgentSession{WorkingDirectory: "/ws"}
	require.True(t, ValidateWorkingDirectory(sess, "/ws").Valid)
	require.False(t, ValidateWorkingDirectory(sess, "/other").Valid)

	empty := &model.AgentSession{}
	require.True(t, ValidateWorkingDirectory(empty, "/anything").Valid)
}

func TestIsSessionExpiredError(t *testing.T) {
	require.True(t, IsSessionExpiredError(errors.New("Session Not Found")))
	require.True(t, IsSessionExpiredError(errors.New("upstream: session expired")))
	require.True(t, IsSessionExpiredError(ErrSessionExpired))
	require.False(t, IsSessionExpiredError(errors.New("network timeout")))
	require.False(t, IsSessionExpiredError(nil))
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.ClearAgentSession("never-existed"))
	require.NoError(t, s.ClearAgentSession("never-existed"))
}
