package session

import (
	"testing"

	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/stretchr/testify/require"
)

func newTestConversationStore(t *testing.T) *ConversationStore {
	t.Helper()
	return NewConversationStore(t.TempDir(), "slack", logger.Default())
}

func TestConversationStore_Isolation(t *testing.T) {
	cs := newTestConversationStore(t)

	require.NoError(t, cs.SetConversationSession("assistant", "T1", "S1"))
	require.NoError(t, cs.SetConversationSession("assistant", "T2", "S2"))

	require.NoError(t, cs.UpdateContextUsage("assistant", "T1", model.Usage{InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, cs.UpdateContextUsage("assistant", "T2", model.Usage{InputTokens: 100, OutputTokens: 50}))

	r1, err := cs.GetConversation("assistant", "T1")
	require.NoError(t, err)
	r2, err := cs.GetConversation("assistant", "T2")
	require.NoError(t, err)

	require.Equal(t, "S1", r1.SessionID)
	require.Equal(t, "S2", r2.SessionID)
	require.EqualValues(t, 10, r1.ContextUsage.InputTokens)
	require.EqualValues(t, 100, r2.ContextUsage.InputTokens)
}

func TestConversationStore_AccumulatesTokens(t *testing.T) {
	cs := newTestConversationStore(t)

	deltas := []model.Usage{
		{InputTokens: 100, OutputTokens: 10},
		{InputTokens: 150, OutputTokens: 20},
		{InputTokens: 200, OutputTokens: 30},
		{InputTokens: 250, OutputTokens: 40},
		{InputTokens: 300, OutputTokens: 50},
	}
	for _, d := range deltas {
		require.NoError(t, cs.UpdateContextUsage("assistant", "T1", d))
		require.NoError(t, cs.IncrementMessageCount("assistant", "T1"))
	}

	rec, err := cs.GetConversation("assistant", "T1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, rec.ContextUsage.InputTokens)
	require.EqualValues(t, 150, rec.ContextUsage.OutputTokens)
	require.EqualValues(t, 1150, rec.ContextUsage.TotalTokens)
	require.Equal(t, 5, rec.MessageCount)
}

func TestConversationStore_GetOrCreateIsNewOnlyOnce(t *testing.T) {
	cs := newTestConversationStore(t)

	_, isNew, err := cs.GetOrCreateConversation("assistant", "T1")
	require.NoError(t, err)
	require.True(t, isNew)

	_, isNew, err = cs.GetOrCreateConversation("assistant", "T1")
	require.NoError(t, err)
	require.False(t, isNew)
}

func TestConversationStore_SetSessionResetsCountersOnlyOnChange(t *testing.T) {
	cs := newTestConversationStore(t)

	require.NoError(t, cs.SetConversationSession("assistant", "T1", "S1"))
	require.NoError(t, cs.UpdateContextUsage("assistant", "T1", model.Usage{InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, cs.IncrementMessageCount("assistant", "T1"))

	// Same session ID (a resume): counters must survive untouched.
	require.NoError(t, cs.SetConversationSession("assistant", "T1", "S1"))
	rec, err := cs.GetConversation("assistant", "T1")
	require.NoError(t, err)
	require.EqualValues(t, 10, rec.ContextUsage.InputTokens)
	require.Equal(t, 1, rec.MessageCount)

	// A new session ID (e.g. expiry recovery): counters reset.
	require.NoError(t, cs.SetConversationSession("assistant", "T1", "S2"))
	rec, err = cs.GetConversation("assistant", "T1")
	require.NoError(t, err)
	require.Equal(t, "S2", rec.SessionID)
	require.EqualValues(t, 0, rec.ContextUsage.InputTokens)
	require.Equal(t, 0, rec.MessageCount)
}

func TestConversationStore_ResetClearsRecord(t *testing.T) {
	cs := newTestConversationStore(t)
	require.NoError(t, cs.SetConversationSession("assistant", "T1", "S1"))
	require.NoError(t, cs.ResetConversation("assistant", "T1"))

	rec, err := cs.GetConversation("assistant", "T1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestConversationSession_MigrationIsIdempotentAndPreservesData(t *testing.T) {
	cs := model.ConversationSession{
		Version:   2,
		AgentName: "assistant",
		Channels: map[string]*model.ConversationRecord{
			"T1": {SessionID: "S1", MessageCount: 3},
		},
	}
	changed := cs.Migrate()
	require.True(t, changed)
	require.Equal(t, model.ConversationSchemaVersion, cs.Version)
	require.Equal(t, "S1", cs.Channels["T1"].SessionID)
	require.Equal(t, 3, cs.Channels["T1"].MessageCount)

	changedAgain := cs.Migrate()
	require.False(t, changedAgain)
}
