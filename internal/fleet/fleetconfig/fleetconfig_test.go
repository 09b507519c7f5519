package fleetconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFleet(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndValidates(t *testing.T) {
	path := writeFleet(t, `
fleet:
  agents:
    - name: helper
      model: claude-opus
      schedules:
        - name: nightly
          cron: "0 2 * * *"
`)

	agents, err := Load(path)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.PermissionDefault, agents[0].PermissionMode)
	assert.Equal(t, model.RuntimeInProcess, agents[0].Runtime)
}

func TestLoad_RejectsInvalidAgentName(t *testing.T) {
	path := writeFleet(t, `
fleet:
  agents:
    - name: "../etc"
      model: claude-opus
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsDuplicateAgentNames(t *testing.T) {
	agents := []model.ResolvedAgent{
		{Name: "helper", Model: "claude-opus"},
		{Name: "helper", Model: "claude-sonnet"},
	}
	err := Validate(agents)
	assert.ErrorContains(t, err, "duplicate agent name")
}

func TestValidate_RejectsScheduleWithNoTrigger(t *testing.T) {
	agents := []model.ResolvedAgent{
		{
			Name:      "helper",
			Schedules: []model.ScheduleEntry{{Name: "nightly"}},
		},
	}
	err := Validate(agents)
	assert.ErrorContains(t, err, "neither cron nor interval")
}

func TestValidate_RejectsChannelBoundToTwoAgents(t *testing.T) {
	agents := []model.ResolvedAgent{
		{
			Name: "helper",
			Chat: []model.ChatBinding{{
				Platform: "slack",
				Channels: []model.ChannelBinding{{Channel: "C1"}},
			}},
		},
		{
			Name: "other",
			Chat: []model.ChatBinding{{
				Platform: "slack",
				Channels: []model.ChannelBinding{{Channel: "C1"}},
			}},
		},
	}
	err := Validate(agents)
	assert.ErrorContains(t, err, "bound to both")
}

func TestValidate_RejectsInvalidMCPServerName(t *testing.T) {
	agents := []model.ResolvedAgent{
		{
			Name:       "helper",
			MCPServers: map[string]model.MCPServerConfig{"../bad": {}},
		},
	}
	err := Validate(agents)
	assert.ErrorContains(t, err, "invalid MCP server name")
}
