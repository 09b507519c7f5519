// Package fleetconfig loads and validates the declarative fleet document:
// the YAML describing each agent's model, permissions, bindings, schedules,
// and hooks. Parsing itself is deliberately thin — spec.md treats YAML
// parsing and schema validation as an external collaborator (§1) — but a
// complete repository needs one concrete loader to turn fleet.yaml into the
// []model.ResolvedAgent the fleet manager consumes.
package fleetconfig

import (
	"fmt"

	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/ikido/herdctl/internal/fleet/safepath"
	"github.com/spf13/viper"
)

// document is the top-level fleet.yaml shape.
type document struct {
	Fleet struct {
		Agents []model.ResolvedAgent `mapstructure:"agents"`
	} `mapstructure:"fleet"`
}

// Load reads and decodes the fleet document at path, then validates it.
func Load(path string) ([]model.ResolvedAgent, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fleetconfig: reading %s: %w", path, err)
	}

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("fleetconfig: decoding %s: %w", path, err)
	}

	for i := range doc.Fleet.Agents {
		applyDefaults(&doc.Fleet.Agents[i])
	}

	if err := Validate(doc.Fleet.Agents); err != nil {
		return nil, err
	}
	return doc.Fleet.Agents, nil
}

func applyDefaults(agent *model.ResolvedAgent) {
	if agent.PermissionMode == "" {
		agent.PermissionMode = model.PermissionDefault
	}
	if agent.Runtime == "" {
		agent.Runtime = model.RuntimeInProcess
	}
}

// Validate checks the fleet-wide invariants a YAML schema validator would
// otherwise enforce: unique, identifier-valid agent names; unique schedule
// names per agent; at most one agent bound to any given platform/channel
// pair; and identifier-valid MCP server names (they become container
// network service names for the container runtime, §4.5).
func Validate(agents []model.ResolvedAgent) error {
	seenNames := make(map[string]bool, len(agents))
	channelOwners := make(map[string]string) // platform/channel -> agent name

	for _, agent := range agents {
		if !safepath.IsValidIdentifier(agent.Name) {
			return fmt.Errorf("fleetconfig: agent name %q is not a valid identifier", agent.Name)
		}
		if seenNames[agent.Name] {
			return fmt.Errorf("fleetconfig: duplicate agent name %q", agent.Name)
		}
		seenNames[agent.Name] = true

		if err := validateSchedules(agent); err != nil {
			return err
		}
		if err := validateChannels(agent, channelOwners); err != nil {
			return err
		}
		if err := validateMCPServers(agent); err != nil {
			return err
		}
	}
	return nil
}

func validateSchedules(agent model.ResolvedAgent) error {
	seen := make(map[string]bool, len(agent.Schedules))
	for _, s := range agent.Schedules {
		if s.Name == "" {
			return fmt.Errorf("fleetconfig: agent %q has a schedule with no name", agent.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("fleetconfig: agent %q has duplicate schedule name %q", agent.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Cron == "" && s.Interval == "" {
			return fmt.Errorf("fleetconfig: agent %q schedule %q has neither cron nor interval", agent.Name, s.Name)
		}
	}
	return nil
}

func validateChannels(agent model.ResolvedAgent, owners map[string]string) error {
	for _, binding := range agent.Chat {
		for _, ch := range binding.Channels {
			key := binding.Platform + "/" + ch.Channel
			if owner, ok := owners[key]; ok && owner != agent.Name {
				return fmt.Errorf("fleetconfig: channel %q on platform %q is bound to both %q and %q",
					ch.Channel, binding.Platform, owner, agent.Name)
			}
			owners[key] = agent.Name
			if ch.Mode != "" && ch.Mode != "mention" && ch.Mode != "auto" {
				return fmt.Errorf("fleetconfig: agent %q channel %q has invalid mode %q", agent.Name, ch.Channel, ch.Mode)
			}
		}
	}
	return nil
}

func validateMCPServers(agent model.ResolvedAgent) error {
	for name := range agent.MCPServers {
		if !safepath.IsValidIdentifier(name) {
			return fmt.Errorf("fleetconfig: agent %q has invalid MCP server name %q", agent.Name, name)
		}
	}
	return nil
}
