// Package model defines the data types shared by every orchestration-core
// component: the resolved agent description, job records, session records,
// and the job output event sum type.
package model

import "time"

// RuntimeKind selects which runtime abstraction (C5) executes an agent's turns.
type RuntimeKind string

const (
	RuntimeInProcess RuntimeKind = "in-process"
	RuntimeContainer RuntimeKind = "container"
)

// PermissionMode mirrors the upstream AI provider's permission model.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan              PermissionMode = "plan"
)

// MCPServerConfig describes one injected MCP tool server, either reached over
// HTTP (URL) or spawned as a local command.
type MCPServerConfig struct {
	URL     string            `mapstructure:"url" json:"url,omitempty"`
	Command string            `mapstructure:"command" json:"command,omitempty"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
}

// DockerConfig is the per-agent container-runtime override (§6.3).
type DockerConfig struct {
	Enabled     bool              `mapstructure:"enabled" json:"enabled"`
	Image       string            `mapstructure:"image" json:"image,omitempty"`
	Memory      string            `mapstructure:"memory" json:"memory,omitempty"`
	Network     string            `mapstructure:"network" json:"network,omitempty"`
	Environment map[string]string `mapstructure:"environment" json:"environment,omitempty"`
	// HostConfigOverride is only ever populated from static fleet configuration,
	// never from per-message agent input (§4.5). A known accepted risk.
	HostConfigOverride map[string]any `mapstructure:"host_config" json:"host_config,omitempty"`
}

// ChannelBinding maps one chat-platform channel to a per-channel delivery mode.
type ChannelBinding struct {
	Channel         string `mapstructure:"channel" json:"channel"`
	Mode            string `mapstructure:"mode" json:"mode"` // "mention" | "auto"
	ContextMessages int    `mapstructure:"context_messages" json:"context_messages,omitempty"`
}

// ChatBinding groups channel bindings under one chat platform name (e.g. "slack").
type ChatBinding struct {
	Platform string           `mapstructure:"platform" json:"platform"`
	Channels []ChannelBinding `mapstructure:"channels" json:"channels"`
}

// ScheduleEntry is one time-based trigger for an agent (C9).
type ScheduleEntry struct {
	Name           string `mapstructure:"name" json:"name"`
	Interval       string `mapstructure:"interval" json:"interval,omitempty"` // Go duration string
	Cron           string `mapstructure:"cron" json:"cron,omitempty"`
	Prompt         string `mapstructure:"prompt" json:"prompt"`
	ShareSession   bool   `mapstructure:"share_session" json:"share_session"`
}

// Hook is one post-run side effect (C9).
type Hook struct {
	Kind     string   `mapstructure:"kind" json:"kind"` // "shell" | "<platform>"
	Command  string   `mapstructure:"command" json:"command,omitempty"`
	Args     []string `mapstructure:"args" json:"args,omitempty"`
	Channel  string   `mapstructure:"channel" json:"channel,omitempty"`
	Platform string   `mapstructure:"platform" json:"platform,omitempty"`
	When     string   `mapstructure:"when" json:"when,omitempty"`
}

// SessionPolicy configures agent-level session expiry.
type SessionPolicy struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// ResolvedAgent is the immutable-after-load description of one agent.
type ResolvedAgent struct {
	Name             string                     `mapstructure:"name" json:"name"`
	WorkingDirectory string                     `mapstructure:"working_directory" json:"working_directory,omitempty"`
	Model            string                     `mapstructure:"model" json:"model,omitempty"`
	PermissionMode   PermissionMode             `mapstructure:"permission_mode" json:"permission_mode"`
	AllowedTools     []string                   `mapstructure:"allowed_tools" json:"allowed_tools,omitempty"`
	DeniedTools      []string                   `mapstructure:"denied_tools" json:"denied_tools,omitempty"`
	AllowedBash      []string                   `mapstructure:"allowed_bash" json:"allowed_bash,omitempty"`
	DeniedBash       []string                   `mapstructure:"denied_bash" json:"denied_bash,omitempty"`
	SystemPrompt     string                     `mapstructure:"system_prompt" json:"system_prompt,omitempty"`
	SettingSources   []string                   `mapstructure:"setting_sources" json:"setting_sources,omitempty"`
	MCPServers       map[string]MCPServerConfig `mapstructure:"mcp_servers" json:"mcp_servers,omitempty"`
	MaxTurns         int                        `mapstructure:"max_turns" json:"max_turns,omitempty"`
	SessionPolicy    *SessionPolicy             `mapstructure:"session_policy" json:"session_policy,omitempty"`
	Runtime          RuntimeKind                `mapstructure:"runtime" json:"runtime"`
	Docker           *DockerConfig              `mapstructure:"docker" json:"docker,omitempty"`
	Chat             []ChatBinding              `mapstructure:"chat" json:"chat,omitempty"`
	Schedules        []ScheduleEntry            `mapstructure:"schedules" json:"schedules,omitempty"`
	Hooks            []Hook                     `mapstructure:"hooks" json:"hooks,omitempty"`
	// MaxConcurrentJobs caps how many turns for this agent may run at once.
	// Zero (the default) leaves concurrency unbounded, matching the
	// observed behavior of the source system (§9 Open Questions).
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs" json:"max_concurrent_jobs,omitempty"`
}

// EffectiveSettingSources implements the §6.3 default rule: explicit value wins;
// otherwise ["project"] when a working directory is set, [] when it is not.
func (a *ResolvedAgent) EffectiveSettingSources() []string {
	if a.SettingSources != nil {
		return a.SettingSources
	}
	if a.WorkingDirectory != "" {
		return []string{"project"}
	}
	return []string{}
}

// EffectiveRuntime defaults to in-process when unset.
func (a *ResolvedAgent) EffectiveRuntime() RuntimeKind {
	if a.Runtime == "" {
		return RuntimeInProcess
	}
	return a.Runtime
}

// BashToolPatterns expands allowed/denied bash command lists into the
// provider's `Bash(command *)` / `Bash(pattern)` pattern strings.
func (a *ResolvedAgent) BashToolPatterns() (allowed, denied []string) {
	for _, cmd := range a.AllowedBash {
		if cmd == "*" {
			allowed = append(allowed, "Bash(command *)")
		} else {
			allowed = append(allowed, "Bash("+cmd+")")
		}
	}
	for _, cmd := range a.DeniedBash {
		if cmd == "*" {
			denied = append(denied, "Bash(command *)")
		} else {
			denied = append(denied, "Bash("+cmd+")")
		}
	}
	return allowed, denied
}
