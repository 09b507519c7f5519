// Package config provides configuration management for the fleet orchestration core.
// It supports loading configuration from environment variables, config files, and defaults.
//
// Fleet and agent definitions themselves (the YAML describing each agent's model,
// permissions, and bindings) are parsed by a layer outside this package's scope; this
// package only covers the ambient runtime surface the core needs regardless of which
// fleet is loaded: where state lives, how the Docker sibling-container runtime connects,
// default session/hook timeouts, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestration core.
type Config struct {
	StateDir  string          `mapstructure:"stateDir"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Session   SessionConfig   `mapstructure:"session"`
	Events    EventsConfig    `mapstructure:"events"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Hooks     HookConfig      `mapstructure:"hooks"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig holds default Docker client configuration for the container runtime (C5).
// Per-agent overrides (image, memory, network, host-config) come from the agent's own
// configuration and take precedence over these process-wide defaults.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	DefaultImage   string `mapstructure:"defaultImage"`
	DefaultMemory  string `mapstructure:"defaultMemory"`
}

// SessionConfig holds default session-store behaviour (C2).
type SessionConfig struct {
	// DefaultTimeout is how long an idle agent-level or conversation session is
	// considered live before cleanup_expired reclaims it. Individual agents may
	// override this via their own session.timeout setting.
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	// CleanupInterval controls how often the core sweeps for expired sessions.
	CleanupInterval time.Duration `mapstructure:"cleanupInterval"`
}

// EventsConfig controls the pub/sub transport job output events and chat fan-out
// are distributed over. An empty URL selects the in-process bus; a non-empty one
// connects to a real NATS deployment, letting multiple core processes share
// subject-routed job/chat traffic.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	Namespace     string `mapstructure:"namespace"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ChatConfig holds process-wide chat-manager defaults (C8).
type ChatConfig struct {
	CommandPrefix       string        `mapstructure:"commandPrefix"`
	SessionTimeout      time.Duration `mapstructure:"sessionTimeout"`
	MaxMessageChars     int           `mapstructure:"maxMessageChars"`
	ContextUsageWarnPct int           `mapstructure:"contextUsageWarnPct"`
}

// SchedulerConfig holds scheduler polling behaviour (C9).
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tickInterval"`
}

// HookConfig holds default hook execution limits (C9).
type HookConfig struct {
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
	MaxOutputBytes int           `mapstructure:"maxOutputBytes"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLEETCORE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("stateDir", defaultStateDir())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "fleetcore-net")
	v.SetDefault("docker.defaultImage", "")
	v.SetDefault("docker.defaultMemory", "")

	v.SetDefault("session.defaultTimeout", 24*time.Hour)
	v.SetDefault("session.cleanupInterval", 15*time.Minute)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("chat.commandPrefix", "!")
	v.SetDefault("chat.sessionTimeout", 24*time.Hour)
	v.SetDefault("chat.maxMessageChars", 2000)
	v.SetDefault("chat.contextUsageWarnPct", 75)

	v.SetDefault("scheduler.tickInterval", 5*time.Second)

	v.SetDefault("hooks.defaultTimeout", 30*time.Second)
	v.SetDefault("hooks.maxOutputBytes", 64*1024)
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultStateDir returns the default hidden state directory under the working directory.
func defaultStateDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ".fleetcore"
	}
	return filepath.Join(wd, ".fleetcore")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLEETCORE_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEETCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("stateDir", "FLEETCORE_STATE_DIR")
	_ = v.BindEnv("logging.level", "FLEETCORE_LOG_LEVEL")
	_ = v.BindEnv("docker.host", "DOCKER_HOST")
	_ = v.BindEnv("events.natsUrl", "FLEETCORE_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetcore/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configuration values are internally consistent.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Session.DefaultTimeout <= 0 {
		errs = append(errs, "session.defaultTimeout must be positive")
	}
	if cfg.Chat.CommandPrefix == "" {
		errs = append(errs, "chat.commandPrefix must not be empty")
	}
	if cfg.Hooks.DefaultTimeout <= 0 {
		errs = append(errs, "hooks.defaultTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
