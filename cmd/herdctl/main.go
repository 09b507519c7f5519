// Command herdctl is the CLI entry point for the fleet orchestration core:
// it loads ambient configuration and a fleet document, then either starts
// the fleet manager and blocks until shutdown, or performs a one-shot
// operation (a manual trigger, a status lookup, fleet validation).
package main

import (
	"fmt"
	"os"

	"github.com/ikido/herdctl/internal/common/config"
	"github.com/ikido/herdctl/internal/common/logger"
	"github.com/ikido/herdctl/internal/fleet/fleetconfig"
	"github.com/ikido/herdctl/internal/fleet/manager"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/spf13/cobra"
)

var (
	configPath string
	fleetPath  string
)

func main() {
	root := &cobra.Command{
		Use:   "herdctl",
		Short: "Fleet orchestration core: runs, triggers, and inspects AI-agent fleets",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml (defaults to cwd and /etc/fleetcore)")
	root.PersistentFlags().StringVar(&fleetPath, "fleet", "fleet.yaml", "path to the fleet document")

	root.AddCommand(serveCmd(), triggerCmd(), statusCmd(), validateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadAll() (*config.Config, []model.ResolvedAgent, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building logger: %w", err)
	}
	logger.SetDefault(log)

	agents, err := fleetconfig.Load(fleetPath)
	if err != nil {
		return cfg, nil, log, fmt.Errorf("loading fleet: %w", err)
	}

	return cfg, agents, log, nil
}

func loadFleetOnly() ([]model.ResolvedAgent, error) {
	return fleetconfig.Load(fleetPath)
}

func buildManager(slackAdapter bool) (*manager.Manager, *logger.Logger, error) {
	cfg, agents, log, err := loadAll()
	if err != nil {
		return nil, log, err
	}

	var opts []chatAdapterOpt
	if slackAdapter {
		opts = append(opts, withSlackFromEnv())
	}

	m, err := manager.New(cfg, agents, log, resolveChatAdapters(opts, log)...)
	if err != nil {
		return nil, log, fmt.Errorf("building fleet manager: %w", err)
	}
	return m, log, nil
}
