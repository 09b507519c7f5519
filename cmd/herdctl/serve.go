package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Initialize and run the fleet manager until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			hasChat, err := fleetHasChatBindings()
			if err != nil {
				return err
			}

			m, log, err := buildManager(hasChat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := m.Initialize(ctx); err != nil {
				return fmt.Errorf("initializing fleet manager: %w", err)
			}
			if err := m.Start(ctx); err != nil {
				return fmt.Errorf("starting fleet manager: %w", err)
			}

			<-ctx.Done()
			log.Info("shutdown signal received, stopping fleet manager")

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.Stop(stopCtx); err != nil {
				log.Warn("fleet manager stop reported an error", zap.Error(err))
			}
			return nil
		},
	}
}

func fleetHasChatBindings() (bool, error) {
	agents, err := loadFleetOnly()
	if err != nil {
		return false, err
	}
	for _, a := range agents {
		if len(a.Chat) > 0 {
			return true, nil
		}
	}
	return false, nil
}
