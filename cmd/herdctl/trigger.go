package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ikido/herdctl/internal/fleet/manager"
	"github.com/ikido/herdctl/internal/fleet/model"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func triggerCmd() *cobra.Command {
	var resume string
	var fork bool

	cmd := &cobra.Command{
		Use:   "trigger <agent> <prompt>",
		Short: "Run one manual turn against an agent and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentName := args[0]
			prompt := args[1]
			for _, extra := range args[2:] {
				prompt += " " + extra
			}

			m, log, err := buildManager(false)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := m.Initialize(ctx); err != nil {
				return err
			}

			var resumePtr *string
			if resume != "" {
				resumePtr = &resume
			}

			result, err := m.Trigger(ctx, agentName, manager.TriggerOptions{
				Prompt:      prompt,
				Resume:      resumePtr,
				Fork:        fork,
				TriggerType: model.TriggerManual,
				OnMessage: func(ev model.ProcessedEvent) {
					if ev.Output.Kind == model.EventAssistant && !ev.Output.Partial {
						fmt.Println(ev.Output.Content)
					}
				},
			})
			if err != nil {
				log.Error("trigger failed", zap.Error(err))
				return err
			}

			fmt.Printf("job %s finished: %s (%s)\n", result.Job.ID, result.Job.Status, result.Job.ExitReason)
			return nil
		},
	}
	cmd.Flags().StringVar(&resume, "resume", "", "upstream session ID to resume")
	cmd.Flags().BoolVar(&fork, "fork", false, "fork the resumed session instead of continuing it")
	return cmd
}
