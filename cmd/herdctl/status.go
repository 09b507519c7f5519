package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the current record for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := buildManager(false)
			if err != nil {
				return err
			}
			if err := m.Initialize(context.Background()); err != nil {
				return err
			}
			job, err := m.Job(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:          %s\n", job.ID)
			fmt.Printf("agent:       %s\n", job.Agent)
			fmt.Printf("status:      %s\n", job.Status)
			fmt.Printf("exit_reason: %s\n", job.ExitReason)
			fmt.Printf("summary:     %s\n", job.Summary)
			return nil
		},
	}
}
