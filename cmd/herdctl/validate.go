package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the fleet document without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := loadFleetOnly()
			if err != nil {
				return err
			}
			fmt.Printf("fleet %s is valid: %d agent(s)\n", fleetPath, len(agents))
			for _, a := range agents {
				fmt.Printf("  - %s (runtime=%s, permission_mode=%s)\n", a.Name, a.EffectiveRuntime(), a.PermissionMode)
			}
			return nil
		},
	}
}
