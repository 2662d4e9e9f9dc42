package main

import (
	"github.com/spf13/cobra"

	"voebot/internal/app"
)

func newRunCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: queue consumers, sync scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), cc.configPath)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}
