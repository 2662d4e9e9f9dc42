package main

import (
	"github.com/spf13/cobra"

	"voebot/internal/app"
)

const defaultConfigPath = "./config.yaml"

type commandContext struct {
	configPath string
}

// open wires the pipeline for a one-shot command.
func (c *commandContext) open(cmd *cobra.Command) (*app.App, error) {
	return app.Open(cmd.Context(), c.configPath)
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	root := &cobra.Command{
		Use:           "voebot",
		Short:         "Power outage schedule notifications for VOE addresses",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&cc.configPath, "config", "c", defaultConfigPath, "Configuration file path (json, yaml or toml)")

	root.AddCommand(
		newRunCommand(cc),
		newSyncCommand(cc),
		newShowCommand(cc),
		newSubscribeCommand(cc),
		newQueuesCommand(cc),
	)
	return root
}
