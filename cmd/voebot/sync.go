package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCommand(cc *commandContext) *cobra.Command {
	var direct bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Enqueue one update task per subscribed address",
		Long: "Runs one producer cycle against the configured update queue. " +
			"With --direct every address is fetched and compared in-process instead.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := cc.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			res, err := a.Sync(cmd.Context(), direct)
			out := cmd.OutOrStdout()
			if res.Direct != nil {
				fmt.Fprintf(out, "changed: %d, unchanged: %d, failed: %d\n",
					res.Direct.Changed, res.Direct.Unchanged, res.Direct.Failed)
			} else {
				fmt.Fprintf(out, "enqueued %d update task(s)\n", res.Enqueued)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "Process every address in-process without the update queue")
	return cmd
}
