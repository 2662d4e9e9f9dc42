package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"voebot/internal/app"
)

func newQueuesCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show queue depth, including dead-letter queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := cc.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			depths, err := a.QueueDepths(cmd.Context())
			if err != nil {
				return err
			}
			printDepths(cmd.OutOrStdout(), depths)
			return nil
		},
	}
}

func printDepths(w io.Writer, depths []app.QueueDepth) {
	rows := make([][]string, 0, len(depths))
	for _, d := range depths {
		rows = append(rows, []string{
			d.Name,
			strconv.FormatInt(d.Depth.Ready, 10),
			strconv.FormatInt(d.Depth.Delayed, 10),
			strconv.FormatInt(d.Depth.Inflight, 10),
			strconv.FormatInt(d.Depth.Dead, 10),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Queue", "Ready", "Delayed", "In flight", "Dead"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	))
}
