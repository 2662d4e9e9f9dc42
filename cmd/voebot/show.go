package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"voebot/internal/config"
	"voebot/internal/schedule"
)

func newShowCommand(cc *commandContext) *cobra.Command {
	var (
		addr   addressFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Fetch and print the current outage schedule of an address",
		Long:  "Fetches, parses and merges the schedule without storing anything.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := addr.key()
			if err != nil {
				return err
			}
			a, err := cc.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			intervals, err := a.Preview(cmd.Context(), key)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(intervals)
			}
			loc, err := config.LoadLocation(a.Config().Notifier.Timezone)
			if err != nil {
				return err
			}
			printIntervals(cmd.OutOrStdout(), key, intervals, loc)
			return nil
		},
	}
	addr.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the intervals as JSON")
	return cmd
}

func printIntervals(w io.Writer, key schedule.Key, intervals []schedule.Interval, loc *time.Location) {
	if len(intervals) == 0 {
		fmt.Fprintf(w, "No outages scheduled for %s\n", key)
		return
	}
	rows := make([][]string, 0, len(intervals))
	for _, iv := range intervals {
		from, to := iv.From.In(loc), iv.To.In(loc)
		rows = append(rows, []string{
			from.Format("Mon 02.01"),
			from.Format("15:04"),
			to.Format("15:04"),
			to.Sub(from).String(),
			iv.Certainty.String(),
		})
	}
	fmt.Fprintf(w, "Schedule for %s (%s)\n", key, loc)
	fmt.Fprintln(w, renderTable(
		[]string{"Day", "From", "To", "Length", "Status"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
}
