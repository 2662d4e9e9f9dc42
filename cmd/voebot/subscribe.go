package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSubscribeCommand(cc *commandContext) *cobra.Command {
	var (
		addr   addressFlags
		userID int64
		alias  string
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe a Telegram user to an address and send its schedule",
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

			rec, err := a.Subscribe(cmd.Context(), key, alias, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d subscribed to %s (%s): %d interval(s), version %d\n",
				userID, rec.Alias, key, len(rec.Intervals), rec.Version)
			return nil
		},
	}
	addr.register(cmd)
	cmd.Flags().Int64Var(&userID, "user", 0, "Telegram user id")
	cmd.Flags().StringVar(&alias, "alias", "", "Display name of the address")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
