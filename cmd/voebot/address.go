package main

import (
	"github.com/spf13/cobra"

	"voebot/internal/schedule"
)

type addressFlags struct {
	city, street, house string
}

func (f *addressFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.city, "city", "", "City id")
	cmd.Flags().StringVar(&f.street, "street", "", "Street id")
	cmd.Flags().StringVar(&f.house, "house", "", "House id")
}

// key builds the address key; "--city demo" selects the demo address.
func (f *addressFlags) key() (schedule.Key, error) {
	if f.city == "demo" && f.street == "" && f.house == "" {
		return schedule.DemoKey, nil
	}
	return schedule.NewKey(f.city, f.street, f.house)
}
