package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRoutingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing",
		Short: "manage the C2M/C2C routing cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "rebuild the routing cache from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().decode("POST", "/routing/refresh", nil, nil); err != nil {
				return err
			}
			fmt.Println("routing cache refreshed")
			return nil
		},
	})
	return cmd
}
