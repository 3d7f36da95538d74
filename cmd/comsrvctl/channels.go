package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "inspect channel point values",
	}
	cmd.AddCommand(newChannelPointsCmd())
	return cmd
}

func newChannelPointsCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "points <channel-id>",
		Short: "print one channel's current point values for a given kind (T, S, C, A)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseUint(args[0], 10, 16); err != nil {
				return fmt.Errorf("invalid channel id %q: %w", args[0], err)
			}
			var points map[string]any
			path := fmt.Sprintf("/channels/%s/points?kind=%s", args[0], kind)
			if err := newAPIClient().decode("GET", path, nil, &points); err != nil {
				return err
			}
			printJSON(points)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "T", "point kind: T (telemetry), S (signal), C (control), A (adjust)")
	return cmd
}
