// Command comsrvctl is the operator CLI for comsrvd's HTTP API: channel
// point snapshots, instance CRUD/search, action dispatch, and routing
// cache refresh.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:   "comsrvctl",
		Short: "operator CLI for the comsrv data-acquisition daemon",
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", "http://127.0.0.1:8080", "comsrvd API base URL")

	root.AddCommand(
		newChannelsCmd(),
		newInstancesCmd(),
		newRoutingCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
