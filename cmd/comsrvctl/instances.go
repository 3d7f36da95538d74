package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "manage product instances",
	}
	cmd.AddCommand(
		newInstancesListCmd(),
		newInstancesSearchCmd(),
		newInstancesGetCmd(),
		newInstancesCreateCmd(),
		newInstancesDeleteCmd(),
		newInstancesPointsCmd(),
		newInstancesExecuteCmd(),
	)
	return cmd
}

func newInstancesListCmd() *cobra.Command {
	var product string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list instances, optionally filtered by product and paginated",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/instances?product=%s", product)
			if page > 0 || pageSize > 0 {
				path += fmt.Sprintf("&page=%d&page_size=%d", page, pageSize)
			}
			var out map[string]any
			if err := newAPIClient().decode("GET", path, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "filter by product name")
	cmd.Flags().IntVar(&page, "page", 0, "page number (1-based)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "results per page")
	return cmd
}

func newInstancesSearchCmd() *cobra.Command {
	var product string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "search instances by name keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if page < 1 {
				page = 1
			}
			if pageSize < 1 {
				pageSize = 50
			}
			path := fmt.Sprintf("/instances/search?keyword=%s&product=%s&page=%d&page_size=%d", args[0], product, page, pageSize)
			var out map[string]any
			if err := newAPIClient().decode("GET", path, nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "filter by product name")
	cmd.Flags().IntVar(&page, "page", 1, "page number (1-based)")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "results per page")
	return cmd
}

func newInstancesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <instance-id>",
		Short: "show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := newAPIClient().decode("GET", "/instances/"+args[0], nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newInstancesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <instance-id>",
		Short: "delete one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient().decode("DELETE", "/instances/"+args[0], nil, nil)
		},
	}
}

func newInstancesPointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "points <instance-id>",
		Short: "show one instance's routed measurement/action points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := newAPIClient().decode("GET", "/instances/"+args[0]+"/points", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

// createInstanceFlags mirrors instance.CreateRequest's JSON shape without
// importing the daemon's internal package from this module's cmd tree.
type createInstanceFlags struct {
	InstanceID   int64  `json:"instance_id"`
	InstanceName string `json:"instance_name"`
	ProductName  string `json:"product_name"`
	ParentID     int64  `json:"parent_id"`
}

func newInstancesCreateCmd() *cobra.Command {
	var f createInstanceFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a new instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := newAPIClient().decode("POST", "/instances", f, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().Int64Var(&f.InstanceID, "id", 0, "instance id (0 lets comsrvd allocate the next one)")
	cmd.Flags().StringVar(&f.InstanceName, "name", "", "instance name (required, unique)")
	cmd.Flags().StringVar(&f.ProductName, "product", "", "backing product name (required)")
	cmd.Flags().Int64Var(&f.ParentID, "parent", 0, "parent instance id (0 = root)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("product")
	return cmd
}

func newInstancesExecuteCmd() *cobra.Command {
	var value float64
	cmd := &cobra.Command{
		Use:   "execute <instance-id> <action-index>",
		Short: "dispatch a control/adjust action on an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/instances/%s/actions/%s", args[0], args[1])
			body := struct {
				Value float64 `json:"value"`
			}{Value: value}
			var out map[string]any
			if err := newAPIClient().decode("POST", path, body, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().Float64Var(&value, "value", 0, "command/setpoint value")
	return cmd
}
