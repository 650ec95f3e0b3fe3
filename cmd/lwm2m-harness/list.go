package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/twinfer/lwm2m-harness/pkg/scenarios"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stdout, "Available scenarios:")
			for _, sc := range scenarios.All() {
				fmt.Fprintf(os.Stdout, "  %-26s %d server(s)  %s\n", sc.Name, sc.Servers, sc.Description)
			}
			return nil
		},
	}
}
