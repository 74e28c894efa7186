package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "v0.1.0"

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storectl %s\n", version)
		},
	}
}
