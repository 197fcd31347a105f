package main

import (
	"fmt"

	"github.com/queryboost/queryboost-go/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "queryboost %s (protocol %d, server >= %s)\n",
				version.Version, version.ProtocolVersion, version.MinServerVersion)
		},
	}
}
