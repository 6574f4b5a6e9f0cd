// Command pdpd runs the cellular data connection manager against the
// simulated modem and exposes its debug surfaces.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

var envFiles []string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pdpd",
		Short:         "Cellular data connection manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading PDPD_* variables")
	root.AddCommand(newRunCmd(), newStatusCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pdpd %s (%s)\n", version, commit)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pdpd: %v\n", err)
		os.Exit(1)
	}
}
