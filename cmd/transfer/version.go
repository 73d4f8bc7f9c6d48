package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/transfer"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of transfer",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "transfer version %s\n", strings.TrimSpace(transfer.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
