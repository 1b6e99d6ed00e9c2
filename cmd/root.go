package cmd

import (
	"fmt"
	"os"

	"github.com/phaabe/live.moafunk.de/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "moafunk-live",
	Short: "Live broadcast and recording backend for moafunk radio shows.",
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
