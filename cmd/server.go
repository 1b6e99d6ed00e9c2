package cmd

import (
	"github.com/phaabe/live.moafunk.de/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the broadcast/recording HTTP server",
	Long:  "Starts the HTTP server: live audio ingress, recording control API and the finalize pipeline.",
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
