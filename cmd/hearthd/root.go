package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hearthd",
	Short: "Family schedule sync server",
	Long: `hearthd keeps a family's schedule and activity feed consistent across
every caregiver's device.

Each family has an append-only event log with gapless sequence numbers.
Devices submit mutations and pull deltas through one sync endpoint;
conflicts resolve server-side with field-level last-writer-wins, and
connected devices hear about new events over WebSocket while offline
ones get push notifications.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./hearth.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}
