// hearthd is the family sync daemon: an append-only event log per
// family with cursor-based delta sync, realtime WebSocket fan-out and
// push notification dispatch for offline caregivers.
package main

import (
	"fmt"
	"os"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
