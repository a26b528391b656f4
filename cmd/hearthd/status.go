package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hearth-app/hearth/internal/config"
	"github.com/hearth-app/hearth/internal/store"
	"github.com/hearth-app/hearth/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "server",
	Short:   "Show database and log statistics",
	Long: `Inspect the local database: families, event log lengths, registered
devices and queued push notifications.

Example usage:
  hearthd status
  hearthd status -c /etc/hearth.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	dbPath := cfg.ResolvedDBPath()
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	families, err := st.FamilyCount(ctx)
	if err != nil {
		return err
	}
	events, err := st.EventCount(ctx)
	if err != nil {
		return err
	}
	pending, err := st.PendingCount(ctx)
	if err != nil {
		return err
	}
	seqs, err := st.MaxSeqs(ctx)
	if err != nil {
		return err
	}

	fmt.Println(ui.Header("hearthd status"))
	fmt.Printf("  database: %s", ui.Accent(dbPath))
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf(" %s", ui.Faint(fmt.Sprintf("(%d KB)", info.Size()/1024)))
	}
	fmt.Println()
	fmt.Printf("  families: %d\n", families)
	fmt.Printf("  events:   %d\n", events)
	if pending > 0 {
		fmt.Printf("  pending pushes: %s\n", ui.Warn(fmt.Sprintf("%d", pending)))
	} else {
		fmt.Printf("  pending pushes: 0\n")
	}

	if len(seqs) > 0 {
		fmt.Println()
		fmt.Println(ui.Header("event logs"))
		ids := make([]string, 0, len(seqs))
		for id := range seqs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			devices, err := st.ListFamilyDevices(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("  %s  seq=%d  devices=%d\n", ui.Accent(id), seqs[id], len(devices))
		}
	}

	return nil
}
