package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearth-app/hearth/internal/config"
	"github.com/hearth-app/hearth/internal/coordinator"
	"github.com/hearth-app/hearth/internal/eventlog"
	"github.com/hearth-app/hearth/internal/seed"
	"github.com/hearth-app/hearth/internal/server"
	"github.com/hearth-app/hearth/internal/store"
	"github.com/hearth-app/hearth/internal/ui"
)

var seedCmd = &cobra.Command{
	Use:     "seed <fixture.yaml>",
	GroupID: "data",
	Short:   "Load development fixtures",
	Long: `Create families, children and devices from a YAML fixture, and
submit its schedule and feed entries through the sync coordinator so the
seeded database carries a real event log.

With --tokens, print a signed device token per seeded device for use
against a running daemon.

Example usage:
  hearthd seed fixtures/demo.yaml
  hearthd seed --tokens fixtures/demo.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		printTokens, _ := cmd.Flags().GetBool("tokens")
		return runSeed(cmd, cfg, args[0], printTokens)
	},
}

func init() {
	seedCmd.Flags().Bool("tokens", false, "Print a device token per seeded device")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, cfg *config.Config, path string, printTokens bool) error {
	fixture, err := seed.LoadFixture(path)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.ResolvedDBPath())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.InitSchema(cmd.Context()); err != nil {
		return err
	}

	coord := coordinator.New(eventlog.New(st, nil), st, nil)
	result, err := seed.Apply(cmd.Context(), st, coord, fixture)
	if err != nil {
		return err
	}

	fmt.Printf("%s seeded %d families, %d children, %d devices, %d events\n",
		ui.Pass("✓"), result.Families, result.Children, result.Devices, result.Events)
	if result.Rejected > 0 {
		fmt.Printf("%s\n", ui.Warn(fmt.Sprintf("%d entries rejected (already present?)", result.Rejected)))
	}

	if printTokens {
		if cfg.JWTSecret == "" {
			return fmt.Errorf("jwt_secret must be configured to mint tokens")
		}
		fmt.Println()
		fmt.Println(ui.Header("device tokens (30 days)"))
		for _, fam := range fixture.Families {
			for _, dev := range fam.Devices {
				token, err := server.IssueToken(cfg.JWTSecret, dev.ID, fam.ID, 30*24*time.Hour)
				if err != nil {
					return err
				}
				fmt.Printf("  %s: %s\n", ui.Accent(dev.ID), token)
			}
		}
	}
	return nil
}
