package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hearth-app/hearth/internal/config"
	"github.com/hearth-app/hearth/internal/migrate"
	"github.com/hearth-app/hearth/internal/store"
	"github.com/hearth-app/hearth/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <output.jsonl>",
	GroupID: "data",
	Short:   "Export event logs to JSONL",
	Long: `Write family event logs to a JSONL file, one event per line in
sequence order. The export is a complete backup: importing it into an
empty database reproduces every projection exactly.

Example usage:
  hearthd export backup.jsonl
  hearthd export --family fam-123 fam-123.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		familyID, _ := cmd.Flags().GetString("family")

		st, err := store.Open(cfg.ResolvedDBPath())
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.InitSchema(cmd.Context()); err != nil {
			return err
		}

		result, err := migrate.Export(cmd.Context(), st, migrate.ExportOptions{
			FamilyID: familyID,
			Output:   args[0],
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s exported %d events from %d families to %s\n",
			ui.Pass("✓"), result.Events, result.Families, ui.Accent(args[0]))
		return nil
	},
}

func init() {
	exportCmd.Flags().String("family", "", "Export a single family")
	rootCmd.AddCommand(exportCmd)
}
