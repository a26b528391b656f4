package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hearth-app/hearth/internal/config"
	"github.com/hearth-app/hearth/internal/migrate"
	"github.com/hearth-app/hearth/internal/store"
	"github.com/hearth-app/hearth/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <input.jsonl>",
	GroupID: "data",
	Short:   "Import event logs from JSONL",
	Long: `Restore families from a JSONL export. Sequences are validated for
gaps before anything is written, and target families must be empty; an
import never splices events into a live log.

Example usage:
  hearthd import backup.jsonl
  hearthd import --dry-run backup.jsonl    # validate only
  hearthd import --backup backup.jsonl     # copy the DB aside first`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		st, err := store.Open(cfg.ResolvedDBPath())
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.InitSchema(cmd.Context()); err != nil {
			return err
		}

		result, err := migrate.Import(cmd.Context(), st, migrate.ImportOptions{
			Input:  args[0],
			DryRun: dryRun,
			Backup: backup,
		})
		if err != nil {
			return err
		}

		if dryRun {
			fmt.Printf("%s %s is valid: %d events across %d families\n",
				ui.Pass("✓"), ui.Accent(args[0]), result.Events, result.Families)
			return nil
		}
		if result.BackupCreated != "" {
			fmt.Printf("%s\n", ui.Faint("backup: "+result.BackupCreated))
		}
		fmt.Printf("%s imported %d events across %d families\n",
			ui.Pass("✓"), result.Events, result.Families)
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate the file without writing")
	importCmd.Flags().Bool("backup", false, "Copy the database aside before importing")
	rootCmd.AddCommand(importCmd)
}
