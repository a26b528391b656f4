package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hearth-app/hearth/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "server",
	Short:   "Create a hearth.yaml interactively",
	Long: `Walk through the settings a new deployment needs and write them to
hearth.yaml in the current directory.

Example usage:
  hearthd init
  hearthd init --force   # overwrite an existing hearth.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return runInit(force)
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing hearth.yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(force bool) error {
	const path = "hearth.yaml"
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	answers := struct {
		DataDir    string
		ListenAddr string
		JWTSecret  string
		Provider   string
		APIKey     string
	}{
		DataDir:    ".hearth",
		ListenAddr: ":8473",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Database, lock file and logs live here").
				Value(&answers.DataDir),
			huh.NewInput().
				Title("Listen address").
				Description("host:port for the sync API").
				Value(&answers.ListenAddr),
			huh.NewInput().
				Title("JWT secret").
				Description("Shared with the account service that mints device tokens").
				EchoMode(huh.EchoModePassword).
				Value(&answers.JWTSecret).
				Validate(func(s string) error {
					if len(s) < 16 {
						return fmt.Errorf("use at least 16 characters")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Push provider").
				Options(
					huh.NewOption("None (pull sync only)", ""),
					huh.NewOption("FCM-compatible HTTP", "fcm"),
					huh.NewOption("Email via SES", "ses"),
					huh.NewOption("Log only (development)", "logonly"),
				).
				Value(&answers.Provider),
			huh.NewInput().
				Title("Provider API key").
				Description("Leave empty for none/logonly").
				EchoMode(huh.EchoModePassword).
				Value(&answers.APIKey),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("init cancelled: %w", err)
	}

	doc := map[string]interface{}{
		"data_dir":    answers.DataDir,
		"listen_addr": answers.ListenAddr,
		"jwt_secret":  answers.JWTSecret,
	}
	if answers.Provider != "" {
		pushDoc := map[string]interface{}{"provider": answers.Provider}
		if answers.APIKey != "" {
			pushDoc["api_key"] = answers.APIKey
		}
		doc["push"] = pushDoc
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("%s wrote %s\n", ui.Pass("✓"), ui.Accent(path))
	fmt.Println(ui.Faint("Start the daemon with: hearthd serve -c hearth.yaml"))
	return nil
}
