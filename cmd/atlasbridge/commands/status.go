package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/session"
)

type statusReport struct {
	ConfigPath    string         `json:"config_path"`
	ConfigPresent bool           `json:"config_present"`
	Channels      []string       `json:"channels"`
	DatabasePath  string         `json:"database_path"`
	SchemaVersion int            `json:"schema_version,omitempty"`
	Sessions      map[string]int `json:"sessions"`
	Edition       string         `json:"edition"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the installation state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := statusReport{
				DatabasePath: dbPath(cmd),
				Sessions:     map[string]int{},
				Edition:      string(capRegistry().Edition()),
			}

			cfg, path, err := loadConfig(cmd)
			report.ConfigPath = path
			if err == nil {
				if _, statErr := os.Stat(path); statErr == nil {
					report.ConfigPresent = true
				}
				if cfg.Telegram.Enabled() {
					report.Channels = append(report.Channels, "telegram")
				}
				if cfg.Slack.Enabled() {
					report.Channels = append(report.Channels, "slack")
				}
			}

			if conn, dbErr := openDatabaseReader(cmd); dbErr == nil {
				if version, vErr := db.SchemaVersion(conn); vErr == nil {
					report.SchemaVersion = version
				}
				snapshots, _ := session.NewManager(conn, newCLILogger()).History(500)
				for _, snap := range snapshots {
					report.Sessions[string(snap.Status)]++
				}
				_ = conn.Close()
			}

			if asJSON {
				return printJSON(report)
			}
			fmt.Printf("Config:    %s (present: %t)\n", report.ConfigPath, report.ConfigPresent)
			fmt.Printf("Channels:  %v\n", report.Channels)
			fmt.Printf("Database:  %s (schema v%d)\n", report.DatabasePath, report.SchemaVersion)
			fmt.Printf("Edition:   %s\n", report.Edition)
			fmt.Printf("Sessions:  %v\n", report.Sessions)
			if err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}
