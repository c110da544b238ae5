package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/doctor"
	"github.com/atlasbridge/atlasbridge/internal/secrets"
)

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment for problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := runDoctor(cmd)
			if asJSON {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				for _, check := range report.Checks {
					marker := map[doctor.Status]string{
						doctor.StatusOK:   "✓",
						doctor.StatusWarn: "!",
						doctor.StatusFail: "✗",
					}[check.Status]
					if check.Detail != "" {
						fmt.Printf("%s %-20s %s\n", marker, check.Name, check.Detail)
					} else {
						fmt.Printf("%s %s\n", marker, check.Name)
					}
				}
			}
			if !report.OK() {
				return &exitCodeError{code: 1, err: fmt.Errorf("doctor found failing checks")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func runDoctor(cmd *cobra.Command) doctor.Report {
	configPath, _ := cmd.Flags().GetString("config")
	keysDir := filepath.Join(stateDir(cmd), "keys")
	return doctor.Run(doctor.Options{
		ConfigPath: configPath,
		DBPath:     dbPath(cmd),
		KeychainProbe: func() bool {
			store, err := secrets.NewStore(nil, keysDir)
			return err == nil && store.Backend() == "keychain"
		},
	})
}
