package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/bundle"
	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
)

func newDebugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Diagnostics helpers",
	}
	cmd.AddCommand(newDebugBundleCmd())
	return cmd
}

func newDebugBundleCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Write a redacted diagnostics tarball",
		Long: `Collect a redacted diagnostics bundle: the config with secrets
replaced, the recent decision trace, the audit tail, and doctor output.
Safe to attach to a bug report.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := capRegistry().Require(capability.CapDebugBundle, auditCapabilityDeny(cmd)); err != nil {
				return err
			}
			if outPath == "" {
				outPath = bundle.DefaultName(".", time.Now())
			}

			configPath, _ := cmd.Flags().GetString("config")
			if configPath == "" {
				configPath = config.DefaultPath()
			}

			opts := bundle.Options{
				ConfigPath: configPath,
				TracePath:  tracePath(cmd),
				Doctor:     runDoctor(cmd),
			}
			if _, err := os.Stat(dbPath(cmd)); err == nil {
				ro, err := openDatabaseReader(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = ro.Close() }()
				opts.DB = ro
			}

			files, err := bundle.Write(outPath, opts)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d files)\n", outPath, len(files))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "bundle path (default ./atlasbridge-debug-<ts>.tar.gz)")
	return cmd
}
