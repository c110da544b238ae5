package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the state database",
	}
	cmd.AddCommand(newDBInfoCmd(), newDBMigrateCmd(), newDBArchiveCmd())
	return cmd
}

func newDBInfoCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show database location, schema version, and integrity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := dbPath(cmd)
			info := map[string]any{
				"path":           path,
				"target_version": db.TargetVersion(),
			}
			if stat, err := os.Stat(path); err == nil {
				info["size_bytes"] = stat.Size()
				conn, err := openDatabaseReader(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = conn.Close() }()
				version, err := db.SchemaVersion(conn)
				if err != nil {
					return err
				}
				info["schema_version"] = version
				verify, err := audit.Verify(conn)
				if err != nil {
					return err
				}
				info["audit_chain_ok"] = verify.OK
				info["audit_events"] = verify.Checked
			} else {
				info["exists"] = false
			}
			if asJSON {
				return printJSON(info)
			}
			for _, key := range []string{"path", "schema_version", "target_version", "size_bytes", "audit_chain_ok", "audit_events", "exists"} {
				if value, ok := info[key]; ok {
					fmt.Printf("%-16s %v\n", key, value)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			version, err := db.SchemaVersion(conn)
			if err != nil {
				return err
			}
			fmt.Printf("database at schema version %d (target %d)\n", version, db.TargetVersion())
			return nil
		},
	}
}

func newDBArchiveCmd() *cobra.Command {
	var (
		dryRun    bool
		olderThan int
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move old audit events into a sealed archive database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := capRegistry().Require(capability.CapAuditArchive, auditCapabilityDeny(cmd)); err != nil {
				return err
			}
			conn, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			cutoff := time.Now().AddDate(0, 0, -olderThan)
			moved, err := audit.Archive(conn, dbPath(cmd), cutoff, dryRun)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Printf("would archive %d events older than %s\n", moved, cutoff.Format("2006-01-02"))
			} else {
				fmt.Printf("archived %d events older than %s\n", moved, cutoff.Format("2006-01-02"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be archived without writing")
	cmd.Flags().IntVar(&olderThan, "older-than", 30, "archive events older than this many days")
	return cmd
}
