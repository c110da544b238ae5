package commands

import (
	"fmt"
	"os"
	"os/user"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/trust"
)

func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage the workspace trust allowlist",
		Long: `Manage the folders where policy auto-replies may fire. Paths are
stored with symlinks resolved; granting a workspace re-trusts it after a
revoke.`,
	}
	cmd.AddCommand(newTrustListCmd(), newTrustGrantCmd(), newTrustRevokeCmd())
	return cmd
}

func newTrustListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trust records, trusted first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			records, err := trust.NewStore(conn).List()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]any{"workspaces": records})
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tTRUSTED\tACTOR\tGRANTED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n",
					rec.Path, rec.Trusted, rec.Actor, rec.GrantedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func newTrustGrantCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "grant <path>",
		Short: "Trust a workspace folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := capRegistry().Require(capability.CapTrustGrant, auditCapabilityDeny(cmd)); err != nil {
				return err
			}
			if actor == "" {
				actor = localActor()
			}
			conn, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			rec, err := trust.NewStore(conn).Grant(args[0], actor, "cli", "")
			if err != nil {
				return err
			}
			if writer, werr := audit.NewWriter(conn, newCLILogger()); werr == nil {
				_, _ = writer.Append(audit.EventTrustGranted, "", "", map[string]any{
					"path":  rec.Path,
					"actor": rec.Actor,
				})
			}
			fmt.Printf("trusted %s (actor %s)\n", rec.Path, rec.Actor)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who is granting trust (default: local username)")
	return cmd
}

func newTrustRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <path>",
		Short: "Revoke trust for a workspace folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			store := trust.NewStore(conn)
			if err := store.Revoke(args[0]); err != nil {
				return err
			}
			if writer, werr := audit.NewWriter(conn, newCLILogger()); werr == nil {
				_, _ = writer.Append(audit.EventTrustRevoked, "", "", map[string]any{
					"path": args[0],
				})
			}
			fmt.Printf("revoked trust for %s\n", args[0])
			return nil
		},
	}
}

func localActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}
