package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/secrets"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys",
		Long: `Store provider API keys in the OS keychain (or encrypted files under
the state directory when no keychain is available). The database keeps
only a short prefix for identification; the key itself never touches it.`,
	}
	cmd.AddCommand(newKeysSetCmd(), newKeysListCmd(), newKeysRevokeCmd())
	return cmd
}

func openSecrets(cmd *cobra.Command) (*secrets.Store, func(), error) {
	conn, err := openDatabase(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := secrets.NewStore(conn, filepath.Join(stateDir(cmd), "keys"))
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return store, func() { _ = conn.Close() }, nil
}

func newKeysSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a key, read from stdin",
		Long:  "Store a provider key. The value is read from stdin so it never\nappears in shell history or process listings:\n\n  echo \"$API_KEY\" | atlasbridge keys set anthropic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(cmd.InOrStdin())
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("no key on stdin")
			}
			value := strings.TrimSpace(line)
			if value == "" {
				return fmt.Errorf("no key on stdin")
			}

			store, cleanup, err := openSecrets(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Set(args[0], value); err != nil {
				return err
			}
			fmt.Printf("key for %s stored (%s backend)\n", args[0], store.Backend())
			return nil
		},
	}
}

func newKeysListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored key metadata (prefixes only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cleanup, err := openSecrets(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			metadata, err := store.List()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]any{"backend": store.Backend(), "keys": metadata})
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tPREFIX\tSTATUS\tUPDATED")
			for _, m := range metadata {
				fmt.Fprintf(w, "%s\t%s…\t%s\t%s\n",
					m.Provider, m.KeyPrefix, m.Status, m.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func newKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <provider>",
		Short: "Delete a stored key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := openSecrets(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("key for %s revoked\n", args[0])
			return nil
		},
	}
}
