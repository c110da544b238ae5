package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/profile"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage saved run profiles",
	}
	cmd.AddCommand(
		newProfileListCmd(),
		newProfileShowCmd(),
		newProfileCreateCmd(),
		newProfileDeleteCmd(),
		newProfileSetDefaultCmd(),
	)
	return cmd
}

func withProfileStore(cmd *cobra.Command, fn func(*profile.Store) error) error {
	conn, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(profile.NewStore(conn))
}

func newProfileListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles, default first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withProfileStore(cmd, func(store *profile.Store) error {
				profiles, err := store.List()
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(map[string]any{"profiles": profiles})
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tTOOL\tCWD\tDEFAULT")
				for _, p := range profiles {
					def := ""
					if p.IsDefault {
						def = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Tool, p.Cwd, def)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func newProfileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfileStore(cmd, func(store *profile.Store) error {
				p, err := store.Get(args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func newProfileCreateCmd() *cobra.Command {
	var (
		tool       string
		argv       []string
		cwd        string
		policyPath string
		isDefault  bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tool == "" {
				return misconfig(fmt.Errorf("--tool is required"))
			}
			return withProfileStore(cmd, func(store *profile.Store) error {
				p := profile.Profile{
					Name:       args[0],
					Tool:       tool,
					Argv:       argv,
					Cwd:        cwd,
					PolicyPath: policyPath,
					IsDefault:  isDefault,
				}
				if err := store.Save(p); err != nil {
					return err
				}
				if isDefault {
					if err := store.SetDefault(p.Name); err != nil {
						return err
					}
				}
				fmt.Printf("profile %s saved\n", p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "tool binary to launch")
	cmd.Flags().StringArrayVar(&argv, "arg", nil, "argument to pass to the tool (repeatable)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the run")
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy file for this profile")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the default profile")
	return cmd
}

func newProfileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfileStore(cmd, func(store *profile.Store) error {
				if err := store.Delete(args[0]); err != nil {
					return err
				}
				fmt.Printf("profile %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newProfileSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <name>",
		Short: "Mark a profile as the default for bare `run`",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfileStore(cmd, func(store *profile.Store) error {
				if err := store.SetDefault(args[0]); err != nil {
					return err
				}
				fmt.Printf("profile %s is now the default\n", args[0])
				return nil
			})
		},
	}
}
