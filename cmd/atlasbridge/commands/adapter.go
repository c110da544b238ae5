package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/adapters"
)

func newAdapterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Inspect tool adapters",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List known tool adapters",
		RunE: func(_ *cobra.Command, _ []string) error {
			names := adapters.Known()
			if asJSON {
				return printJSON(map[string]any{"adapters": names})
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")

	cmd.AddCommand(list)
	return cmd
}
