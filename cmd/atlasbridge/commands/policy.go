package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate, test, and migrate policy files",
	}
	cmd.AddCommand(
		newPolicyValidateCmd(),
		newPolicyTestCmd(),
		newPolicyCoverageCmd(),
		newPolicyMigrateCmd(),
	)
	return cmd
}

func newPolicyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := capRegistry().Require(capability.CapPolicyValidate, auditCapabilityDeny(cmd)); err != nil {
				return err
			}
			pol, err := policy.Load(args[0])
			if err != nil {
				return misconfig(err)
			}
			fmt.Printf("OK: %s (%d rules, hash %s)\n", pol.Name, len(pol.Rules), pol.Hash)
			for _, warning := range policy.DetectOverlaps(pol) {
				fmt.Printf("warning: %s\n", warning)
			}
			return nil
		},
	}
}

func newPolicyTestCmd() *cobra.Command {
	var (
		ev      policyEventFlags
		explain bool
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "test <file>",
		Short: "Evaluate a policy against a synthetic prompt event",
		Long: `Evaluate a policy file against one synthetic prompt event built from
flags, showing which rule fires.

Examples:
  atlasbridge policy test policy.yaml --prompt-type yes_no --excerpt "Delete files? [y/n]"
  atlasbridge policy test policy.yaml --prompt-type free_text --confidence medium --explain`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := policy.Load(args[0])
			if err != nil {
				return misconfig(err)
			}
			event := ev.toEvent()

			var (
				decision policy.Decision
				traces   []policy.RuleTrace
			)
			switch {
			case debug:
				decision, traces = pol.Debug(event)
			case explain:
				decision, traces = pol.Explain(event)
			default:
				decision = pol.Evaluate(event)
			}

			fmt.Printf("action:  %s\n", decision.Action.Type)
			if decision.Action.Value != "" {
				fmt.Printf("value:   %q\n", decision.Action.Value)
			}
			if decision.MatchedRuleID != "" {
				fmt.Printf("rule:    %s\n", decision.MatchedRuleID)
			}
			fmt.Printf("reason:  %s\n", decision.Explanation)
			for _, tr := range traces {
				marker := " "
				if tr.Winner {
					marker = "*"
				}
				fmt.Printf("  %s %-24s matched=%-5t %s\n", marker, tr.RuleID, tr.Matched, tr.Reason)
			}
			return nil
		},
	}
	ev.register(cmd)
	cmd.Flags().BoolVar(&explain, "explain", false, "show the rules considered before the winner")
	cmd.Flags().BoolVar(&debug, "debug", false, "show every rule's match outcome")
	return cmd
}

func newPolicyCoverageCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "coverage <file>",
		Short: "Show the decision for every prompt-type/confidence pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := policy.Load(args[0])
			if err != nil {
				return misconfig(err)
			}
			cells := policy.Coverage(pol)
			if asJSON {
				return printJSON(map[string]any{"policy": pol.Name, "coverage": cells})
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROMPT TYPE\tCONFIDENCE\tACTION\tRULE")
			for _, cell := range cells {
				rule := cell.RuleID
				if rule == "" {
					rule = "(default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cell.PromptType, cell.Confidence, cell.Action, rule)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func newPolicyMigrateCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "migrate <file>",
		Short: "Rewrite a v0 policy file as v1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := capRegistry().Require(capability.CapPolicyMigrate, auditCapabilityDeny(cmd)); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			migrated, err := policy.MigrateV0Text(data)
			if err != nil {
				return misconfig(err)
			}
			if write {
				if err := os.WriteFile(args[0], migrated, 0o600); err != nil {
					return err
				}
				fmt.Printf("migrated %s in place\n", args[0])
				return nil
			}
			_, err = os.Stdout.Write(migrated)
			return err
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "rewrite the file instead of printing")
	return cmd
}

// policyEventFlags builds a synthetic policy event from command flags.
type policyEventFlags struct {
	promptType string
	excerpt    string
	confidence string
	tool       string
	cwd        string
	inputType  string
	tag        string
}

func (f *policyEventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.promptType, "prompt-type", "yes_no", "prompt type (yes_no, confirm_enter, multiple_choice, free_text)")
	cmd.Flags().StringVar(&f.excerpt, "excerpt", "", "prompt excerpt to match against")
	cmd.Flags().StringVar(&f.confidence, "confidence", "high", "detection confidence (low, medium, high)")
	cmd.Flags().StringVar(&f.tool, "tool", "claude", "tool name")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "working directory")
	cmd.Flags().StringVar(&f.inputType, "input-type", "", "interaction class")
	cmd.Flags().StringVar(&f.tag, "tag", "", "session tag")
}

func (f *policyEventFlags) toEvent() policy.Event {
	return policy.Event{
		ToolID:     f.tool,
		Cwd:        f.cwd,
		PromptType: f.promptType,
		Excerpt:    f.excerpt,
		Confidence: policy.Confidence(f.confidence),
		SessionTag: f.tag,
		InputType:  f.inputType,
	}
}
