package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/daemon"
	"github.com/atlasbridge/atlasbridge/internal/profile"
)

func newRunCmd() *cobra.Command {
	var (
		label       string
		tag         string
		policyPath  string
		profileName string
	)
	cmd := &cobra.Command{
		Use:   "run [tool] [args...]",
		Short: "Launch an agent under supervision",
		Long: `Launch an interactive agent under a PTY and route its prompts to the
configured channels. With no tool argument the default profile runs.

Examples:
  atlasbridge run claude
  atlasbridge run codex --model o3
  atlasbridge run --profile nightly`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := logger.NewLogger(cfg.Logging)
			if err != nil {
				log = logger.Default()
			}

			tool, toolArgs, err := resolveInvocation(cmd, args, profileName, &policyPath)
			if err != nil {
				return err
			}

			d, err := daemon.New(daemon.Options{
				Config:       cfg,
				StateDir:     stateDir(cmd),
				PolicyPath:   policyPath,
				Stdin:        os.Stdin,
				Log:          log,
				Capabilities: capRegistry(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() {
				if err := d.Run(runCtx); err != nil {
					log.WithError(err).Error("supervisor loops exited")
				}
			}()

			code, err := d.RunSession(runCtx, tool, toolArgs, label, tag)
			cancel()
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "human-readable session label")
	cmd.Flags().StringVar(&tag, "tag", "", "session tag for policy matching")
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy file overriding the configured one")
	cmd.Flags().StringVar(&profileName, "profile", "", "run a saved profile")
	return cmd
}

// resolveInvocation decides what to launch: explicit argv, a named profile,
// or the default profile when no tool is given.
func resolveInvocation(cmd *cobra.Command, args []string, profileName string, policyPath *string) (string, []string, error) {
	if profileName == "" && len(args) > 0 {
		return args[0], args[1:], nil
	}

	conn, err := openDatabase(cmd)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = conn.Close() }()
	store := profile.NewStore(conn)

	var prof profile.Profile
	if profileName != "" {
		prof, err = store.Get(profileName)
		if err != nil {
			return "", nil, fmt.Errorf("profile %q: %w", profileName, err)
		}
	} else {
		def, ok, err := store.Default()
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, misconfig(fmt.Errorf("no tool given and no default profile set"))
		}
		prof = def
	}

	if prof.Cwd != "" {
		if err := os.Chdir(prof.Cwd); err != nil {
			return "", nil, fmt.Errorf("profile cwd: %w", err)
		}
	}
	if *policyPath == "" && prof.PolicyPath != "" {
		*policyPath = prof.PolicyPath
	}
	return prof.Tool, prof.Argv, nil
}
