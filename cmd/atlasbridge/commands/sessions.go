package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control supervised sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsTraceCmd(),
		newSessionsSignalCmd("pause", "Suspend a running session's child process", capability.CapSessionPauseResume),
		newSessionsSignalCmd("resume", "Continue a paused session", capability.CapSessionPauseResume),
		newSessionsSignalCmd("stop", "Terminate a session's child process", capability.CapRemoteStop),
	)
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshots, err := sessionHistory(cmd, 100)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]any{"sessions": snapshots})
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTOOL\tSTATUS\tSTARTED\tEXIT")
			for _, snap := range snapshots {
				exit := "-"
				if snap.ExitCode != nil {
					exit = fmt.Sprintf("%d", *snap.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					shortID(snap.ID), snap.Tool, snap.Status,
					snap.CreatedAt.Format("2006-01-02 15:04:05"), exit)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := findSession(cmd, args[0])
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
	return cmd
}

func newSessionsTraceCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "trace <session-id>",
		Short: "Reconstruct a session's timeline from the audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := findSession(cmd, args[0])
			if err != nil {
				return err
			}
			conn, err := openDatabaseReader(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			events, err := sessionEvents(conn, snap.ID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(map[string]any{"session_id": snap.ID, "events": events})
			}
			for _, ev := range events {
				fmt.Printf("%s  %-28s %s\n", ev.CreatedAt, ev.EventType, ev.Payload)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}

func newSessionsSignalCmd(verb, short, capID string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := capRegistry().Require(capID, auditCapabilityDeny(cmd)); err != nil {
				return err
			}
			snap, err := findSession(cmd, args[0])
			if err != nil {
				return err
			}
			if snap.Status.Terminal() {
				return fmt.Errorf("session %s already ended (%s)", shortID(snap.ID), snap.Status)
			}
			if snap.PID == 0 {
				return fmt.Errorf("session %s has no recorded PID", shortID(snap.ID))
			}
			if err := signalProcess(snap.PID, verb); err != nil {
				return err
			}
			fmt.Printf("%s sent to session %s (pid %d)\n", verb, shortID(snap.ID), snap.PID)
			return nil
		},
	}
}

// auditCapabilityDeny records capability denials in the audit chain when a
// database is reachable.
func auditCapabilityDeny(cmd *cobra.Command) func(string, capability.Decision) {
	return func(capID string, d capability.Decision) {
		conn, err := openDatabase(cmd)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		writer, err := audit.NewWriter(conn, newCLILogger())
		if err != nil {
			return
		}
		_, _ = writer.Append(audit.EventCapabilityDenied, "", "", map[string]any{
			"capability":  capID,
			"reason_code": string(d.ReasonCode),
			"fingerprint": d.Fingerprint,
		})
	}
}

func sessionHistory(cmd *cobra.Command, limit int) ([]session.Snapshot, error) {
	conn, err := openDatabaseReader(cmd)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	return session.NewManager(conn, newCLILogger()).History(limit)
}

// findSession resolves a possibly-shortened session ID against the history.
func findSession(cmd *cobra.Command, id string) (session.Snapshot, error) {
	snapshots, err := sessionHistory(cmd, 500)
	if err != nil {
		return session.Snapshot{}, err
	}
	var matches []session.Snapshot
	for _, snap := range snapshots {
		if snap.ID == id || (len(id) >= 8 && len(snap.ID) >= len(id) && snap.ID[:len(id)] == id) {
			matches = append(matches, snap)
		}
	}
	switch len(matches) {
	case 0:
		return session.Snapshot{}, fmt.Errorf("no session %q", id)
	case 1:
		return matches[0], nil
	default:
		return session.Snapshot{}, fmt.Errorf("session id %q is ambiguous (%d matches)", id, len(matches))
	}
}

type auditLine struct {
	EventType string `json:"event_type"`
	PromptID  string `json:"prompt_id,omitempty"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

func sessionEvents(conn *sql.DB, sessionID string) ([]auditLine, error) {
	rows, err := conn.Query(`
		SELECT event_type, COALESCE(prompt_id,''), payload, created_at
		FROM audit_events WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []auditLine
	for rows.Next() {
		var ev auditLine
		if err := rows.Scan(&ev.EventType, &ev.PromptID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
