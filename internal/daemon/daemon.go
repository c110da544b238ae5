// Package daemon assembles the supervisor: database, audit and trace
// writers, channels, policy, router, and the per-session PTY runtimes. It
// owns the reply receive loop and the prompt expiry sweeper.
package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasbridge/atlasbridge/internal/adapters"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/capability"
	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/channels/slack"
	"github.com/atlasbridge/atlasbridge/internal/channels/telegram"
	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/dashboard"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/interact"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/pty"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/session"
	"github.com/atlasbridge/atlasbridge/internal/trace"
	"github.com/atlasbridge/atlasbridge/internal/trust"
)

const (
	sweepInterval   = 5 * time.Second
	replyBufferSize = 16
)

// Options configure a daemon. Zero values take the defaults under
// ~/.atlasbridge.
type Options struct {
	Config   *config.Config
	StateDir string
	DBPath   string
	// TracePath overrides the decision trace location.
	TracePath string
	// PolicyPath overrides the configured policy file.
	PolicyPath string
	// Stdin, when set, is relayed to the supervised child (foreground runs).
	Stdin io.Reader
	Log   *logger.Logger
	// Capabilities gates optional features; nil leaves them all off.
	Capabilities *capability.Registry

	// channelOverride replaces the real backends in tests.
	channelOverride router.ChannelPort
}

// Daemon is one supervisor process.
type Daemon struct {
	cfg       *config.Config
	stateDir  string
	dbPath    string
	tracePath string
	conn      *sql.DB
	auditW    *audit.Writer
	traceW    *trace.Writer

	sessions      *session.Manager
	conversations *conversation.Registry
	trustStore    *trust.Store
	channel       router.ChannelPort
	router        *router.Router
	locks         []*channels.PollerLock
	stdin         io.Reader
	log           *logger.Logger

	promptTTL time.Duration
	silence   time.Duration

	mu       sync.Mutex
	runtimes map[string]*agentRuntime
}

// agentRuntime is the live terminal side of one session.
type agentRuntime struct {
	supervisor *pty.Supervisor
	detector   *detect.Detector
	executor   *interact.Executor
	forwarder  *channels.Forwarder
}

// New opens the state directory and wires every component. The caller runs
// Run for the shared loops and RunSession per supervised child.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = db.StateDir()
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(stateDir, "atlasbridge.db")
	}
	tracePath := opts.TracePath
	if tracePath == "" {
		tracePath = filepath.Join(stateDir, "trace.jsonl")
	}

	conn, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	auditW, err := audit.NewWriter(conn, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	traceW, err := trace.NewWriter(tracePath, 0)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sessions := session.NewManager(conn, log)
	if interrupted, err := sessions.MarkInterrupted(); err != nil {
		log.WithError(err).Warn("stale session cleanup failed")
	} else if interrupted > 0 {
		_, _ = auditW.Append(audit.EventDaemonRestarted, "", "", map[string]any{
			"interrupted_sessions": interrupted,
		})
	}

	pol, err := loadPolicy(opts.PolicyPath, opts.Config.Policy.Path)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:           opts.Config,
		stateDir:      stateDir,
		dbPath:        dbPath,
		tracePath:     tracePath,
		conn:          conn,
		auditW:        auditW,
		traceW:        traceW,
		sessions:      sessions,
		conversations: conversation.NewRegistry(log),
		trustStore:    trust.NewStore(conn),
		stdin:         opts.Stdin,
		log:           log,
		promptTTL:     time.Duration(opts.Config.Prompts.TimeoutSeconds) * time.Second,
		silence:       time.Duration(opts.Config.Prompts.StuckTimeoutSeconds) * time.Second,
		runtimes:      make(map[string]*agentRuntime),
	}

	d.channel = opts.channelOverride
	if d.channel == nil {
		multi, locks, err := buildChannels(opts.Config, stateDir, log)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		d.channel = multi
		d.locks = locks
	}

	d.router = router.New(pol, sessions, d.conversations, d.channel, d, auditW, traceW, log)
	d.router.AllowChatTurns = opts.Config.Policy.AllowChatTurns
	d.router.AllowInterrupts = opts.Config.Policy.AllowInterrupts
	d.router.AutopilotGate = d.workspaceTrusted
	if opts.Capabilities != nil && opts.Capabilities.IsAllowed(capability.CapMLFusion).Allowed {
		d.router.Scorer = interact.HeuristicScorer{}
	}
	return d, nil
}

// Close releases poller locks and the database connection.
func (d *Daemon) Close() error {
	for _, lock := range d.locks {
		_ = lock.Release()
	}
	return d.conn.Close()
}

// Router exposes the router for callers that feed it directly.
func (d *Daemon) Router() *router.Router { return d.router }

// Sessions exposes the session manager.
func (d *Daemon) Sessions() *session.Manager { return d.sessions }

// Run drives the shared loops: reply receiving, prompt expiry, and the
// dashboard when enabled. It blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.receiveReplies(ctx) })
	g.Go(func() error { return d.sweepLoop(ctx) })
	if d.cfg.Dashboard.Enabled {
		g.Go(func() error { return d.serveDashboard(ctx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// RunSession launches one child under supervision and blocks until it
// exits. Returns the child's exit code.
func (d *Daemon) RunSession(ctx context.Context, tool string, args []string, label, tag string) (int, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return 1, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	argv := append([]string{tool}, args...)

	sess, err := d.sessions.Create(tool, argv, cwd, label, tag)
	if err != nil {
		return 1, err
	}
	trusted, err := d.trustStore.IsTrusted(cwd)
	if err != nil {
		d.log.WithError(err).Warn("workspace trust lookup failed")
	}
	_, _ = d.auditW.Append(audit.EventSessionStarted, sess.ID, "", map[string]any{
		"tool":    tool,
		"argv":    argv,
		"cwd":     cwd,
		"trusted": trusted,
	})

	detector := detect.New(detect.Options{
		SessionID:        sess.ID,
		TTL:              d.promptTTL,
		SilenceThreshold: d.silence,
	})
	forwarder := d.newForwarder(sess.ID)
	var sink pty.ChunkSink
	if forwarder != nil {
		sink = forwarder
	}
	supervisor := pty.NewSupervisor(pty.Config{
		Argv:  argv,
		Cwd:   cwd,
		Stdin: d.stdin,
	}, detector, sink, d.log)
	adapter := adapters.ForTool(tool, supervisor)
	executor := interact.NewExecutor(adapter, detector, d.notifierFor(sess.ID), d.log)

	d.registerRuntime(sess.ID, &agentRuntime{
		supervisor: supervisor,
		detector:   detector,
		executor:   executor,
		forwarder:  forwarder,
	})
	defer d.unregisterRuntime(sess.ID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := supervisor.Start(sessionCtx); err != nil {
		_ = d.sessions.Transition(sess.ID, session.StatusCrashed)
		_, _ = d.auditW.Append(audit.EventSessionEnded, sess.ID, "", map[string]any{
			"error": err.Error(),
		})
		return 1, fmt.Errorf("failed to start %s: %w", tool, err)
	}
	sess.SetPID(supervisor.PID())
	if err := d.sessions.Transition(sess.ID, session.StatusRunning); err != nil {
		d.log.WithError(err).Warn("session transition failed")
	}
	_, _ = d.auditW.Append(audit.EventAgentToolRun, sess.ID, "", map[string]any{
		"tool": tool,
		"argv": argv,
		"pid":  supervisor.PID(),
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.promptLoop(sessionCtx, sess, supervisor)
	}()
	go func() {
		defer wg.Done()
		if forwarder != nil {
			forwarder.Run(sessionCtx)
		}
	}()

	exitCode, _ := supervisor.WaitExit()
	cancel()
	wg.Wait()
	if forwarder != nil {
		forwarder.Flush(context.Background())
	}

	sess.SetExitCode(exitCode)
	status := session.StatusCompleted
	if exitCode != 0 {
		status = session.StatusCrashed
	}
	if err := d.sessions.Transition(sess.ID, status); err != nil {
		d.log.WithError(err).Warn("session close-out transition failed")
	}
	d.conversations.Unbind(sess.ID)
	_, _ = d.auditW.Append(audit.EventSessionEnded, sess.ID, "", map[string]any{
		"exit_code": exitCode,
		"status":    string(status),
	})
	if err := d.channel.Notify(context.Background(),
		fmt.Sprintf("Session ended (%s, exit %d).", tool, exitCode), sess.ID); err != nil {
		d.log.WithError(err).Debug("session end notification failed")
	}
	return exitCode, nil
}

// Pause suspends a running session's child process.
func (d *Daemon) Pause(sessionID string) error {
	rt, ok := d.runtime(sessionID)
	if !ok {
		return fmt.Errorf("no live terminal for session %s", sessionID)
	}
	if err := rt.supervisor.Pause(); err != nil {
		return err
	}
	return d.sessions.Transition(sessionID, session.StatusPaused)
}

// Resume continues a paused session.
func (d *Daemon) Resume(sessionID string) error {
	rt, ok := d.runtime(sessionID)
	if !ok {
		return fmt.Errorf("no live terminal for session %s", sessionID)
	}
	if err := rt.supervisor.Resume(); err != nil {
		return err
	}
	return d.sessions.Transition(sessionID, session.StatusRunning)
}

// Stop terminates a session's child process.
func (d *Daemon) Stop(sessionID string) error {
	rt, ok := d.runtime(sessionID)
	if !ok {
		return fmt.Errorf("no live terminal for session %s", sessionID)
	}
	return rt.supervisor.Stop()
}

// Execute implements router.AgentPort against the session's executor.
func (d *Daemon) Execute(ctx context.Context, sessionID string, ev *detect.PromptEvent, class interact.Class, value string) (interact.Result, error) {
	rt, ok := d.runtime(sessionID)
	if !ok {
		return interact.Result{}, fmt.Errorf("no live terminal for session %s", sessionID)
	}
	result, err := rt.executor.Execute(ctx, ev, class, value)
	if err == nil {
		_, _ = d.auditW.Append(audit.EventAgentTurn, sessionID, ev.PromptID, map[string]any{
			"kind":      "prompt_reply",
			"escalated": result.Escalated,
		})
	}
	return result, err
}

// ChatTurn implements router.AgentPort for free conversation input.
func (d *Daemon) ChatTurn(ctx context.Context, sessionID, value string) (interact.Result, error) {
	rt, ok := d.runtime(sessionID)
	if !ok {
		return interact.Result{}, fmt.Errorf("no live terminal for session %s", sessionID)
	}
	result, err := rt.executor.ChatTurn(ctx, value)
	if err == nil {
		_, _ = d.auditW.Append(audit.EventAgentTurn, sessionID, "", map[string]any{
			"kind": "chat",
		})
	}
	return result, err
}

func (d *Daemon) promptLoop(ctx context.Context, sess *session.Session, supervisor *pty.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-supervisor.Events():
			if !ok {
				return
			}
			if err := d.router.HandlePrompt(ctx, sess, ev); err != nil {
				d.log.WithError(err).Error("prompt handling failed",
					zap.String("session_id", sess.ID),
					zap.String("prompt_id", ev.PromptID))
			}
		}
	}
}

func (d *Daemon) receiveReplies(ctx context.Context) error {
	receiver, ok := d.channel.(channels.ReplyReceiver)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	out := make(chan channels.Reply, replyBufferSize)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiver.ReceiveReplies(ctx, out) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case reply := <-out:
				decision := d.router.HandleReply(ctx, reply)
				d.log.Debug("reply gated",
					zap.String("identity", reply.Identity),
					zap.String("prompt_id", reply.PromptID),
					zap.String("reason_code", string(decision.ReasonCode)),
					zap.Bool("accepted", decision.Accepted))
			}
		}
	})
	return g.Wait()
}

func (d *Daemon) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := d.router.SweepExpired(ctx); n > 0 {
				d.log.Info("expired prompts swept", zap.Int("count", n))
			}
		}
	}
}

func (d *Daemon) serveDashboard(ctx context.Context) error {
	ro, err := db.OpenReader(d.dbPath)
	if err != nil {
		return fmt.Errorf("dashboard database open failed: %w", err)
	}
	defer func() { _ = ro.Close() }()

	server := dashboard.New(ro, d.tracePath, sessionLister{d.sessions}, d.log)
	return server.Start(ctx, d.cfg.Dashboard.Addr)
}

// workspaceTrusted backs the router's autopilot gate: policy auto-replies
// only fire in workspaces the operator has trusted.
func (d *Daemon) workspaceTrusted(sessionID string) bool {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return false
	}
	trusted, err := d.trustStore.IsTrusted(sess.Cwd)
	if err != nil {
		d.log.WithError(err).Warn("workspace trust lookup failed")
		return false
	}
	return trusted
}

func (d *Daemon) registerRuntime(sessionID string, rt *agentRuntime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runtimes[sessionID] = rt
}

func (d *Daemon) unregisterRuntime(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runtimes, sessionID)
}

func (d *Daemon) runtime(sessionID string) (*agentRuntime, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rt, ok := d.runtimes[sessionID]
	return rt, ok
}

// newForwarder returns an output forwarder when the channel can carry
// output, nil otherwise.
func (d *Daemon) newForwarder(sessionID string) *channels.Forwarder {
	sink, ok := d.channel.(channels.OutputSink)
	if !ok {
		return nil
	}
	return channels.NewForwarder(sink, sessionID, d.log)
}

// notifierFor adapts the channel surface to the executor's notifier.
func (d *Daemon) notifierFor(sessionID string) interact.Notifier {
	return sessionNotifier{channel: d.channel, sessionID: sessionID}
}

type sessionNotifier struct {
	channel   router.ChannelPort
	sessionID string
}

func (n sessionNotifier) Notify(ctx context.Context, message string) error {
	return n.channel.Notify(ctx, message, n.sessionID)
}

// sessionLister feeds live session snapshots to the dashboard.
type sessionLister struct {
	mgr *session.Manager
}

func (l sessionLister) ListJSON() []map[string]any {
	snapshots := l.mgr.List()
	out := make([]map[string]any, 0, len(snapshots))
	for _, snap := range snapshots {
		raw, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// buildChannels constructs the configured backends behind a MultiChannel,
// taking a poller lock per bot token.
func buildChannels(cfg *config.Config, stateDir string, log *logger.Logger) (*channels.MultiChannel, []*channels.PollerLock, error) {
	var (
		backends []channels.Channel
		locks    []*channels.PollerLock
	)
	release := func() {
		for _, lock := range locks {
			_ = lock.Release()
		}
	}

	if cfg.Telegram.Enabled() {
		lock, err := channels.AcquirePollerLock(stateDir, "telegram", cfg.Telegram.BotToken)
		if err != nil {
			release()
			return nil, nil, err
		}
		locks = append(locks, lock)
		ch, err := telegram.New(telegram.Config{
			BotToken:     cfg.Telegram.BotToken,
			AllowedUsers: cfg.Telegram.AllowedUsers,
		}, log)
		if err != nil {
			release()
			return nil, nil, err
		}
		backends = append(backends, ch)
	}
	if cfg.Slack.Enabled() {
		lock, err := channels.AcquirePollerLock(stateDir, "slack", cfg.Slack.AppToken)
		if err != nil {
			release()
			return nil, nil, err
		}
		locks = append(locks, lock)
		ch, err := slack.New(slack.Config{
			BotToken:     cfg.Slack.BotToken,
			AppToken:     cfg.Slack.AppToken,
			ChannelID:    cfg.Slack.ChannelID,
			AllowedUsers: cfg.Slack.AllowedUsers,
		}, log)
		if err != nil {
			release()
			return nil, nil, err
		}
		backends = append(backends, ch)
	}
	if len(backends) == 0 {
		release()
		return nil, nil, fmt.Errorf("no notification channel configured; add [telegram] or [slack] to the config")
	}

	multi, err := channels.NewMultiChannel(log, backends...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return multi, locks, nil
}

// loadPolicy resolves the effective policy: explicit flag, configured path,
// then the built-in require-human default.
func loadPolicy(override, configured string) (*policy.Policy, error) {
	path := override
	if path == "" {
		path = configured
	}
	if path == "" {
		return policy.Default(), nil
	}
	pol, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return pol, nil
}
