// Package router wires the forward path (detected prompt -> policy ->
// autopilot or human channel) and the return path (human reply -> gate ->
// injection). It is the only writer of prompt lifecycle transitions.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channels"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/conversation"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/gate"
	"github.com/atlasbridge/atlasbridge/internal/interact"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/redact"
	"github.com/atlasbridge/atlasbridge/internal/session"
	"github.com/atlasbridge/atlasbridge/internal/trace"
)

// ChannelPort is the channel surface the router needs; MultiChannel
// implements it.
type ChannelPort interface {
	SendPrompt(ctx context.Context, ev *detect.PromptEvent) (string, error)
	Notify(ctx context.Context, text, sessionID string) error
	EditPromptMessage(ctx context.Context, messageID, newText string) error
	IsAllowed(identity string) bool
}

// AgentPort executes injections against a session's terminal; the daemon
// binds it to each session's interaction executor.
type AgentPort interface {
	Execute(ctx context.Context, sessionID string, ev *detect.PromptEvent, class interact.Class, value string) (interact.Result, error)
	ChatTurn(ctx context.Context, sessionID, value string) (interact.Result, error)
}

// Router dispatches prompts out and replies back.
type Router struct {
	mu     sync.Mutex
	policy *policy.Policy
	// prompts indexes live prompt state machines by prompt ID.
	prompts map[string]*promptEntry
	// usedNonces enforces single-use replies.
	usedNonces map[string]time.Time

	sessions      *session.Manager
	conversations *conversation.Registry
	channel       ChannelPort
	agent         AgentPort
	audit         *audit.Writer
	trace         *trace.Writer
	limiter       *gate.RateLimiter
	log           *logger.Logger
	now           func() time.Time

	// AllowChatTurns and AllowInterrupts mirror policy-level switches
	// consulted by the gate.
	AllowChatTurns  bool
	AllowInterrupts bool
	// AutopilotGate, when set, is consulted before any policy auto-reply
	// fires; a false return downgrades the prompt to the human path. The
	// daemon binds it to the workspace trust store.
	AutopilotGate func(sessionID string) bool
	// Scorer, when set, supplies a second classification that is fused
	// with the deterministic one. The daemon sets it only when the
	// ml_fusion capability is granted.
	Scorer interact.Scorer
}

type promptEntry struct {
	state     *detect.PromptState
	sessionID string
	class     interact.Class
}

// New creates a router. The policy may be swapped later via SetPolicy.
func New(pol *policy.Policy, sessions *session.Manager, conversations *conversation.Registry,
	channel ChannelPort, agent AgentPort, auditW *audit.Writer, traceW *trace.Writer,
	log *logger.Logger) *Router {
	return &Router{
		policy:        pol,
		prompts:       make(map[string]*promptEntry),
		usedNonces:    make(map[string]time.Time),
		sessions:      sessions,
		conversations: conversations,
		channel:       channel,
		agent:         agent,
		audit:         auditW,
		trace:         traceW,
		limiter:       gate.NewRateLimiter(0, 0),
		log:           log,
		now:           time.Now,
	}
}

// SetPolicy swaps the active policy; a failed reload keeps the old one,
// so the caller only hands over validated policies.
func (r *Router) SetPolicy(pol *policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = pol
}

func (r *Router) currentPolicy() *policy.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// HandlePrompt is the forward path: classify via policy, then either
// autopilot or route to the human channel.
func (r *Router) HandlePrompt(ctx context.Context, sess *session.Session, ev *detect.PromptEvent) error {
	class := interact.Classify(ev)
	confidence := ev.Confidence
	var disagreement bool
	if r.Scorer != nil {
		fused := interact.Fuse(
			interact.Classification{Class: class, Confidence: ev.Confidence},
			r.Scorer.Score(ev))
		class, confidence, disagreement = fused.Class, fused.Confidence, fused.Disagreement
	}
	ps := detect.NewPromptState(ev)
	r.register(ps, sess.ID, class)
	r.persistPrompt(ps)

	detectedPayload := map[string]any{
		"prompt_type": string(ev.Type),
		"confidence":  string(confidence),
		"excerpt":     ev.Excerpt,
	}
	if disagreement {
		detectedPayload["fusion_disagreement"] = true
	}
	r.appendAudit(audit.EventPromptDetected, sess.ID, ev.PromptID, detectedPayload)

	decision := r.currentPolicy().Evaluate(policy.Event{
		ToolID:         sess.Tool,
		Cwd:            sess.Cwd,
		PromptType:     string(ev.Type),
		Excerpt:        ev.Excerpt,
		Confidence:     policy.Confidence(confidence),
		SessionTag:     sess.Tag,
		SessionState:   string(sess.Status()),
		InputType:      string(class),
		AutoReplyCount: sess.AutoReplies(),
	})
	r.appendTrace(decision, sess.ID, ev.PromptID, class)
	r.appendAudit(audit.EventAgentDecision, sess.ID, ev.PromptID, map[string]any{
		"rule_id":    decision.MatchedRuleID,
		"action":     string(decision.Action.Type),
		"confidence": string(decision.Confidence),
	})

	switch decision.Action.Type {
	case policy.ActionAutoReply:
		if r.AutopilotGate != nil && !r.AutopilotGate(sess.ID) {
			r.log.Warn("auto-reply blocked: workspace not trusted",
				zap.String("session_id", sess.ID),
				zap.String("cwd", sess.Cwd),
				zap.String("rule_id", decision.MatchedRuleID))
			r.appendAudit(audit.EventChannelMessageRejected, sess.ID, ev.PromptID, map[string]any{
				"reason":  "workspace_untrusted",
				"rule_id": decision.MatchedRuleID,
			})
			return r.routeToHuman(ctx, sess, ps)
		}
		return r.autopilot(ctx, sess, ps, class, decision)
	case policy.ActionNotifyOnly:
		message := decision.Action.Message
		if message == "" {
			message = fmt.Sprintf("The agent hit a prompt (no reply needed):\n%s", ev.Excerpt)
		}
		if err := r.channel.Notify(ctx, message, sess.ID); err != nil {
			r.log.WithError(err).Warn("notify_only delivery failed")
		}
		r.advanceTo(ps, detect.StatusResolved)
		r.persistPrompt(ps)
		r.unregister(ev.PromptID)
		return nil
	case policy.ActionDeny:
		reason := decision.Action.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		r.advanceTo(ps, detect.StatusFailed)
		r.persistPrompt(ps)
		r.appendAudit(audit.EventChannelMessageRejected, sess.ID, ev.PromptID, map[string]any{
			"reason":  reason,
			"rule_id": decision.MatchedRuleID,
		})
		if err := r.channel.Notify(ctx,
			fmt.Sprintf("A prompt was denied by policy (%s). The agent is still waiting locally.", reason),
			sess.ID); err != nil {
			r.log.WithError(err).Warn("deny notification failed")
		}
		r.unregister(ev.PromptID)
		return nil
	default:
		return r.routeToHuman(ctx, sess, ps)
	}
}

// autopilot executes a policy auto-reply through the interaction executor.
func (r *Router) autopilot(ctx context.Context, sess *session.Session, ps *detect.PromptState, class interact.Class, decision policy.Decision) error {
	ev := ps.Event()
	r.appendPlan(sess.ID, ev.PromptID, class)
	result, err := r.agent.Execute(ctx, sess.ID, ev, class, decision.Action.Value)
	if err != nil {
		r.advanceTo(ps, detect.StatusFailed)
		r.persistPrompt(ps)
		r.appendAudit(audit.EventResponseInjected, sess.ID, ev.PromptID, map[string]any{
			"source": "autopilot",
			"error":  err.Error(),
		})
		r.appendOutcome(sess.ID, ev.PromptID, interact.Result{}, err)
		r.unregister(ev.PromptID)
		return fmt.Errorf("autopilot injection failed: %w", err)
	}
	sess.CountAutoReply()

	value := decision.Action.Value
	if interact.PlanFor(class).SuppressValue {
		value = redact.Placeholder
	}
	r.advanceTo(ps, detect.StatusResolved)
	r.persistPrompt(ps)
	r.appendAudit(audit.EventResponseInjected, sess.ID, ev.PromptID, map[string]any{
		"source":    "autopilot",
		"rule_id":   decision.MatchedRuleID,
		"value":     value,
		"escalated": result.Escalated,
	})
	r.appendOutcome(sess.ID, ev.PromptID, result, nil)
	r.unregister(ev.PromptID)
	return nil
}

// routeToHuman claims the session's single prompt slot and dispatches, or
// queues the prompt behind the active one.
func (r *Router) routeToHuman(ctx context.Context, sess *session.Session, ps *detect.PromptState) error {
	if !sess.ClaimPromptSlot(ps) {
		r.log.Debug("prompt queued behind active prompt",
			zap.String("session_id", sess.ID),
			zap.String("prompt_id", ps.Event().PromptID),
			zap.Int("queue_depth", sess.PendingCount()))
		return nil
	}
	return r.dispatch(ctx, sess, ps)
}

// dispatch sends the active prompt to the channel and moves it to
// awaiting_reply.
func (r *Router) dispatch(ctx context.Context, sess *session.Session, ps *detect.PromptState) error {
	ev := ps.Event()
	if err := ps.Advance(detect.StatusRouted); err != nil {
		return err
	}

	messageID, err := r.channel.SendPrompt(ctx, ev)
	if err != nil {
		_ = ps.Advance(detect.StatusFailed)
		r.persistPrompt(ps)
		sess.ReleasePromptSlot()
		r.appendAudit(audit.EventPromptRouted, sess.ID, ev.PromptID, map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("prompt dispatch failed: %w", err)
	}
	ps.SetMessageID(messageID)
	sess.SetMessageHandle(ev.PromptID, messageID)
	if err := ps.Advance(detect.StatusAwaitingReply); err != nil {
		return err
	}
	r.persistPrompt(ps)
	if err := r.sessions.Transition(sess.ID, session.StatusAwaitingReply); err != nil {
		r.log.WithError(err).Warn("session transition failed")
	}
	r.conversations.TransitionBySession(sess.ID, conversation.StateAwaitingInput)

	r.appendAudit(audit.EventPromptRouted, sess.ID, ev.PromptID, map[string]any{
		"message_id":  messageID,
		"prompt_type": string(ev.Type),
	})
	return nil
}

// HandleReply is the return path. The returned decision is what the
// channel should show the user.
func (r *Router) HandleReply(ctx context.Context, reply channels.Reply) gate.Decision {
	if !r.limiter.Allow(reply.Channel, reply.Identity) {
		d := gate.Decision{
			ReasonCode: gate.RejectRateLimited,
			Message:    "Too many messages; slow down.",
		}
		r.appendAudit(audit.EventChannelMessageRejected, reply.SessionID, reply.PromptID, map[string]any{
			"reason_code": string(d.ReasonCode),
			"identity":    reply.Identity,
		})
		return d
	}

	entry, sess := r.resolveTarget(&reply)
	if reply.PromptID != "" && entry == nil {
		r.appendAudit(audit.EventInvalidCallback, reply.SessionID, reply.PromptID, map[string]any{
			"identity": reply.Identity,
		})
		return gate.Decision{
			ReasonCode: gate.RejectNotAwaitingInput,
			Message:    "That prompt is no longer active.",
		}
	}

	if r.nonceUsed(reply.Nonce) {
		r.appendAudit(audit.EventDuplicateCallback, reply.SessionID, reply.PromptID, map[string]any{
			"identity": reply.Identity,
		})
		return gate.Decision{
			ReasonCode: gate.RejectDefault,
			Message:    "This reply was already processed.",
		}
	}

	decision := gate.Decide(r.gateContext(reply, entry, sess))
	if !decision.Accepted {
		r.recordRejection(ctx, reply, entry, decision)
		return decision
	}
	r.markNonceUsed(reply.Nonce)
	r.appendAudit(audit.EventChannelMessageAccepted, sessionIDof(sess), reply.PromptID, map[string]any{
		"reason_code": string(decision.ReasonCode),
		"identity":    reply.Identity,
	})

	switch decision.ReasonCode {
	case gate.AcceptReply:
		r.deliverReply(ctx, reply, entry, sess)
	case gate.AcceptChatTurn, gate.AcceptInterrupt:
		if _, err := r.agent.ChatTurn(ctx, sessionIDof(sess), reply.Value); err != nil {
			r.log.WithError(err).Warn("chat turn injection failed")
		}
	}
	return decision
}

// deliverReply runs the accepted reply through the interaction executor
// and closes out the prompt.
func (r *Router) deliverReply(ctx context.Context, reply channels.Reply, entry *promptEntry, sess *session.Session) {
	ev := entry.state.Event()
	if err := entry.state.Advance(detect.StatusReplyReceived); err != nil {
		r.log.WithError(err).Warn("reply arrived in unexpected prompt state")
		return
	}
	r.persistPrompt(entry.state)
	r.persistReply(reply, displayValue(entry.class, reply.Value), true)
	r.appendAudit(audit.EventReplyReceived, sess.ID, ev.PromptID, map[string]any{
		"identity": reply.Identity,
		"value":    displayValue(entry.class, reply.Value),
	})

	r.appendPlan(sess.ID, ev.PromptID, entry.class)
	result, err := r.agent.Execute(ctx, sess.ID, ev, entry.class, reply.Value)
	if err != nil {
		_ = entry.state.Advance(detect.StatusFailed)
		r.persistPrompt(entry.state)
		r.log.WithError(err).Error("reply injection failed")
		r.appendOutcome(sess.ID, ev.PromptID, interact.Result{}, err)
		r.finishPrompt(ctx, sess, entry, fmt.Sprintf("⚠ Injection failed: %v", err))
		return
	}
	_ = entry.state.Advance(detect.StatusInjected)
	r.appendAudit(audit.EventResponseInjected, sess.ID, ev.PromptID, map[string]any{
		"source":    "human",
		"value":     displayValue(entry.class, reply.Value),
		"escalated": result.Escalated,
	})
	if !result.Escalated {
		_ = entry.state.Advance(detect.StatusResolved)
	}
	r.persistPrompt(entry.state)
	r.appendOutcome(sess.ID, ev.PromptID, result, nil)

	r.finishPrompt(ctx, sess,
		entry, fmt.Sprintf("✓ Answered: '%s'", displayValue(entry.class, reply.Value)))

	if err := r.sessions.Transition(sess.ID, session.StatusRunning); err == nil {
		r.conversations.TransitionBySession(sess.ID, conversation.StateRunning)
	}
}

// finishPrompt edits the channel message, frees the slot, and dispatches
// the next queued prompt.
func (r *Router) finishPrompt(ctx context.Context, sess *session.Session, entry *promptEntry, editText string) {
	if messageID := entry.state.MessageID(); messageID != "" {
		if err := r.channel.EditPromptMessage(ctx, messageID, editText); err != nil {
			r.log.WithError(err).Warn("prompt message edit failed")
		}
	}
	r.unregister(entry.state.Event().PromptID)

	if next := sess.ReleasePromptSlot(); next != nil {
		if err := r.dispatch(ctx, sess, next); err != nil {
			r.log.WithError(err).Error("queued prompt dispatch failed")
		}
	}
}

// recordRejection audits a gate reject and updates the channel message for
// expiry rejections.
func (r *Router) recordRejection(ctx context.Context, reply channels.Reply, entry *promptEntry, decision gate.Decision) {
	eventType := audit.EventChannelMessageRejected
	if decision.ReasonCode == gate.RejectTTLExpired {
		eventType = audit.EventLateReplyRejected
	}
	class := interact.ClassChatInput
	if entry != nil {
		class = entry.class
	}
	r.persistReply(reply, displayValue(class, reply.Value), false)
	r.appendAudit(eventType, reply.SessionID, reply.PromptID, map[string]any{
		"reason_code": string(decision.ReasonCode),
		"identity":    reply.Identity,
	})

	if decision.ReasonCode == gate.RejectTTLExpired && entry != nil {
		if messageID := entry.state.MessageID(); messageID != "" {
			if err := r.channel.EditPromptMessage(ctx, messageID, "⏰ This prompt expired before a reply arrived."); err != nil {
				r.log.WithError(err).Warn("expiry edit failed")
			}
		}
	}
}

// SweepExpired expires overdue prompts: terminal transition, audit event,
// channel edit, and queue drain. Called periodically by the daemon.
func (r *Router) SweepExpired(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	var expired []*promptEntry
	for _, entry := range r.prompts {
		if !entry.state.Terminal() && entry.state.Event().Expired(now) {
			expired = append(expired, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range expired {
		ev := entry.state.Event()
		r.advanceTo(entry.state, detect.StatusExpired)
		r.persistPrompt(entry.state)
		r.appendAudit(audit.EventPromptExpired, entry.sessionID, ev.PromptID, map[string]any{
			"expired_at": now.UTC().Format(time.RFC3339),
		})
		sess, ok := r.sessions.Get(entry.sessionID)
		if !ok {
			r.unregister(ev.PromptID)
			continue
		}
		wasActive := sess.ActivePromptID() == ev.PromptID
		if messageID := entry.state.MessageID(); messageID != "" {
			if err := r.channel.EditPromptMessage(ctx, messageID, "⏰ This prompt expired before a reply arrived."); err != nil {
				r.log.WithError(err).Warn("expiry edit failed")
			}
		}
		r.unregister(ev.PromptID)
		if wasActive {
			if next := sess.ReleasePromptSlot(); next != nil {
				if err := r.dispatch(ctx, sess, next); err != nil {
					r.log.WithError(err).Error("queued prompt dispatch failed")
				}
			}
		}
	}
	return len(expired)
}

// resolveTarget finds the prompt entry and session a reply refers to,
// either via its prompt ID or the conversation binding of its thread.
func (r *Router) resolveTarget(reply *channels.Reply) (*promptEntry, *session.Session) {
	var entry *promptEntry
	if reply.PromptID != "" {
		r.mu.Lock()
		entry = r.prompts[reply.PromptID]
		r.mu.Unlock()
	}
	sessionID := reply.SessionID
	if entry != nil {
		sessionID = entry.sessionID
	}
	if sessionID == "" && reply.ThreadID != "" {
		if bound, ok := r.conversations.Resolve(reply.Channel, reply.ThreadID); ok {
			sessionID = bound
		}
	}
	if sessionID == "" {
		return entry, nil
	}
	reply.SessionID = sessionID
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return entry, nil
	}
	// Cross-session safety: a prompt callback must match the thread's
	// bound session when a binding exists.
	if entry != nil && reply.ThreadID != "" {
		if bound, ok := r.conversations.Resolve(reply.Channel, reply.ThreadID); ok && bound != entry.sessionID {
			return nil, nil
		}
	}
	return entry, sess
}

// gateContext freezes the inputs for the gate decision.
func (r *Router) gateContext(reply channels.Reply, entry *promptEntry, sess *session.Session) gate.Context {
	ctx := gate.Context{
		ChannelUserAllowed:     r.channel.IsAllowed(reply.Identity),
		SessionBound:           sess != nil,
		PolicyAllowsChatTurns:  r.AllowChatTurns,
		PolicyAllowsInterrupts: r.AllowInterrupts,
		Now:                    r.now(),
	}
	if sess == nil {
		return ctx
	}
	if state, ok := r.conversations.StateOf(reply.Channel, reply.ThreadID); ok {
		ctx.State = gate.ConversationState(state)
	} else {
		ctx.State = sessionStateToConversation(sess.Status())
	}
	if entry != nil && sess.ActivePromptID() == entry.state.Event().PromptID {
		ctx.HasActivePrompt = true
		ctx.PromptExpiresAt = entry.state.Event().ExpiresAt
		ctx.InteractionClass = string(entry.class)
	}
	return ctx
}

func sessionStateToConversation(status session.Status) gate.ConversationState {
	switch status {
	case session.StatusAwaitingReply:
		return gate.StateAwaitingInput
	case session.StatusStarting, session.StatusRunning, session.StatusPaused:
		return gate.StateRunning
	case session.StatusCompleted, session.StatusCrashed, session.StatusCanceled:
		return gate.StateStopped
	}
	return gate.StateIdle
}

func (r *Router) register(ps *detect.PromptState, sessionID string, class interact.Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts[ps.Event().PromptID] = &promptEntry{state: ps, sessionID: sessionID, class: class}
}

func (r *Router) unregister(promptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prompts, promptID)
}

func (r *Router) nonceUsed(nonce string) bool {
	if nonce == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, used := r.usedNonces[nonce]
	return used
}

func (r *Router) markNonceUsed(nonce string) {
	if nonce == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usedNonces[nonce] = r.now()
	// Old nonces never become valid again, but the map must not grow
	// unbounded across a long daemon life.
	if len(r.usedNonces) > 10000 {
		cutoff := r.now().Add(-24 * time.Hour)
		for n, t := range r.usedNonces {
			if t.Before(cutoff) {
				delete(r.usedNonces, n)
			}
		}
	}
}

// advanceTo walks the prompt lifecycle chain to the target state, taking
// the legal intermediate edges.
func (r *Router) advanceTo(ps *detect.PromptState, target detect.PromptStatus) {
	chain := []detect.PromptStatus{
		detect.StatusRouted, detect.StatusAwaitingReply,
		detect.StatusReplyReceived, detect.StatusInjected,
	}
	if target == detect.StatusExpired || target == detect.StatusFailed {
		_ = ps.Advance(target)
		return
	}
	for _, step := range chain {
		if ps.Status() == target {
			return
		}
		_ = ps.Advance(step)
	}
	_ = ps.Advance(target)
}

// persistPrompt mirrors the prompt's current lifecycle state into its
// database row.
func (r *Router) persistPrompt(ps *detect.PromptState) {
	if err := r.sessions.RecordPrompt(ps.Event(), string(ps.Status())); err != nil {
		r.log.WithError(err).Warn("prompt row write failed")
	}
}

// persistReply stores the reply row; value is the display form, already
// suppressed for password classes.
func (r *Router) persistReply(reply channels.Reply, value string, accepted bool) {
	if err := r.sessions.RecordReply(reply.Nonce, reply.PromptID, reply.SessionID,
		value, reply.Identity, reply.ThreadID, accepted); err != nil {
		r.log.WithError(err).Warn("reply row write failed")
	}
}

// appendPlan records the interaction plan chosen for an injection in the
// audit chain, right before the executor runs it.
func (r *Router) appendPlan(sessionID, promptID string, class interact.Class) {
	plan := interact.PlanFor(class)
	r.appendAudit(audit.EventAgentPlan, sessionID, promptID, map[string]any{
		"class":          string(class),
		"append_cr":      plan.AppendCR,
		"max_retries":    plan.MaxRetries,
		"verify_advance": plan.VerifyAdvance,
	})
}

// appendOutcome records how an injection ended.
func (r *Router) appendOutcome(sessionID, promptID string, result interact.Result, err error) {
	payload := map[string]any{
		"result":    "injected",
		"escalated": result.Escalated,
		"retries":   result.Retries,
	}
	if err != nil {
		payload = map[string]any{"result": "failed", "error": err.Error()}
	}
	r.appendAudit(audit.EventAgentOutcome, sessionID, promptID, payload)
}

func (r *Router) appendAudit(eventType, sessionID, promptID string, payload map[string]any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(eventType, sessionID, promptID, payload); err != nil {
		r.log.WithError(err).Error("audit append failed", zap.String("event_type", eventType))
	}
}

func (r *Router) appendTrace(decision policy.Decision, sessionID, promptID string, class interact.Class) {
	if r.trace == nil {
		return
	}
	_, err := r.trace.Append(trace.Entry{
		SessionID:      sessionID,
		PromptID:       promptID,
		PolicyHash:     decision.PolicyHash,
		MatchedRuleID:  decision.MatchedRuleID,
		Confidence:     string(decision.Confidence),
		Action:         string(decision.Action.Type),
		Explanation:    decision.Explanation,
		IdempotencyKey: promptID + ":" + decision.PolicyHash,
		RiskLevel:      riskLevel(decision, class),
	})
	if err != nil {
		r.log.WithError(err).Error("decision trace append failed")
	}
}

// riskLevel grades a decision for the trace: injecting into a password
// prompt or acting on low confidence is high risk, autopilot is medium,
// handing to a human is low.
func riskLevel(decision policy.Decision, class interact.Class) string {
	if class == interact.ClassPasswordInput || decision.Confidence == policy.ConfidenceLow {
		return "high"
	}
	if decision.Action.Type == policy.ActionAutoReply {
		return "medium"
	}
	return "low"
}

func displayValue(class interact.Class, value string) string {
	if interact.PlanFor(class).SuppressValue {
		return redact.Placeholder
	}
	return strings.TrimSpace(value)
}

func sessionIDof(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
