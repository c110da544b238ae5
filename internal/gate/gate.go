// Package gate decides whether an inbound channel message may act on a
// session. Decide is a pure function over a frozen context snapshot, so
// every accept/reject is reproducible from its inputs.
package gate

import "time"

// ReasonCode labels the gate outcome.
type ReasonCode string

const (
	AcceptReply     ReasonCode = "accept_reply"
	AcceptChatTurn  ReasonCode = "accept_chat_turn"
	AcceptInterrupt ReasonCode = "accept_interrupt"

	RejectIdentityNotAllowlisted ReasonCode = "reject_identity_not_allowlisted"
	RejectNoActiveSession        ReasonCode = "reject_no_active_session"
	RejectBusyStreaming          ReasonCode = "reject_busy_streaming"
	RejectBusyRunning            ReasonCode = "reject_busy_running"
	RejectNotAwaitingInput       ReasonCode = "reject_not_awaiting_input"
	RejectTTLExpired             ReasonCode = "reject_ttl_expired"
	RejectUnsafeInputType        ReasonCode = "reject_unsafe_input_type"
	RejectRateLimited            ReasonCode = "reject_rate_limited"
	RejectDefault                ReasonCode = "reject_default"
)

// ConversationState is the bound conversation's lifecycle state as the
// gate sees it.
type ConversationState string

const (
	StateIdle          ConversationState = "idle"
	StateRunning       ConversationState = "running"
	StateStreaming     ConversationState = "streaming"
	StateAwaitingInput ConversationState = "awaiting_input"
	StateStopped       ConversationState = "stopped"
)

// Context is the frozen snapshot the gate evaluates. The caller resolves
// bindings, prompt state, and policy switches before calling Decide.
type Context struct {
	ChannelUserAllowed bool
	SessionBound       bool
	State              ConversationState

	HasActivePrompt  bool
	PromptExpiresAt  time.Time
	InteractionClass string

	PolicyAllowsInterrupts bool
	PolicyAllowsChatTurns  bool

	Now time.Time
}

// Decision is the gate verdict. Message and NextActionHint are safe for
// user display: no session or prompt IDs appear in them.
type Decision struct {
	Accepted       bool       `json:"accepted"`
	ReasonCode     ReasonCode `json:"reason_code"`
	Message        string     `json:"message"`
	NextActionHint string     `json:"next_action_hint,omitempty"`
}

func accept(code ReasonCode, msg string) Decision {
	return Decision{Accepted: true, ReasonCode: code, Message: msg}
}

func reject(code ReasonCode, msg, hint string) Decision {
	return Decision{ReasonCode: code, Message: msg, NextActionHint: hint}
}

// Decide evaluates the fixed rule order: identity, session existence,
// busy states, the awaiting-input path, the idle path, then a default
// reject.
func Decide(ctx Context) Decision {
	if !ctx.ChannelUserAllowed {
		return reject(RejectIdentityNotAllowlisted,
			"You are not authorized to control this session.", "")
	}
	if !ctx.SessionBound || ctx.State == StateStopped {
		return reject(RejectNoActiveSession,
			"No active session is bound to this conversation.",
			"Start a session and try again.")
	}

	switch ctx.State {
	case StateStreaming:
		return reject(RejectBusyStreaming,
			"The agent is still streaming output.",
			"Wait for the agent to finish, then resend.")
	case StateRunning:
		if ctx.PolicyAllowsInterrupts {
			return accept(AcceptInterrupt, "Interrupt delivered to the running agent.")
		}
		return reject(RejectBusyRunning,
			"The agent is busy working.",
			"Wait for the next prompt, or enable interrupts in policy.")
	case StateAwaitingInput:
		if !ctx.HasActivePrompt {
			return reject(RejectNotAwaitingInput,
				"There is no prompt waiting for a reply.", "")
		}
		if !ctx.PromptExpiresAt.IsZero() && !ctx.Now.Before(ctx.PromptExpiresAt) {
			return reject(RejectTTLExpired,
				"This prompt has expired.",
				"Respond at the terminal, or wait for the next prompt.")
		}
		if ctx.InteractionClass == "password_input" {
			return reject(RejectUnsafeInputType,
				"Passwords and secrets must be typed locally, not sent over chat.",
				"Enter the value directly at the terminal.")
		}
		return accept(AcceptReply, "Reply accepted.")
	case StateIdle:
		if ctx.PolicyAllowsChatTurns {
			return accept(AcceptChatTurn, "Message forwarded to the agent.")
		}
		return reject(RejectDefault,
			"The session is idle and chat turns are disabled.",
			"Enable chat turns in policy to talk to an idle agent.")
	}

	return reject(RejectDefault, "Message cannot be handled right now.", "")
}
