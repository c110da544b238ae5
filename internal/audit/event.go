// Package audit records every supervisor decision in an append-only,
// SHA-256 hash-chained event log backed by SQLite.
package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the supervisor. All share one chain.
const (
	EventSessionStarted         = "session_started"
	EventSessionEnded           = "session_ended"
	EventPromptDetected         = "prompt_detected"
	EventPromptRouted           = "prompt_routed"
	EventPromptExpired          = "prompt_expired"
	EventReplyReceived          = "reply_received"
	EventResponseInjected       = "response_injected"
	EventDuplicateCallback      = "duplicate_callback_ignored"
	EventLateReplyRejected      = "late_reply_rejected"
	EventInvalidCallback        = "invalid_callback"
	EventChannelMessageAccepted = "channel_message_accepted"
	EventChannelMessageRejected = "channel_message_rejected"
	EventDaemonRestarted        = "daemon_restarted"
	EventCapabilityDenied       = "capability_denied"
	EventTrustGranted           = "workspace_trust_granted"
	EventTrustRevoked           = "workspace_trust_revoked"
	EventAgentTurn              = "agent_turn"
	EventAgentPlan              = "agent_plan"
	EventAgentDecision          = "agent_decision"
	EventAgentToolRun           = "agent_tool_run"
	EventAgentOutcome           = "agent_outcome"
)

// GenesisHash is the prev_hash of the first event in a fresh database.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one hash-chained audit record.
type Event struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	PromptID  string         `json:"prompt_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// canonicalEvent is the serialization the hash covers. Field order is part
// of the format; changing it breaks verification of existing databases.
type canonicalEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	PromptID  string         `json:"prompt_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
	PrevHash  string         `json:"prev_hash"`
}

// ComputeHash returns the SHA-256 of the canonical serialization of e,
// including its prev_hash. encoding/json emits struct fields in declared
// order and map keys sorted, with no whitespace, which together give the
// canonical form.
func ComputeHash(e Event) (string, error) {
	canonical := canonicalEvent{
		ID:        e.ID,
		EventType: e.EventType,
		SessionID: e.SessionID,
		PromptID:  e.PromptID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to serialize event for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// NewEventID returns a crypto-random 128-bit hex identifier.
func NewEventID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// rand.Read does not fail on supported platforms.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
