package detect

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// PromptType is the detected shape of the input request.
type PromptType string

const (
	PromptYesNo          PromptType = "yes_no"
	PromptConfirmEnter   PromptType = "confirm_enter"
	PromptMultipleChoice PromptType = "multiple_choice"
	PromptFreeText       PromptType = "free_text"
)

// Confidence grades how certain the detector is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// TTL bounds for prompt expiry.
const (
	DefaultTTL = 300 * time.Second
	MinTTL     = 30 * time.Second
	MaxTTL     = 3600 * time.Second
)

// ClampTTL forces a configured TTL into the allowed range; zero means the
// default.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}

// PromptEvent is one detected input-blocked prompt. Immutable once
// created; lifecycle lives in the companion PromptState.
type PromptEvent struct {
	PromptID   string     `json:"prompt_id"`
	SessionID  string     `json:"session_id"`
	Type       PromptType `json:"prompt_type"`
	Confidence Confidence `json:"confidence"`
	Excerpt    string     `json:"excerpt"`
	Choices    []string   `json:"choices,omitempty"`
	// Ambiguous marks LOW-confidence silence detections the human should
	// confirm before any reply is injected.
	Ambiguous bool `json:"ambiguous,omitempty"`
	// TTYBlocked marks events backed by an OS report that the child is
	// parked on a stdin read. The router skips the MED confirmation
	// buffer for these.
	TTYBlocked bool      `json:"tty_blocked,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the prompt's TTL has lapsed.
func (e *PromptEvent) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func newPromptID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf[:])
}

// PromptStatus is one lifecycle state of a prompt.
type PromptStatus string

const (
	StatusDetected      PromptStatus = "detected"
	StatusRouted        PromptStatus = "routed"
	StatusAwaitingReply PromptStatus = "awaiting_reply"
	StatusReplyReceived PromptStatus = "reply_received"
	StatusInjected      PromptStatus = "injected"
	StatusResolved      PromptStatus = "resolved"
	StatusExpired       PromptStatus = "expired"
	StatusFailed        PromptStatus = "failed"
)

// legalTransitions is the prompt lifecycle graph. expired and failed are
// reachable from every non-terminal state; resolved only via injected.
var legalTransitions = map[PromptStatus][]PromptStatus{
	StatusDetected:      {StatusRouted, StatusExpired, StatusFailed},
	StatusRouted:        {StatusAwaitingReply, StatusExpired, StatusFailed},
	StatusAwaitingReply: {StatusReplyReceived, StatusExpired, StatusFailed},
	StatusReplyReceived: {StatusInjected, StatusExpired, StatusFailed},
	StatusInjected:      {StatusResolved, StatusFailed},
	StatusResolved:      {},
	StatusExpired:       {},
	StatusFailed:        {},
}

// PromptState tracks a prompt through its lifecycle and remembers the
// channel message handle once routed.
type PromptState struct {
	mu     sync.Mutex
	event  *PromptEvent
	status PromptStatus
	// MessageID is the channel handle for later edits, set on routing.
	messageID string
}

// NewPromptState starts lifecycle tracking at detected.
func NewPromptState(event *PromptEvent) *PromptState {
	return &PromptState{event: event, status: StatusDetected}
}

// Event returns the immutable prompt.
func (s *PromptState) Event() *PromptEvent {
	return s.event
}

// Status returns the current lifecycle state.
func (s *PromptState) Status() PromptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Advance moves to the target state, failing on illegal edges.
func (s *PromptState) Advance(to PromptStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, next := range legalTransitions[s.status] {
		if next == to {
			s.status = to
			return nil
		}
	}
	return fmt.Errorf("illegal prompt transition %s -> %s for prompt %s",
		s.status, to, s.event.PromptID)
}

// Terminal reports whether the prompt can no longer change state.
func (s *PromptState) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(legalTransitions[s.status]) == 0
}

// SetMessageID records the channel message handle for later edits.
func (s *PromptState) SetMessageID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageID = id
}

// MessageID returns the recorded channel message handle.
func (s *PromptState) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}
