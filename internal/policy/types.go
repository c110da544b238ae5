// Package policy implements the declarative YAML rule DSL that decides,
// per detected prompt, whether to auto-reply, require a human, deny, or
// notify only. Evaluation is FIRST-MATCH-WINS; v1 adds the any_of/none_of
// combinators and extends.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Confidence mirrors the detector's self-reported certainty.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// rank orders confidences for min/max comparison. Unknown ranks lowest.
func (c Confidence) rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// Valid reports whether c is one of the three known confidences.
func (c Confidence) Valid() bool { return c.rank() != 0 }

// ActionType tags the rule action variant.
type ActionType string

const (
	ActionAutoReply    ActionType = "auto_reply"
	ActionRequireHuman ActionType = "require_human"
	ActionDeny         ActionType = "deny"
	ActionNotifyOnly   ActionType = "notify_only"
)

// Action is a tagged variant: Value is set for auto_reply, Message for
// require_human/notify_only, Reason for deny.
type Action struct {
	Type    ActionType `json:"type"`
	Value   string     `json:"value,omitempty"`
	Message string     `json:"message,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Match is one criteria block. Flat predicates AND together. AnyOf is an
// OR over sub-blocks and is mutually exclusive with flat predicates on the
// same block; NoneOf fails the block if any sub-block matches.
type Match struct {
	ToolID          string     `json:"tool_id,omitempty"`
	Repo            string     `json:"repo,omitempty"`
	PromptTypes     []string   `json:"prompt_type,omitempty"`
	Contains        string     `json:"contains,omitempty"`
	ContainsIsRegex bool       `json:"contains_is_regex,omitempty"`
	MinConfidence   Confidence `json:"min_confidence,omitempty"`
	MaxConfidence   Confidence `json:"max_confidence,omitempty"`
	SessionTag      string     `json:"session_tag,omitempty"`
	SessionStates   []string   `json:"session_state,omitempty"`
	ChannelMessage  *bool      `json:"channel_message,omitempty"`
	DenyInputTypes  []string   `json:"deny_input_types,omitempty"`
	Environment     string     `json:"environment,omitempty"`
	AnyOf           []Match    `json:"any_of,omitempty"`
	NoneOf          []Match    `json:"none_of,omitempty"`
}

// hasFlat reports whether the block carries any flat predicate.
func (m *Match) hasFlat() bool {
	return m.ToolID != "" || m.Repo != "" || len(m.PromptTypes) > 0 ||
		m.Contains != "" || m.MinConfidence != "" || m.MaxConfidence != "" ||
		m.SessionTag != "" || len(m.SessionStates) > 0 || m.ChannelMessage != nil ||
		len(m.DenyInputTypes) > 0 || m.Environment != ""
}

// Rule is one ordered policy rule.
type Rule struct {
	ID             string `json:"id"`
	Match          Match  `json:"match"`
	Action         Action `json:"action"`
	MaxAutoReplies int    `json:"max_auto_replies,omitempty"`
}

// Defaults is the fallback behavior when no rule matches, and the override
// applied to low-confidence events.
type Defaults struct {
	NoMatch       ActionType `json:"no_match"`
	LowConfidence ActionType `json:"low_confidence,omitempty"`
}

// Policy is a parsed, validated policy document.
type Policy struct {
	Name         string   `json:"name"`
	Version      string   `json:"policy_version"`
	AutonomyMode string   `json:"autonomy,omitempty"`
	Rules        []Rule   `json:"rules"`
	Defaults     Defaults `json:"defaults"`
	Hash         string   `json:"-"`
}

// Event is the policy engine's view of a detected prompt (or inbound
// channel message routed through policy).
type Event struct {
	ToolID         string
	Cwd            string
	PromptType     string
	Excerpt        string
	Confidence     Confidence
	SessionTag     string
	SessionState   string
	ChannelMessage bool
	InputType      string
	Environment    string
	// AutoReplyCount is how many auto-replies this session has already
	// consumed, for max_auto_replies budgeting.
	AutoReplyCount int
}

// Decision is the evaluation result.
type Decision struct {
	Action        Action     `json:"action"`
	MatchedRuleID string     `json:"matched_rule_id,omitempty"`
	Explanation   string     `json:"explanation"`
	PolicyHash    string     `json:"policy_hash"`
	Confidence    Confidence `json:"confidence"`
	AutonomyMode  string     `json:"autonomy_mode,omitempty"`
}

// computeHash returns the policy content hash: SHA-256 of the canonical
// JSON form, first 16 hex characters.
func computeHash(p *Policy) (string, error) {
	canonical := struct {
		Name     string   `json:"name"`
		Version  string   `json:"policy_version"`
		Autonomy string   `json:"autonomy"`
		Rules    []Rule   `json:"rules"`
		Defaults Defaults `json:"defaults"`
	}{p.Name, p.Version, p.AutonomyMode, p.Rules, p.Defaults}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to serialize policy for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16], nil
}
