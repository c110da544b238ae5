package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Evaluate runs FIRST-MATCH-WINS over the policy's rules. A matched
// auto_reply rule whose max_auto_replies budget is exhausted is skipped and
// evaluation continues with the next rule.
func (p *Policy) Evaluate(ev Event) Decision {
	for _, rule := range p.Rules {
		matched, reason := matchRule(&rule.Match, ev)
		if !matched {
			continue
		}
		if rule.Action.Type == ActionAutoReply && rule.MaxAutoReplies > 0 &&
			ev.AutoReplyCount >= rule.MaxAutoReplies {
			continue
		}
		return p.decisionFor(rule, ev, reason)
	}
	return p.defaultDecision(ev)
}

func (p *Policy) decisionFor(rule Rule, ev Event, reason string) Decision {
	action := rule.Action
	explanation := fmt.Sprintf("rule %s matched: %s", rule.ID, reason)

	// A low-confidence event never auto-replies past the configured
	// override: the default wins over the matched action.
	if ev.Confidence == ConfidenceLow && p.Defaults.LowConfidence != "" &&
		action.Type == ActionAutoReply {
		action = Action{Type: p.Defaults.LowConfidence}
		explanation = fmt.Sprintf(
			"rule %s matched but confidence is low; defaults.low_confidence applied", rule.ID)
	}
	return Decision{
		Action:        action,
		MatchedRuleID: rule.ID,
		Explanation:   explanation,
		PolicyHash:    p.Hash,
		Confidence:    ev.Confidence,
		AutonomyMode:  p.AutonomyMode,
	}
}

func (p *Policy) defaultDecision(ev Event) Decision {
	action := p.Defaults.NoMatch
	explanation := "no rule matched; defaults.no_match applied"
	if ev.Confidence == ConfidenceLow && p.Defaults.LowConfidence != "" {
		action = p.Defaults.LowConfidence
		explanation = "no rule matched and confidence is low; defaults.low_confidence applied"
	}
	return Decision{
		Action:       Action{Type: action},
		Explanation:  explanation,
		PolicyHash:   p.Hash,
		Confidence:   ev.Confidence,
		AutonomyMode: p.AutonomyMode,
	}
}

// RuleTrace is one rule's debug outcome.
type RuleTrace struct {
	RuleID  string `json:"rule_id"`
	Matched bool   `json:"matched"`
	Winner  bool   `json:"winner"`
	Reason  string `json:"reason"`
}

// Explain evaluates with short-circuit and returns the decision together
// with the traces of the rules actually considered.
func (p *Policy) Explain(ev Event) (Decision, []RuleTrace) {
	var traces []RuleTrace
	for _, rule := range p.Rules {
		matched, reason := matchRule(&rule.Match, ev)
		if matched && rule.Action.Type == ActionAutoReply && rule.MaxAutoReplies > 0 &&
			ev.AutoReplyCount >= rule.MaxAutoReplies {
			traces = append(traces, RuleTrace{
				RuleID: rule.ID, Matched: true,
				Reason: fmt.Sprintf("matched but max_auto_replies (%d) exhausted", rule.MaxAutoReplies),
			})
			continue
		}
		traces = append(traces, RuleTrace{RuleID: rule.ID, Matched: matched, Winner: matched, Reason: reason})
		if matched {
			return p.decisionFor(rule, ev, reason), traces
		}
	}
	return p.defaultDecision(ev), traces
}

// Debug evaluates every rule without short-circuiting, so the traces show
// why later rules would or would not have matched. The winning rule is
// still the first matcher.
func (p *Policy) Debug(ev Event) (Decision, []RuleTrace) {
	traces := make([]RuleTrace, 0, len(p.Rules))
	winner := -1
	for i, rule := range p.Rules {
		matched, reason := matchRule(&rule.Match, ev)
		skipped := matched && rule.Action.Type == ActionAutoReply &&
			rule.MaxAutoReplies > 0 && ev.AutoReplyCount >= rule.MaxAutoReplies
		if skipped {
			reason = fmt.Sprintf("matched but max_auto_replies (%d) exhausted", rule.MaxAutoReplies)
		}
		traces = append(traces, RuleTrace{RuleID: rule.ID, Matched: matched && !skipped, Reason: reason})
		if matched && !skipped && winner == -1 {
			winner = i
		}
	}
	if winner == -1 {
		return p.defaultDecision(ev), traces
	}
	traces[winner].Winner = true
	return p.decisionFor(p.Rules[winner], ev, traces[winner].Reason), traces
}

// matchRule evaluates one match block. The returned reason names the
// predicates that decided the outcome.
func matchRule(m *Match, ev Event) (bool, string) {
	for i := range m.NoneOf {
		if ok, _ := matchRule(&m.NoneOf[i], ev); ok {
			return false, fmt.Sprintf("none_of[%d] matched", i)
		}
	}

	if len(m.AnyOf) > 0 {
		for i := range m.AnyOf {
			if ok, reason := matchRule(&m.AnyOf[i], ev); ok {
				return true, fmt.Sprintf("any_of[%d]: %s", i, reason)
			}
		}
		return false, "no any_of block matched"
	}

	var hits []string
	if m.ToolID != "" {
		if m.ToolID != ev.ToolID {
			return false, fmt.Sprintf("tool_id %q != %q", m.ToolID, ev.ToolID)
		}
		hits = append(hits, "tool_id")
	}
	if m.Repo != "" {
		if !strings.HasPrefix(ev.Cwd, m.Repo) {
			return false, fmt.Sprintf("cwd not under %q", m.Repo)
		}
		hits = append(hits, "repo")
	}
	if len(m.PromptTypes) > 0 {
		if !containsString(m.PromptTypes, ev.PromptType) {
			return false, fmt.Sprintf("prompt_type %q not in %v", ev.PromptType, m.PromptTypes)
		}
		hits = append(hits, "prompt_type")
	}
	if m.Contains != "" {
		if m.ContainsIsRegex {
			// Validation compiled this already; a failure here means the
			// policy was built without Parse/Load.
			re, err := regexp.Compile("(?i)" + m.Contains)
			if err != nil || !re.MatchString(ev.Excerpt) {
				return false, fmt.Sprintf("excerpt does not match /%s/i", m.Contains)
			}
		} else if !strings.Contains(ev.Excerpt, m.Contains) {
			return false, fmt.Sprintf("excerpt does not contain %q", m.Contains)
		}
		hits = append(hits, "contains")
	}
	if m.MinConfidence != "" {
		if ev.Confidence.rank() < m.MinConfidence.rank() {
			return false, fmt.Sprintf("confidence %s below %s", ev.Confidence, m.MinConfidence)
		}
		hits = append(hits, "min_confidence")
	}
	if m.MaxConfidence != "" {
		if ev.Confidence.rank() > m.MaxConfidence.rank() {
			return false, fmt.Sprintf("confidence %s above %s", ev.Confidence, m.MaxConfidence)
		}
		hits = append(hits, "max_confidence")
	}
	if m.SessionTag != "" {
		if m.SessionTag != ev.SessionTag {
			return false, fmt.Sprintf("session_tag %q != %q", m.SessionTag, ev.SessionTag)
		}
		hits = append(hits, "session_tag")
	}
	if len(m.SessionStates) > 0 {
		if !containsString(m.SessionStates, ev.SessionState) {
			return false, fmt.Sprintf("session_state %q not in %v", ev.SessionState, m.SessionStates)
		}
		hits = append(hits, "session_state")
	}
	if m.ChannelMessage != nil {
		if *m.ChannelMessage != ev.ChannelMessage {
			return false, "channel_message mismatch"
		}
		hits = append(hits, "channel_message")
	}
	if len(m.DenyInputTypes) > 0 {
		if !containsString(m.DenyInputTypes, ev.InputType) {
			return false, fmt.Sprintf("input_type %q not in deny list", ev.InputType)
		}
		hits = append(hits, "deny_input_types")
	}
	if m.Environment != "" {
		if m.Environment != ev.Environment {
			return false, fmt.Sprintf("environment %q != %q", m.Environment, ev.Environment)
		}
		hits = append(hits, "environment")
	}

	if len(hits) == 0 {
		return true, "unconditional"
	}
	return true, strings.Join(hits, ", ")
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
