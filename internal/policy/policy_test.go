package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicV1 = `
policy_version: "1"
name: test
defaults:
  no_match: require_human
rules:
  - id: continue-yes
    match:
      prompt_type: [yes_no]
      contains: "Continue"
    action: auto_reply
    value: "y"
  - id: everything-else
    match:
      prompt_type: [yes_no, confirm_enter]
    action: require_human
`

func TestParseBasic(t *testing.T) {
	p, err := Parse([]byte(basicV1))
	require.NoError(t, err)
	assert.Equal(t, "1", p.Version)
	assert.Len(t, p.Rules, 2)
	assert.Equal(t, ActionRequireHuman, p.Defaults.NoMatch)
	assert.Len(t, p.Hash, 16)
}

func TestParseRejectsUnknownFieldWithPath(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: a
    action: require_human
  - id: b
    match:
      prompt_type: [yes_no]
      frobnicate: true
    action: deny
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules[1].match.frobnicate: extra field")
}

func TestParseRejectsDuplicateRuleIDs(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: same
    action: require_human
  - id: same
    action: deny
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule id: same")
}

func TestV0RejectsCombinators(t *testing.T) {
	doc := `
policy_version: "0"
rules:
  - id: a
    match:
      any_of:
        - prompt_type: [yes_no]
    action: require_human
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules[0].match.any_of: extra field")
}

func TestAnyOfExclusiveWithFlatPredicates(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: a
    match:
      tool_id: claude
      any_of:
        - prompt_type: [yes_no]
    action: require_human
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestAutoReplyRequiresValue(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: a
    action: auto_reply
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules[0].value: required")
}

func TestInvalidContainsRegexRejected(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: a
    match:
      contains: "(["
      contains_is_regex: true
    action: deny
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid regex")
}

func TestFirstMatchWinsWithCraftedOverlap(t *testing.T) {
	// Both rules match the same event; order decides.
	doc := `
policy_version: "1"
rules:
  - id: narrow
    match:
      prompt_type: [yes_no]
      contains: "Continue"
    action: auto_reply
    value: "y"
  - id: broad
    match:
      prompt_type: [yes_no]
    action: require_human
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	ev := Event{PromptType: "yes_no", Excerpt: "Continue? [y/N]", Confidence: ConfidenceHigh}
	d := p.Evaluate(ev)
	assert.Equal(t, "narrow", d.MatchedRuleID)
	assert.Equal(t, ActionAutoReply, d.Action.Type)
	assert.Equal(t, "y", d.Action.Value)
	assert.Equal(t, p.Hash, d.PolicyHash)

	// Same tuple, same decision.
	assert.Equal(t, d, p.Evaluate(ev))

	// Without the substring only the broad rule matches.
	d = p.Evaluate(Event{PromptType: "yes_no", Excerpt: "Proceed?", Confidence: ConfidenceHigh})
	assert.Equal(t, "broad", d.MatchedRuleID)
}

func TestAnyOfAndNoneOf(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: combo
    match:
      none_of:
        - session_tag: production
      any_of:
        - prompt_type: [yes_no]
        - tool_id: codex
    action: auto_reply
    value: "y"
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	d := p.Evaluate(Event{PromptType: "yes_no", Confidence: ConfidenceHigh})
	assert.Equal(t, "combo", d.MatchedRuleID)

	d = p.Evaluate(Event{ToolID: "codex", PromptType: "free_text", Confidence: ConfidenceHigh})
	assert.Equal(t, "combo", d.MatchedRuleID)

	// none_of veto wins even when any_of matches.
	d = p.Evaluate(Event{PromptType: "yes_no", SessionTag: "production", Confidence: ConfidenceHigh})
	assert.Empty(t, d.MatchedRuleID)
	assert.Equal(t, ActionRequireHuman, d.Action.Type)
}

func TestConfidenceRangeAndRepoPrefix(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: trusted-repo
    match:
      repo: /home/dev/work
      min_confidence: medium
    action: auto_reply
    value: "y"
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	d := p.Evaluate(Event{Cwd: "/home/dev/work/api", Confidence: ConfidenceMedium})
	assert.Equal(t, "trusted-repo", d.MatchedRuleID)

	d = p.Evaluate(Event{Cwd: "/home/dev/work/api", Confidence: ConfidenceLow})
	assert.Empty(t, d.MatchedRuleID)

	d = p.Evaluate(Event{Cwd: "/tmp/scratch", Confidence: ConfidenceHigh})
	assert.Empty(t, d.MatchedRuleID)
}

func TestContainsRegexCaseInsensitive(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: re
    match:
      contains: "delete\\s+branch"
      contains_is_regex: true
    action: deny
    reason: destructive
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	d := p.Evaluate(Event{Excerpt: "About to DELETE   Branch main", Confidence: ConfidenceHigh})
	assert.Equal(t, ActionDeny, d.Action.Type)
	assert.Equal(t, "destructive", d.Action.Reason)
}

func TestMaxAutoRepliesExhaustionFallsThrough(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: budget
    match:
      prompt_type: [yes_no]
    action: auto_reply
    value: "y"
    max_auto_replies: 3
  - id: fallback
    action: require_human
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	d := p.Evaluate(Event{PromptType: "yes_no", Confidence: ConfidenceHigh, AutoReplyCount: 2})
	assert.Equal(t, "budget", d.MatchedRuleID)

	d = p.Evaluate(Event{PromptType: "yes_no", Confidence: ConfidenceHigh, AutoReplyCount: 3})
	assert.Equal(t, "fallback", d.MatchedRuleID)
}

func TestLowConfidenceDefaultOverridesAutoReply(t *testing.T) {
	doc := `
policy_version: "1"
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: eager
    action: auto_reply
    value: "y"
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	d := p.Evaluate(Event{Confidence: ConfidenceLow})
	assert.Equal(t, "eager", d.MatchedRuleID)
	assert.Equal(t, ActionRequireHuman, d.Action.Type)

	d = p.Evaluate(Event{Confidence: ConfidenceHigh})
	assert.Equal(t, ActionAutoReply, d.Action.Type)
}

func TestDebugEvaluatesAllRules(t *testing.T) {
	p, err := Parse([]byte(basicV1))
	require.NoError(t, err)

	ev := Event{PromptType: "yes_no", Excerpt: "Continue?", Confidence: ConfidenceHigh}
	d, traces := p.Debug(ev)
	assert.Equal(t, "continue-yes", d.MatchedRuleID)
	require.Len(t, traces, 2)
	assert.True(t, traces[0].Winner)
	assert.True(t, traces[1].Matched, "debug mode must evaluate rules past the winner")
	assert.False(t, traces[1].Winner)

	// Explain short-circuits at the winner.
	_, traces = p.Explain(ev)
	assert.Len(t, traces, 1)
}

func TestExtendsOverrideAppendAndInherit(t *testing.T) {
	dir := t.TempDir()
	base := `
policy_version: "1"
defaults:
  no_match: deny
rules:
  - id: shared
    action: require_human
  - id: base-only
    action: notify_only
`
	child := `
policy_version: "1"
extends: base.yaml
rules:
  - id: shared
    action: auto_reply
    value: "n"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o600))
	childPath := filepath.Join(dir, "child.yaml")
	require.NoError(t, os.WriteFile(childPath, []byte(child), 0o600))

	p, err := Load(childPath)
	require.NoError(t, err)

	require.Len(t, p.Rules, 2)
	assert.Equal(t, "shared", p.Rules[0].ID)
	assert.Equal(t, ActionAutoReply, p.Rules[0].Action.Type, "child overrides base rule with same id")
	assert.Equal(t, "base-only", p.Rules[1].ID, "remaining base rules appended")
	assert.Equal(t, ActionDeny, p.Defaults.NoMatch, "defaults inherited from base")
}

func TestExtendsCycleDetected(t *testing.T) {
	dir := t.TempDir()
	a := "policy_version: \"1\"\nextends: b.yaml\n"
	b := "policy_version: \"1\"\nextends: a.yaml\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(a), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(b), 0o600))

	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular extends")
}

func TestExtendsRejectedInV0(t *testing.T) {
	_, err := Parse([]byte("policy_version: \"0\"\nextends: base.yaml\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extends")
}

func TestOverlapDetector(t *testing.T) {
	doc := `
policy_version: "1"
rules:
  - id: wide
    match:
      prompt_type: [yes_no, confirm_enter]
      repo: /home/dev
    action: require_human
  - id: nested
    match:
      prompt_type: [yes_no]
      repo: /home/dev/work
    action: deny
    reason: nope
  - id: disjoint
    match:
      prompt_type: [multiple_choice]
    action: require_human
  - id: combinator
    match:
      any_of:
        - prompt_type: [yes_no]
    action: require_human
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	warnings := DetectOverlaps(p)
	require.Len(t, warnings, 1)
	assert.Equal(t, "wide", warnings[0].RuleA)
	assert.Equal(t, "nested", warnings[0].RuleB)
	assert.Contains(t, warnings[0].Dimension, "prompt_type")
	assert.Contains(t, warnings[0].Dimension, "repo")
}

func TestMigrateV0TextPreservesComments(t *testing.T) {
	src := `# Team policy, do not edit without review.
policy_version: "0"   # bumped on migration
name: legacy

rules:
  # Keep humans in the loop for everything.
  - id: all-human
    action: require_human
`
	out, err := MigrateV0Text([]byte(src))
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "# Team policy, do not edit without review.")
	assert.Contains(t, text, "# Keep humans in the loop for everything.")
	assert.Contains(t, text, `policy_version: "1"   # bumped on migration`)
	assert.NotContains(t, text, `"0"`)

	p, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "1", p.Version)
}

func TestMigrateRejectsV1Source(t *testing.T) {
	_, err := MigrateV0Text([]byte(basicV1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already version")
}

func TestHashChangesWithContent(t *testing.T) {
	p1, err := Parse([]byte(basicV1))
	require.NoError(t, err)
	p2, err := Parse([]byte(basicV1))
	require.NoError(t, err)
	assert.Equal(t, p1.Hash, p2.Hash)

	changed := strings.Replace(basicV1, `value: "y"`, `value: "n"`, 1)
	p3, err := Parse([]byte(changed))
	require.NoError(t, err)
	assert.NotEqual(t, p1.Hash, p3.Hash)
}
