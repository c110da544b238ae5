package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxContainsRegexLen = 200

// Parse parses and validates a policy document from memory. Documents using
// extends must go through Load, which resolves base files.
func Parse(data []byte) (*Policy, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	if doc.extends != "" {
		return nil, fmt.Errorf("extends requires loading from a file path")
	}
	return finalize(doc.policy)
}

// defaultDocument is the policy in effect when no file is configured:
// everything goes to a human.
const defaultDocument = `
policy_version: "1"
name: builtin-default
rules: []
defaults:
  no_match: require_human
`

// Default returns the built-in route-everything-to-human policy.
func Default() *Policy {
	pol, err := Parse([]byte(defaultDocument))
	if err != nil {
		panic(fmt.Sprintf("builtin default policy invalid: %v", err))
	}
	return pol
}

// Load reads, parses, and validates the policy file at path, resolving
// extends chains. Base paths are relative to the extending file.
func Load(path string) (*Policy, error) {
	return load(path, map[string]bool{})
}

func load(path string, loading map[string]bool) (*Policy, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if loading[abs] {
		return nil, fmt.Errorf("circular extends chain at %s", abs)
	}
	loading[abs] = true
	defer delete(loading, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(abs), err)
	}

	if doc.extends != "" {
		basePath := doc.extends
		if !filepath.IsAbs(basePath) {
			basePath = filepath.Join(filepath.Dir(abs), basePath)
		}
		base, err := load(basePath, loading)
		if err != nil {
			return nil, err
		}
		doc.policy = merge(base, doc.policy)
	}
	return finalize(doc.policy)
}

// merge applies extends semantics: child rules win on ID collision, base
// rules not overridden are appended after the child's; defaults are
// inherited field-wise where the child left them unset.
func merge(base, child *Policy) *Policy {
	childIDs := make(map[string]bool, len(child.Rules))
	for _, r := range child.Rules {
		childIDs[r.ID] = true
	}
	merged := *child
	merged.Rules = append([]Rule{}, child.Rules...)
	for _, r := range base.Rules {
		if !childIDs[r.ID] {
			merged.Rules = append(merged.Rules, r)
		}
	}
	if merged.Defaults.NoMatch == "" {
		merged.Defaults.NoMatch = base.Defaults.NoMatch
	}
	if merged.Defaults.LowConfidence == "" {
		merged.Defaults.LowConfidence = base.Defaults.LowConfidence
	}
	if merged.AutonomyMode == "" {
		merged.AutonomyMode = base.AutonomyMode
	}
	return &merged
}

func finalize(p *Policy) (*Policy, error) {
	if p.Defaults.NoMatch == "" {
		p.Defaults.NoMatch = ActionRequireHuman
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	hash, err := computeHash(p)
	if err != nil {
		return nil, err
	}
	p.Hash = hash
	return p, nil
}

// document is the raw parse result before extends resolution.
type document struct {
	policy  *Policy
	extends string
}

func parseDocument(data []byte) (*document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("malformed YAML: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("empty policy document")
	}

	fields, err := mappingFields(root.Content[0], "", []string{
		"policy_version", "name", "autonomy", "extends", "defaults", "rules",
	})
	if err != nil {
		return nil, err
	}

	version, err := scalarString(fields["policy_version"], "policy_version")
	if err != nil {
		return nil, err
	}
	if version != "0" && version != "1" {
		return nil, fmt.Errorf("policy_version: unsupported version %q (want \"0\" or \"1\")", version)
	}

	doc := &document{policy: &Policy{Version: version}}

	if n := fields["name"]; n != nil {
		if doc.policy.Name, err = scalarString(n, "name"); err != nil {
			return nil, err
		}
	}
	if n := fields["autonomy"]; n != nil {
		if doc.policy.AutonomyMode, err = scalarString(n, "autonomy"); err != nil {
			return nil, err
		}
	}
	if n := fields["extends"]; n != nil {
		if version != "1" {
			return nil, fmt.Errorf("extends: requires policy_version \"1\"")
		}
		if doc.extends, err = scalarString(n, "extends"); err != nil {
			return nil, err
		}
	}
	if n := fields["defaults"]; n != nil {
		if doc.policy.Defaults, err = parseDefaults(n); err != nil {
			return nil, err
		}
	}
	if n := fields["rules"]; n != nil {
		if n.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("rules: expected a sequence")
		}
		for i, item := range n.Content {
			rule, err := parseRule(item, fmt.Sprintf("rules[%d]", i), version)
			if err != nil {
				return nil, err
			}
			doc.policy.Rules = append(doc.policy.Rules, rule)
		}
	}
	return doc, nil
}

func parseDefaults(node *yaml.Node) (Defaults, error) {
	fields, err := mappingFields(node, "defaults", []string{"no_match", "low_confidence"})
	if err != nil {
		return Defaults{}, err
	}
	var d Defaults
	if n := fields["no_match"]; n != nil {
		s, err := scalarString(n, "defaults.no_match")
		if err != nil {
			return Defaults{}, err
		}
		d.NoMatch = ActionType(s)
	}
	if n := fields["low_confidence"]; n != nil {
		s, err := scalarString(n, "defaults.low_confidence")
		if err != nil {
			return Defaults{}, err
		}
		d.LowConfidence = ActionType(s)
	}
	return d, nil
}

func parseRule(node *yaml.Node, path, version string) (Rule, error) {
	fields, err := mappingFields(node, path, []string{
		"id", "match", "action", "value", "message", "reason", "max_auto_replies",
	})
	if err != nil {
		return Rule{}, err
	}

	var rule Rule
	if n := fields["id"]; n != nil {
		if rule.ID, err = scalarString(n, path+".id"); err != nil {
			return Rule{}, err
		}
	}
	if rule.ID == "" {
		return Rule{}, fmt.Errorf("%s.id: required", path)
	}

	if n := fields["match"]; n != nil {
		if rule.Match, err = parseMatch(n, path+".match", version); err != nil {
			return Rule{}, err
		}
	}

	if n := fields["action"]; n != nil {
		s, err := scalarString(n, path+".action")
		if err != nil {
			return Rule{}, err
		}
		rule.Action.Type = ActionType(s)
	}
	if n := fields["value"]; n != nil {
		if rule.Action.Value, err = scalarString(n, path+".value"); err != nil {
			return Rule{}, err
		}
	}
	if n := fields["message"]; n != nil {
		if rule.Action.Message, err = scalarString(n, path+".message"); err != nil {
			return Rule{}, err
		}
	}
	if n := fields["reason"]; n != nil {
		if rule.Action.Reason, err = scalarString(n, path+".reason"); err != nil {
			return Rule{}, err
		}
	}
	if n := fields["max_auto_replies"]; n != nil {
		if err := n.Decode(&rule.MaxAutoReplies); err != nil {
			return Rule{}, fmt.Errorf("%s.max_auto_replies: expected an integer", path)
		}
		if rule.MaxAutoReplies < 0 {
			return Rule{}, fmt.Errorf("%s.max_auto_replies: must not be negative", path)
		}
	}
	return rule, nil
}

func parseMatch(node *yaml.Node, path, version string) (Match, error) {
	allowed := []string{
		"tool_id", "repo", "prompt_type", "contains", "contains_is_regex",
		"min_confidence", "max_confidence", "session_tag", "session_state",
		"channel_message", "deny_input_types", "environment",
	}
	if version == "1" {
		allowed = append(allowed, "any_of", "none_of")
	}
	fields, err := mappingFields(node, path, allowed)
	if err != nil {
		return Match{}, err
	}

	var m Match
	str := func(key string, dst *string) error {
		if n := fields[key]; n != nil {
			s, err := scalarString(n, path+"."+key)
			if err != nil {
				return err
			}
			*dst = s
		}
		return nil
	}
	for key, dst := range map[string]*string{
		"tool_id": &m.ToolID, "repo": &m.Repo, "contains": &m.Contains,
		"session_tag": &m.SessionTag, "environment": &m.Environment,
	} {
		if err := str(key, dst); err != nil {
			return Match{}, err
		}
	}
	if n := fields["contains_is_regex"]; n != nil {
		if err := n.Decode(&m.ContainsIsRegex); err != nil {
			return Match{}, fmt.Errorf("%s.contains_is_regex: expected a boolean", path)
		}
	}
	if n := fields["channel_message"]; n != nil {
		var b bool
		if err := n.Decode(&b); err != nil {
			return Match{}, fmt.Errorf("%s.channel_message: expected a boolean", path)
		}
		m.ChannelMessage = &b
	}
	for key, dst := range map[string]*[]string{
		"prompt_type": &m.PromptTypes, "session_state": &m.SessionStates,
		"deny_input_types": &m.DenyInputTypes,
	} {
		if n := fields[key]; n != nil {
			if err := n.Decode(dst); err != nil {
				return Match{}, fmt.Errorf("%s.%s: expected a list of strings", path, key)
			}
		}
	}
	for key, dst := range map[string]*Confidence{
		"min_confidence": &m.MinConfidence, "max_confidence": &m.MaxConfidence,
	} {
		if n := fields[key]; n != nil {
			s, err := scalarString(n, path+"."+key)
			if err != nil {
				return Match{}, err
			}
			*dst = Confidence(s)
		}
	}
	for key, dst := range map[string]*[]Match{"any_of": &m.AnyOf, "none_of": &m.NoneOf} {
		if n := fields[key]; n != nil {
			if n.Kind != yaml.SequenceNode {
				return Match{}, fmt.Errorf("%s.%s: expected a sequence", path, key)
			}
			for i, item := range n.Content {
				sub, err := parseMatch(item, fmt.Sprintf("%s.%s[%d]", path, key, i), version)
				if err != nil {
					return Match{}, err
				}
				*dst = append(*dst, sub)
			}
		}
	}
	return m, nil
}

// mappingFields enforces that node is a mapping with only the allowed keys
// and returns the value node per key. Unknown keys fail with the full path.
func mappingFields(node *yaml.Node, path string, allowed []string) (map[string]*yaml.Node, error) {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node.Kind != yaml.MappingNode {
		where := path
		if where == "" {
			where = "document"
		}
		return nil, fmt.Errorf("%s: expected a mapping", where)
	}
	known := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		known[k] = true
	}
	fields := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		full := key
		if path != "" {
			full = path + "." + key
		}
		if !known[key] {
			return nil, fmt.Errorf("%s: extra field", full)
		}
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("%s: duplicate field", full)
		}
		fields[key] = node.Content[i+1]
	}
	return fields, nil
}

func scalarString(node *yaml.Node, path string) (string, error) {
	if node == nil {
		return "", fmt.Errorf("%s: required", path)
	}
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("%s: expected a scalar", path)
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return "", fmt.Errorf("%s: expected a string", path)
	}
	return s, nil
}

// validate runs the semantic checks that apply after extends merging.
func validate(p *Policy) error {
	seen := make(map[string]bool, len(p.Rules))
	var dups []string
	for _, r := range p.Rules {
		if seen[r.ID] {
			dups = append(dups, r.ID)
		}
		seen[r.ID] = true
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return fmt.Errorf("duplicate rule id: %s", strings.Join(dups, ", "))
	}

	for i, r := range p.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if err := validateAction(r.Action, path); err != nil {
			return err
		}
		if r.MaxAutoReplies > 0 && r.Action.Type != ActionAutoReply {
			return fmt.Errorf("%s.max_auto_replies: only valid with action auto_reply", path)
		}
		if err := validateMatch(&r.Match, path+".match"); err != nil {
			return err
		}
	}

	if err := validateDefaultAction(p.Defaults.NoMatch, "defaults.no_match"); err != nil {
		return err
	}
	if p.Defaults.LowConfidence != "" {
		if err := validateDefaultAction(p.Defaults.LowConfidence, "defaults.low_confidence"); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(a Action, path string) error {
	switch a.Type {
	case ActionAutoReply:
		if a.Value == "" {
			return fmt.Errorf("%s.value: required for action auto_reply", path)
		}
		if a.Message != "" || a.Reason != "" {
			return fmt.Errorf("%s: message and reason are not valid for action auto_reply", path)
		}
	case ActionRequireHuman, ActionNotifyOnly:
		if a.Value != "" {
			return fmt.Errorf("%s.value: only valid for action auto_reply", path)
		}
		if a.Reason != "" {
			return fmt.Errorf("%s.reason: only valid for action deny", path)
		}
	case ActionDeny:
		if a.Value != "" {
			return fmt.Errorf("%s.value: only valid for action auto_reply", path)
		}
		if a.Message != "" {
			return fmt.Errorf("%s.message: not valid for action deny", path)
		}
	case "":
		return fmt.Errorf("%s.action: required", path)
	default:
		return fmt.Errorf("%s.action: unknown action %q", path, a.Type)
	}
	return nil
}

// Auto-reply as a default has no value to inject, so defaults are limited
// to the non-injecting actions.
func validateDefaultAction(a ActionType, path string) error {
	switch a {
	case ActionRequireHuman, ActionDeny, ActionNotifyOnly:
		return nil
	}
	return fmt.Errorf("%s: unknown or unsupported default action %q", path, a)
}

func validateMatch(m *Match, path string) error {
	if len(m.AnyOf) > 0 && m.hasFlat() {
		return fmt.Errorf("%s.any_of: mutually exclusive with flat predicates on the same block", path)
	}
	if m.MinConfidence != "" && !m.MinConfidence.Valid() {
		return fmt.Errorf("%s.min_confidence: unknown confidence %q", path, m.MinConfidence)
	}
	if m.MaxConfidence != "" && !m.MaxConfidence.Valid() {
		return fmt.Errorf("%s.max_confidence: unknown confidence %q", path, m.MaxConfidence)
	}
	if m.MinConfidence != "" && m.MaxConfidence != "" &&
		m.MinConfidence.rank() > m.MaxConfidence.rank() {
		return fmt.Errorf("%s: min_confidence exceeds max_confidence", path)
	}
	if m.ContainsIsRegex {
		if m.Contains == "" {
			return fmt.Errorf("%s.contains_is_regex: requires contains", path)
		}
		if len(m.Contains) > maxContainsRegexLen {
			return fmt.Errorf("%s.contains: regex longer than %d characters", path, maxContainsRegexLen)
		}
		re, err := regexp.Compile("(?i)" + m.Contains)
		if err != nil {
			return fmt.Errorf("%s.contains: invalid regex: %v", path, err)
		}
		if re.MatchString("") {
			return fmt.Errorf("%s.contains: regex matches the empty string", path)
		}
	}
	for i := range m.AnyOf {
		if err := validateMatch(&m.AnyOf[i], fmt.Sprintf("%s.any_of[%d]", path, i)); err != nil {
			return err
		}
	}
	for i := range m.NoneOf {
		if err := validateMatch(&m.NoneOf[i], fmt.Sprintf("%s.none_of[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}
