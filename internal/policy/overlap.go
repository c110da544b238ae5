package policy

import (
	"fmt"
	"strings"
)

// OverlapWarning names two rules whose match criteria can both accept the
// same event, and the dimension they overlap on.
type OverlapWarning struct {
	RuleA     string `json:"rule_a"`
	RuleB     string `json:"rule_b"`
	Dimension string `json:"dimension"`
}

func (w OverlapWarning) String() string {
	return fmt.Sprintf("rules %s and %s overlap on %s; %s shadows %s for shared events",
		w.RuleA, w.RuleB, w.Dimension, w.RuleA, w.RuleB)
}

// DetectOverlaps runs pairwise static analysis over the policy's rules.
// Rules using any_of are skipped: expanding disjunctions into comparable
// flat criteria is out of scope for this analyzer.
func DetectOverlaps(p *Policy) []OverlapWarning {
	var warnings []OverlapWarning
	for i := 0; i < len(p.Rules); i++ {
		a := &p.Rules[i]
		if len(a.Match.AnyOf) > 0 {
			continue
		}
		for j := i + 1; j < len(p.Rules); j++ {
			b := &p.Rules[j]
			if len(b.Match.AnyOf) > 0 {
				continue
			}
			if dims := overlapDimensions(&a.Match, &b.Match); len(dims) > 0 {
				warnings = append(warnings, OverlapWarning{
					RuleA:     a.ID,
					RuleB:     b.ID,
					Dimension: strings.Join(dims, "+"),
				})
			}
		}
	}
	return warnings
}

// overlapDimensions reports the dimensions on which both blocks can accept
// a common event. Every compared dimension must overlap for the pair to be
// reported at all; the result names the dimensions where at least one rule
// actually constrains.
func overlapDimensions(a, b *Match) []string {
	var dims []string

	if a.ToolID != "" && b.ToolID != "" && a.ToolID != b.ToolID {
		return nil
	}
	if a.ToolID != "" || b.ToolID != "" {
		dims = append(dims, "tool_id")
	}

	if len(a.PromptTypes) > 0 && len(b.PromptTypes) > 0 && !intersects(a.PromptTypes, b.PromptTypes) {
		return nil
	}
	if len(a.PromptTypes) > 0 || len(b.PromptTypes) > 0 {
		dims = append(dims, "prompt_type")
	}

	if !confidenceRangesOverlap(a, b) {
		return nil
	}
	if a.MinConfidence != "" || a.MaxConfidence != "" || b.MinConfidence != "" || b.MaxConfidence != "" {
		dims = append(dims, "confidence")
	}

	if a.Repo != "" && b.Repo != "" &&
		!strings.HasPrefix(a.Repo, b.Repo) && !strings.HasPrefix(b.Repo, a.Repo) {
		return nil
	}
	if a.Repo != "" || b.Repo != "" {
		dims = append(dims, "repo")
	}

	return dims
}

func confidenceRangesOverlap(a, b *Match) bool {
	lo := func(m *Match) int {
		if m.MinConfidence != "" {
			return m.MinConfidence.rank()
		}
		return ConfidenceLow.rank()
	}
	hi := func(m *Match) int {
		if m.MaxConfidence != "" {
			return m.MaxConfidence.rank()
		}
		return ConfidenceHigh.rank()
	}
	return lo(a) <= hi(b) && lo(b) <= hi(a)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if containsString(b, x) {
			return true
		}
	}
	return false
}
