package policy

// CoverageCell is the decision a policy produces for one canonical
// prompt-type/confidence pair.
type CoverageCell struct {
	PromptType string     `json:"prompt_type"`
	Confidence Confidence `json:"confidence"`
	Action     string     `json:"action"`
	RuleID     string     `json:"rule_id,omitempty"`
}

// coveragePromptTypes is the canonical grid the coverage report walks.
var coveragePromptTypes = []string{
	"yes_no", "confirm_enter", "multiple_choice", "free_text",
}

var coverageConfidences = []Confidence{
	ConfidenceHigh, ConfidenceMedium, ConfidenceLow,
}

// Coverage evaluates the policy over the canonical prompt grid so an
// operator can see which prompts a rule set actually decides and which
// fall through to the defaults.
func Coverage(p *Policy) []CoverageCell {
	cells := make([]CoverageCell, 0, len(coveragePromptTypes)*len(coverageConfidences))
	for _, promptType := range coveragePromptTypes {
		for _, confidence := range coverageConfidences {
			decision := p.Evaluate(Event{
				PromptType: promptType,
				Confidence: confidence,
			})
			cells = append(cells, CoverageCell{
				PromptType: promptType,
				Confidence: confidence,
				Action:     string(decision.Action.Type),
				RuleID:     decision.MatchedRuleID,
			})
		}
	}
	return cells
}
