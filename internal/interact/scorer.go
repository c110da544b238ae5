package interact

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// Scorer provides the second opinion that Fuse combines with the
// deterministic classifier. A nil result means no opinion.
type Scorer interface {
	Score(ev *detect.PromptEvent) *Classification
}

var (
	trustWording   = regexp.MustCompile(`(?i)do you trust|trust the files|trust this (folder|directory|workspace)`)
	yesNoWording   = regexp.MustCompile(`(?i)\[y/n\]|\(y/n\)|\byes/no\b`)
	confirmWording = regexp.MustCompile(`(?i)press (enter|return)|hit (enter|return)`)
	anyLetter      = regexp.MustCompile(`[a-zA-Z]`)
)

// HeuristicScorer scores prompts from wording alone. It gives the fusion
// rules a concrete second opinion without a model runtime; a statistical
// classifier slots in behind the same interface.
type HeuristicScorer struct{}

// Score never exceeds MED confidence, so the scorer alone can never reach
// the auto-inject threshold.
func (HeuristicScorer) Score(ev *detect.PromptEvent) *Classification {
	if ev == nil {
		return nil
	}
	switch {
	case trustWording.MatchString(ev.Excerpt):
		return &Classification{Class: ClassFolderTrust, Confidence: detect.ConfidenceMedium}
	case ev.Excerpt != "" && !anyLetter.MatchString(ev.Excerpt):
		// Box-drawing or control residue with no words: a full-screen TUI,
		// not a line prompt.
		return &Classification{Class: ClassRawTerminal, Confidence: detect.ConfidenceMedium}
	case yesNoWording.MatchString(ev.Excerpt):
		return &Classification{Class: ClassYesNo, Confidence: detect.ConfidenceMedium}
	case confirmWording.MatchString(ev.Excerpt):
		return &Classification{Class: ClassConfirmEnter, Confidence: detect.ConfidenceMedium}
	}
	return nil
}
