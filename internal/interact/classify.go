// Package interact turns detected prompts into injection strategy: a
// classifier maps prompts to interaction classes, an immutable plan table
// fixes the strategy per class, and the executor performs the injection
// with verification and retry.
package interact

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// Class is the interaction class driving plan selection.
type Class string

const (
	ClassYesNo          Class = "yes_no"
	ClassConfirmEnter   Class = "confirm_enter"
	ClassNumberedChoice Class = "numbered_choice"
	ClassFreeText       Class = "free_text"
	ClassPasswordInput  Class = "password_input"
	ClassFolderTrust    Class = "folder_trust"
	ClassRawTerminal    Class = "raw_terminal"
	ClassChatInput      Class = "chat_input"
)

var passwordWording = regexp.MustCompile(`(?i)password|token|api.?key|secret|passphrase|credential`)

// Classify maps a prompt to its interaction class. Pure: same event, same
// class. A nil event means free conversation with no active prompt.
func Classify(ev *detect.PromptEvent) Class {
	if ev == nil {
		return ClassChatInput
	}
	switch ev.Type {
	case detect.PromptYesNo:
		return ClassYesNo
	case detect.PromptConfirmEnter:
		return ClassConfirmEnter
	case detect.PromptMultipleChoice:
		if detect.IsTrustFolderPrompt(ev.Excerpt) {
			return ClassFolderTrust
		}
		return ClassNumberedChoice
	}
	if passwordWording.MatchString(ev.Excerpt) {
		return ClassPasswordInput
	}
	return ClassFreeText
}
