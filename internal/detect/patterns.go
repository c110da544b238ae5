package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// Pattern families for signal 1. All are matched against the ANSI-stripped
// tail of the output buffer; the first family to match wins.

var yesNoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[y(?:es)?/no?\]\s*[:>?]?\s*$`),
	regexp.MustCompile(`(?i)\(y(?:es)?/no?\)\s*[:>?]?\s*$`),
	regexp.MustCompile(`(?i)\by/n\s*[:>?]\s*$`),
	regexp.MustCompile(`(?i)\b(?:do you want to|would you like to|are you sure|proceed|continue|overwrite|delete|remove|replace)\b[^\n]*\?\s*$`),
}

var confirmEnterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)press\s+enter\s+to\s+continue`),
	regexp.MustCompile(`(?i)hit\s+(?:enter|return)\s+to\s+continue`),
	regexp.MustCompile(`--More--\s*$`),
}

// numberedItem matches one list entry like "1) Do the thing" or "2. Skip".
var numberedItem = regexp.MustCompile(`(?m)^\s*(?:[❯>]\s*)?(\d+)[.)]\s+(\S[^\n]*)$`)

// letteredItem matches "[A] option" style choices.
var letteredItem = regexp.MustCompile(`(?m)^\s*\[([A-Za-z])\]\s+(\S[^\n]*)$`)

var trustFolderPattern = regexp.MustCompile(`(?i)\btrust\b[^\n]*\bfolder\b`)

// freeTextPrompt matches input requests ending in a colon. Password-like
// wording is deliberately excluded here: those surface via the TTY-blocked
// or silence signals and the classifier marks them password_input.
var freeTextPrompt = regexp.MustCompile(`(?i)\b(?:enter|type|name|email|branch|provide|input|specify)\b[^:\n]*:\s*$`)

var passwordWording = regexp.MustCompile(`(?i)password|token|api.?key|secret|passphrase|credential`)

// matchPatterns runs the pattern families over the cleaned buffer tail and
// returns the prompt type plus extracted choices, or found=false.
func matchPatterns(tail string) (promptType PromptType, choices []string, found bool) {
	for _, re := range yesNoPatterns {
		if re.MatchString(tail) {
			return PromptYesNo, []string{"y", "n"}, true
		}
	}
	for _, re := range confirmEnterPatterns {
		if re.MatchString(tail) {
			return PromptConfirmEnter, []string{"\n"}, true
		}
	}
	if choices := numberedChoices(tail); len(choices) >= 2 {
		return PromptMultipleChoice, choices, true
	}
	if matches := letteredItem.FindAllStringSubmatch(tail, -1); len(matches) >= 2 {
		choices := make([]string, 0, len(matches))
		for _, m := range matches {
			choices = append(choices, strings.ToUpper(m[1]))
		}
		return PromptMultipleChoice, choices, true
	}
	if freeTextPrompt.MatchString(tail) && !passwordWording.MatchString(lastLine(tail)) {
		return PromptFreeText, nil, true
	}
	return "", nil, false
}

// numberedChoices extracts a numbered list iff the numbers run
// consecutively from 1; anything else (log line numbers, diffs) is noise.
func numberedChoices(tail string) []string {
	matches := numberedItem.FindAllStringSubmatch(tail, -1)
	if len(matches) < 2 {
		return nil
	}
	choices := make([]string, 0, len(matches))
	for i, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n != i+1 {
			return nil
		}
		choices = append(choices, m[1])
	}
	return choices
}

// IsTrustFolderPrompt reports whether the excerpt looks like a workspace
// trust question with a numbered answer list.
func IsTrustFolderPrompt(text string) bool {
	return trustFolderPattern.MatchString(text) && len(numberedChoices(text)) >= 2
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n ")
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
