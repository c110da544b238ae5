package detect

import (
	"regexp"
	"strings"

	"github.com/atlasbridge/atlasbridge/internal/redact"
)

// ansiPattern covers CSI sequences, OSC sequences (BEL or ST terminated),
// and the short two-byte escapes TUI agents emit while repainting.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-_]`)

// StripANSI removes terminal escape sequences from raw PTY output.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Sanitize turns a raw PTY chunk into stable text: escapes stripped,
// carriage-return repaints collapsed so only the final rendering of each
// line survives, and secrets redacted.
func Sanitize(raw string) string {
	return redact.Default().Redact(collapseCR(StripANSI(raw)))
}

// collapseCR resolves carriage-return repaints: a bare CR restarts the
// line, so spinners and progress bars leave only their last frame.
func collapseCR(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// excerpt returns the tail of the sanitized text, at most maxBytes, broken
// at a line boundary where possible and with blank leading lines dropped.
func excerpt(text string, maxBytes int) string {
	text = strings.TrimRight(text, "\n ")
	if len(text) > maxBytes {
		cut := text[len(text)-maxBytes:]
		if nl := strings.IndexByte(cut, '\n'); nl >= 0 && nl < len(cut)-1 {
			cut = cut[nl+1:]
		}
		text = cut
	}
	return strings.TrimLeft(text, "\n")
}
