// Package redact removes secrets from any text that may become visible to
// a user: audit excerpts, trace payloads, channel output, dashboard pages,
// and debug bundles.
//
// The pattern set is process-wide and fixed at startup. Redaction is
// idempotent: redacting already-redacted text changes nothing.
package redact

import (
	"regexp"
	"strings"
	"sync"
)

// Placeholder is the replacement text for a matched secret.
const Placeholder = "[REDACTED]"

// pattern pairs a compiled regex with the token kind it detects.
type pattern struct {
	kind  string
	regex *regexp.Regexp
}

// The built-in pattern set. Order matters: more specific provider tokens
// run before the generic hex/assignment catch-alls so labeled redaction
// reports the right kind.
var builtinPatterns = []pattern{
	{"telegram_bot_token", regexp.MustCompile(`\b\d{8,12}:[A-Za-z0-9_-]{35,}\b`)},
	{"slack_token", regexp.MustCompile(`\bx(?:ox[abposr]|app)-[A-Za-z0-9-]{10,}\b`)},
	{"anthropic_api_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`)},
	{"openai_api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[A-Za-z0-9_-]{35}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`)},
	{"long_hex", regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`)},
	{"key_assignment", regexp.MustCompile(`(?i)\b(api[_-]?key|password|passwd|secret|token|passphrase)\s*[=:]\s*\S+`)},
}

// uuidPattern matches a standard UUID. UUIDs are identifiers, not secrets,
// and must never be redacted (invariant: session IDs stay readable).
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Redactor applies the process-wide pattern set to text.
type Redactor struct {
	patterns []pattern
}

var (
	defaultRedactor     *Redactor
	defaultRedactorOnce sync.Once
)

// Default returns the process-wide redactor.
func Default() *Redactor {
	defaultRedactorOnce.Do(func() {
		defaultRedactor = New()
	})
	return defaultRedactor
}

// New builds a redactor with the built-in pattern set.
func New() *Redactor {
	return &Redactor{patterns: builtinPatterns}
}

// Redact replaces every secret match in text with Placeholder.
func (r *Redactor) Redact(text string) string {
	return r.redact(text, func(kind string) string { return Placeholder })
}

// RedactLabeled replaces every match with "[REDACTED:<kind>]", preserving
// which kind of token was found. Useful in doctor output and debug bundles.
func (r *Redactor) RedactLabeled(text string) string {
	return r.redact(text, func(kind string) string { return "[REDACTED:" + kind + "]" })
}

// RedactValue redacts a known secret value out of text by plain substring
// replacement, for error messages that embed a key verbatim.
func (r *Redactor) RedactValue(text, secret string) string {
	if secret != "" {
		text = strings.ReplaceAll(text, secret, Placeholder)
	}
	return r.Redact(text)
}

func (r *Redactor) redact(text string, replacement func(kind string) string) string {
	for _, p := range r.patterns {
		text = p.regex.ReplaceAllStringFunc(text, func(match string) string {
			if uuidPattern.MatchString(match) {
				return match
			}
			return replacement(p.kind)
		})
	}
	return text
}

// Redact applies the default redactor.
func Redact(text string) string {
	return Default().Redact(text)
}

// RedactLabeled applies the default redactor with kind labels.
func RedactLabeled(text string) string {
	return Default().RedactLabeled(text)
}
