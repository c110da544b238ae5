// Package adapters normalizes reply values into the exact byte sequences
// each agent CLI expects at its prompt. Every adapter terminates injected
// input with CR, never LF; TUI readline loops treat LF as a no-op.
package adapters

import (
	"fmt"
	"strings"

	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// Terminal is the write side of the PTY as adapters see it. The supervisor
// implements it; writes pass through the injection gate.
type Terminal interface {
	WriteInput(data []byte) error
}

// Adapter translates a human reply into agent-specific terminal input.
type Adapter interface {
	// Name returns the adapter's registry name.
	Name() string
	// Inject writes the normalized reply for the prompt type.
	Inject(value string, promptType detect.PromptType) error
}

// constructor builds an adapter bound to a terminal.
type constructor func(Terminal) Adapter

// registry is the closed set of known adapters; unknown tool names fall
// back to generic.
var registry = map[string]constructor{
	"claude":  func(t Terminal) Adapter { return &claudeAdapter{term: t} },
	"codex":   func(t Terminal) Adapter { return &codexAdapter{term: t} },
	"generic": func(t Terminal) Adapter { return &genericAdapter{term: t} },
}

// ForTool returns the adapter for the tool name, generic when unknown.
func ForTool(tool string, term Terminal) Adapter {
	if build, ok := registry[strings.ToLower(tool)]; ok {
		return build(term)
	}
	return registry["generic"](term)
}

// Known lists the registered adapter names.
func Known() []string {
	return []string{"claude", "codex", "generic"}
}

// normalize maps a reply value to the byte sequence for the prompt type:
// yes/no collapses to a single letter, confirm-enter is a bare CR, and
// everything else is the value followed by CR.
func normalize(value string, promptType detect.PromptType) []byte {
	switch promptType {
	case detect.PromptYesNo:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "y", "yes", "ok", "true":
			return []byte("y\r")
		case "n", "no", "false":
			return []byte("n\r")
		}
		return []byte(strings.TrimSpace(value) + "\r")
	case detect.PromptConfirmEnter:
		return []byte("\r")
	default:
		return []byte(value + "\r")
	}
}

// genericAdapter covers any line-oriented CLI.
type genericAdapter struct {
	term Terminal
}

func (a *genericAdapter) Name() string { return "generic" }

func (a *genericAdapter) Inject(value string, promptType detect.PromptType) error {
	if err := a.term.WriteInput(normalize(value, promptType)); err != nil {
		return fmt.Errorf("generic inject failed: %w", err)
	}
	return nil
}

// claudeAdapter targets the Claude Code TUI. Its option lists move a
// selector, so a numbered choice is the digit alone followed by CR.
type claudeAdapter struct {
	term Terminal
}

func (a *claudeAdapter) Name() string { return "claude" }

func (a *claudeAdapter) Inject(value string, promptType detect.PromptType) error {
	data := normalize(value, promptType)
	if promptType == detect.PromptMultipleChoice {
		data = []byte(strings.TrimSpace(value) + "\r")
	}
	if err := a.term.WriteInput(data); err != nil {
		return fmt.Errorf("claude inject failed: %w", err)
	}
	return nil
}

// codexAdapter targets the Codex CLI, which reads plain lines.
type codexAdapter struct {
	term Terminal
}

func (a *codexAdapter) Name() string { return "codex" }

func (a *codexAdapter) Inject(value string, promptType detect.PromptType) error {
	if err := a.term.WriteInput(normalize(value, promptType)); err != nil {
		return fmt.Errorf("codex inject failed: %w", err)
	}
	return nil
}
