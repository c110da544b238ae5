package pty

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// Screen maintains a virtual terminal fed with the raw child output. The
// dashboard shows its rendering, and the stall watchdog reads the cursor
// line from it when the OS reports the child blocked on stdin.
type Screen struct {
	mu   sync.Mutex
	vt   vt10x.Terminal
	cols int
	rows int
}

// NewScreen creates a virtual terminal of the given size.
func NewScreen(cols, rows int) *Screen {
	return &Screen{vt: vt10x.New(vt10x.WithSize(cols, rows)), cols: cols, rows: rows}
}

// Feed applies one raw output chunk.
func (s *Screen) Feed(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.vt.Write(p)
}

// Resize matches the virtual terminal to the PTY size.
func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Resize(cols, rows)
	s.cols, s.rows = cols, rows
}

// PromptLine returns the text of the cursor line, falling back to the
// nearest non-blank line above it. When a child blocks on stdin this is
// the line it is waiting behind, even if the prompt was drawn with echo
// off or overwritten in place.
func (s *Screen) PromptLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.vt.Cursor()
	for row := cur.Y; row >= 0; row-- {
		if line := strings.TrimSpace(s.lineText(row)); line != "" {
			return line
		}
	}
	return ""
}

func (s *Screen) lineText(row int) string {
	var b strings.Builder
	for col := 0; col < s.cols; col++ {
		g := s.vt.Cell(col, row)
		if g.Char == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteRune(g.Char)
		}
	}
	return b.String()
}

// Render returns the current screen contents with trailing blank lines
// removed.
func (s *Screen) Render() string {
	s.mu.Lock()
	rendered := s.vt.String()
	s.mu.Unlock()

	lines := strings.Split(rendered, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}
