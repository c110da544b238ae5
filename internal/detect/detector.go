// Package detect watches sanitized PTY output for input-blocked prompts.
// Three signals feed it: regex pattern matches (HIGH/MED), an external
// TTY-blocked-on-read report (MED), and a silence fallback (LOW). Each
// call emits at most one PromptEvent; identical buffer and clock inputs
// always produce the identical event.
package detect

import (
	"strings"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/redact"
)

const (
	// tailBytes bounds the pattern-matching window over the buffer.
	tailBytes = 2000
	// DefaultSilenceThreshold is how long without output counts as stalled.
	DefaultSilenceThreshold = 3 * time.Second
	// EchoWindow is how long after an injection output is ignored, so the
	// echoed reply cannot re-fire as a new prompt.
	EchoWindow = 500 * time.Millisecond
	// maxExcerptBytes caps the cleaned excerpt attached to events.
	maxExcerptBytes = 200
)

// Options configures a Detector. Zero values take the defaults.
type Options struct {
	SessionID        string
	TTL              time.Duration
	SilenceThreshold time.Duration
	Now              func() time.Time
}

// Detector is the per-session tri-signal prompt detector. Not safe for
// concurrent use beyond its own locking; the supervisor serializes calls.
type Detector struct {
	mu        sync.Mutex
	sessionID string
	ttl       time.Duration
	silence   time.Duration
	now       func() time.Time

	tail           string
	lastOutputTime time.Time
	injectedAt     time.Time
	// lastEmitted suppresses duplicate events while the buffer tail is
	// unchanged (TUI repaints re-render the same prompt).
	lastEmitted string
	// blockedEmitted holds signal 2 to one event per quiet period; new
	// output or an injection re-arms it.
	blockedEmitted bool
}

// New creates a detector for one session.
func New(opts Options) *Detector {
	d := &Detector{
		sessionID: opts.SessionID,
		ttl:       ClampTTL(opts.TTL),
		silence:   opts.SilenceThreshold,
		now:       opts.Now,
	}
	if d.silence <= 0 {
		d.silence = DefaultSilenceThreshold
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Observe feeds one raw output chunk. Signal 1: if a pattern family
// matches the buffer tail, a HIGH (or MED for free-text) event is emitted.
func (d *Detector) Observe(chunk []byte) *PromptEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	// CRs survive into the tail so a repaint arriving in a later chunk
	// still overwrites the line it restarts.
	clean := redact.Default().Redact(StripANSI(string(chunk)))
	d.tail = appendTail(d.tail, clean)
	d.lastOutputTime = now
	d.blockedEmitted = false

	if d.inEchoWindow(now) {
		return nil
	}

	promptType, choices, found := matchPatterns(d.view())
	if !found {
		return nil
	}
	confidence := ConfidenceHigh
	if promptType == PromptFreeText {
		confidence = ConfidenceMedium
	}
	return d.emit(d.view(), promptType, confidence, choices, false, false, now)
}

// ObserveBlocked is signal 2: the OS reports the child blocked on stdin
// and no pattern matched. Emits at most one MED free-text event per quiet
// period. screenLine is the virtual screen's cursor line; it stands in as
// the excerpt when the buffer tail holds nothing useful, which happens
// when the child reads with echo off or repaints over its own prompt.
func (d *Detector) ObserveBlocked(screenLine string) *PromptEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.inEchoWindow(now) || d.blockedEmitted {
		return nil
	}
	view := d.view()
	if _, _, found := matchPatterns(view); found {
		// Signal 1 already covers this state; Observe emitted or will.
		return nil
	}
	if strings.TrimSpace(view) == "" {
		view = screenLine
	}
	ev := d.emit(view, PromptFreeText, ConfidenceMedium, nil, false, true, now)
	if ev != nil {
		d.blockedEmitted = true
	}
	return ev
}

// CheckSilence is signal 3, called periodically by the stall watchdog.
// If the child is alive and quiet past the threshold, a LOW ambiguous
// event carries the last stable excerpt.
func (d *Detector) CheckSilence(alive bool) *PromptEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !alive || d.lastOutputTime.IsZero() || d.inEchoWindow(now) {
		return nil
	}
	if now.Sub(d.lastOutputTime) < d.silence {
		return nil
	}
	return d.emit(d.view(), PromptFreeText, ConfidenceLow, nil, true, false, now)
}

// MarkInjected opens the echo-suppression window. The supervisor calls it
// immediately after every PTY write.
func (d *Detector) MarkInjected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injectedAt = d.now()
	// The replied-to prompt is gone; the next identical rendering is a
	// genuinely new prompt.
	d.lastEmitted = ""
	d.blockedEmitted = false
}

// LastOutputTime returns when output was last observed, for the executor's
// verify-advance polling.
func (d *Detector) LastOutputTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOutputTime
}

func (d *Detector) inEchoWindow(now time.Time) bool {
	return !d.injectedAt.IsZero() && now.Sub(d.injectedAt) < EchoWindow
}

// view is the repaint-collapsed rendering of the tail that patterns,
// excerpts, and duplicate suppression all observe.
func (d *Detector) view() string {
	return collapseCR(d.tail)
}

func (d *Detector) emit(view string, promptType PromptType, confidence Confidence, choices []string, ambiguous, blocked bool, now time.Time) *PromptEvent {
	if view == d.lastEmitted && d.lastEmitted != "" {
		return nil
	}
	d.lastEmitted = view
	return &PromptEvent{
		PromptID:   newPromptID(),
		SessionID:  d.sessionID,
		Type:       promptType,
		Confidence: confidence,
		Excerpt:    excerpt(view, maxExcerptBytes),
		Choices:    choices,
		Ambiguous:  ambiguous,
		TTYBlocked: blocked,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.ttl),
	}
}

func appendTail(tail, chunk string) string {
	if chunk == "" {
		return tail
	}
	combined := tail + chunk
	if len(combined) > tailBytes {
		cut := combined[len(combined)-tailBytes:]
		if nl := strings.IndexByte(cut, '\n'); nl >= 0 && nl < len(cut)-1 {
			cut = cut[nl+1:]
		}
		combined = cut
	}
	return combined
}
