package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

const (
	// forwardInterval is how often buffered output is flushed.
	forwardInterval = 2 * time.Second
	// minMeaningfulChars drops batches that are mostly whitespace noise.
	minMeaningfulChars = 10
	// maxBatchChars truncates a single forwarded message.
	maxBatchChars = 2000
	// maxMessagesPerMinute rate-limits forwarded output per session.
	maxMessagesPerMinute = 15
)

// OutputSink is the subset of the channel surface the forwarder needs.
type OutputSink interface {
	SendOutput(ctx context.Context, text, sessionID string) error
}

// Forwarder batches sanitized agent output and relays it to the channels
// every two seconds. One forwarder runs per session as its fifth task.
type Forwarder struct {
	mu        sync.Mutex
	buf       strings.Builder
	sessionID string
	sink      OutputSink
	log       *logger.Logger

	sentTimes []time.Time
	now       func() time.Time
}

// NewForwarder creates a forwarder for one session.
func NewForwarder(sink OutputSink, sessionID string, log *logger.Logger) *Forwarder {
	return &Forwarder{
		sessionID: sessionID,
		sink:      sink,
		log:       log,
		now:       time.Now,
	}
}

// Write buffers one sanitized output chunk.
func (f *Forwarder) Write(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.WriteString(text)
}

// Run flushes on a ticker until ctx is done, then flushes once more.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(forwardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.Flush(context.Background())
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush sends the buffered output if it passes the noise and rate checks.
// Undersized batches are dropped, not carried forward: stale fragments of
// a TUI repaint are worthless seconds later.
func (f *Forwarder) Flush(ctx context.Context) {
	f.mu.Lock()
	text := f.buf.String()
	f.buf.Reset()

	if meaningfulChars(text) < minMeaningfulChars {
		f.mu.Unlock()
		return
	}
	if !f.underRateLocked() {
		f.mu.Unlock()
		return
	}
	f.sentTimes = append(f.sentTimes, f.now())
	f.mu.Unlock()

	if len(text) > maxBatchChars {
		text = text[:maxBatchChars] + "\n… (truncated)"
	}
	if err := f.sink.SendOutput(ctx, text, f.sessionID); err != nil {
		f.log.WithError(err).Warn("output forward failed")
	}
}

// underRateLocked prunes send timestamps older than a minute and reports
// whether another message is allowed.
func (f *Forwarder) underRateLocked() bool {
	cutoff := f.now().Add(-time.Minute)
	kept := f.sentTimes[:0]
	for _, t := range f.sentTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.sentTimes = kept
	return len(f.sentTimes) < maxMessagesPerMinute
}

func meaningfulChars(text string) int {
	count := 0
	for _, r := range text {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			count++
		}
	}
	return count
}
