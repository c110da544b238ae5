// Package breaker implements a threshold-cooldown circuit breaker guarding
// outbound channel sends.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrChannelUnavailable is returned while the breaker is open.
var ErrChannelUnavailable = errors.New("channel unavailable: circuit breaker open")

const (
	// DefaultThreshold is the number of consecutive failures that opens
	// the breaker.
	DefaultThreshold = 3
	// DefaultRecovery is how long the breaker stays open before allowing
	// a half-open probe.
	DefaultRecovery = 30 * time.Second
)

// Breaker guards a single outbound channel. Closed passes calls through;
// open rejects them until the recovery window elapses, after which one
// probe is permitted.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	recovery  time.Duration
	failures  int
	open      bool
	openedAt  time.Time
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold overrides the consecutive-failure threshold.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n >= 1 {
			b.threshold = n
		}
	}
}

// WithRecovery overrides the open-state cooldown.
func WithRecovery(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.recovery = d
		}
	}
}

// withClock substitutes the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker with the default threshold and recovery.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: DefaultThreshold,
		recovery:  DefaultRecovery,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. While open, it permits a single
// half-open probe once the recovery window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.recovery {
		// Half-open probe. Reset the window so repeated Allow calls
		// during a failing probe do not stampede.
		b.openedAt = b.now()
		return true
	}
	return false
}

// Do runs fn if the breaker permits it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrChannelUnavailable
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// RecordFailure counts a failure; reaching the threshold opens the breaker.
// A failure while open resets the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.open {
		b.openedAt = b.now()
		return
	}
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
	}
}

// Open reports whether the breaker is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
