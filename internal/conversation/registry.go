// Package conversation is the sole authority on (channel, thread) to
// session bindings and the conversation state machine. A message in a
// thread may only reach the session its binding names.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

// State is the conversation lifecycle state as channels observe it.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateStreaming     State = "streaming"
	StateAwaitingInput State = "awaiting_input"
	StateStopped       State = "stopped"
)

// stateGraph fixes the legal transitions; stopped is terminal.
var stateGraph = map[State][]State{
	StateIdle:          {StateRunning, StateStopped},
	StateRunning:       {StateStreaming, StateAwaitingInput, StateStopped},
	StateStreaming:     {StateRunning, StateAwaitingInput, StateStopped},
	StateAwaitingInput: {StateRunning, StateStreaming, StateStopped},
	StateStopped:       {},
}

const (
	// BindingTTL expires bindings 4h after the last activity, enforced
	// lazily on lookup.
	BindingTTL = 4 * time.Hour
	// maxQueuedMessages bounds the per-binding message backlog.
	maxQueuedMessages = 20
)

// Binding ties one (channel, thread) pair to a session.
type Binding struct {
	Channel      string
	ThreadID     string
	SessionID    string
	State        State
	LastActivity time.Time
	queued       []string
}

func (b *Binding) key() string { return bindingKey(b.Channel, b.ThreadID) }

func bindingKey(channel, threadID string) string {
	return channel + "\x00" + threadID
}

// Registry holds all live bindings.
type Registry struct {
	mu       sync.Mutex
	bindings map[string]*Binding
	log      *logger.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		bindings: make(map[string]*Binding),
		log:      log,
		now:      time.Now,
	}
}

// Bind creates the binding for (channel, thread), replacing any existing
// binding for the same thread. This is the only way a binding comes to be.
func (r *Registry) Bind(channel, threadID, sessionID string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := &Binding{
		Channel:      channel,
		ThreadID:     threadID,
		SessionID:    sessionID,
		State:        StateIdle,
		LastActivity: r.now(),
	}
	if old, ok := r.bindings[b.key()]; ok && old.SessionID != sessionID {
		r.log.Info("conversation rebound",
			zap.String("channel", channel),
			zap.String("thread_id", threadID),
			zap.String("old_session", old.SessionID),
			zap.String("new_session", sessionID))
	}
	r.bindings[b.key()] = b
	return b
}

// Resolve returns the session bound to (channel, thread), if any. Expired
// bindings are dropped here, on lookup.
func (r *Registry) Resolve(channel, threadID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[bindingKey(channel, threadID)]
	if !ok {
		return "", false
	}
	if r.now().Sub(b.LastActivity) > BindingTTL {
		delete(r.bindings, b.key())
		return "", false
	}
	return b.SessionID, true
}

// StateOf returns the conversation state for (channel, thread).
func (r *Registry) StateOf(channel, threadID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[bindingKey(channel, threadID)]
	if !ok {
		return "", false
	}
	return b.State, true
}

// Transition moves the bound conversation along a legal edge and touches
// the activity clock.
func (r *Registry) Transition(channel, threadID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[bindingKey(channel, threadID)]
	if !ok {
		return fmt.Errorf("no binding for thread %s on %s", threadID, channel)
	}
	for _, next := range stateGraph[b.State] {
		if next == to {
			b.State = to
			b.LastActivity = r.now()
			return nil
		}
	}
	return fmt.Errorf("illegal conversation transition %s -> %s", b.State, to)
}

// TransitionBySession applies a transition to every binding of a session.
func (r *Registry) TransitionBySession(sessionID string, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bindings {
		if b.SessionID != sessionID {
			continue
		}
		for _, next := range stateGraph[b.State] {
			if next == to {
				b.State = to
				b.LastActivity = r.now()
				break
			}
		}
	}
}

// Touch refreshes the TTL clock for (channel, thread).
func (r *Registry) Touch(channel, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[bindingKey(channel, threadID)]; ok {
		b.LastActivity = r.now()
	}
}

// Unbind removes every binding of the session, called on session end.
func (r *Registry) Unbind(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, b := range r.bindings {
		if b.SessionID == sessionID {
			delete(r.bindings, key)
			removed++
		}
	}
	return removed
}

// QueueMessage appends a message to the binding's bounded backlog,
// reporting false when the backlog is full or the binding is unknown.
func (r *Registry) QueueMessage(channel, threadID, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[bindingKey(channel, threadID)]
	if !ok || len(b.queued) >= maxQueuedMessages {
		return false
	}
	b.queued = append(b.queued, message)
	return true
}

// DrainMessages returns and clears the binding's backlog.
func (r *Registry) DrainMessages(channel, threadID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[bindingKey(channel, threadID)]
	if !ok {
		return nil
	}
	queued := b.queued
	b.queued = nil
	return queued
}
