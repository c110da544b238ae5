// Package channels defines the abstract human-communication surface and
// the pieces shared by every backend: the multi-channel fanout, the output
// forwarder, and the per-token poller lock.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// ErrNotConfigured is returned by operations on a channel that was not set
// up in the configuration.
var ErrNotConfigured = errors.New("channel not configured")

// Reply is one inbound human message, already tagged with its origin.
type Reply struct {
	// PromptID is empty for free chat messages.
	PromptID  string
	SessionID string
	Value     string
	// Nonce is single-use; the router rejects reuse.
	Nonce string
	// Identity is "channel:user_id".
	Identity string
	ThreadID string
	Channel  string
	At       time.Time
}

// ReplyReceiver is the inbound half of a channel surface, split out so
// consumers that only drain replies need not see the send side.
type ReplyReceiver interface {
	ReceiveReplies(ctx context.Context, out chan<- Reply) error
}

// Channel is one configured messaging backend. Send operations are safe
// for concurrent use; ReceiveReplies runs for the life of the process.
type Channel interface {
	// Name returns the channel's registry name ("telegram", "slack").
	Name() string
	// SendPrompt delivers a detected prompt and returns the message ID
	// for later edits.
	SendPrompt(ctx context.Context, ev *detect.PromptEvent) (messageID string, err error)
	// Notify sends a plain informational message.
	Notify(ctx context.Context, text string, sessionID string) error
	// SendOutput forwards batched agent output.
	SendOutput(ctx context.Context, text string, sessionID string) error
	// EditPromptMessage rewrites a previously sent prompt message.
	EditPromptMessage(ctx context.Context, messageID, newText string) error
	// ReceiveReplies streams inbound replies until ctx is done.
	ReceiveReplies(ctx context.Context, out chan<- Reply) error
	// IsAllowed checks an identity of the form "channel:user_id".
	IsAllowed(identity string) bool
}
