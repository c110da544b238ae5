package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasbridge/atlasbridge/internal/breaker"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
)

// replyBufferSize bounds the merged inbound stream; slow consumers apply
// backpressure to the pollers rather than growing memory.
const replyBufferSize = 64

// MultiChannel fans sends out to every configured channel in parallel and
// merges their reply streams. Message IDs are prefixed "{channel}:{inner}"
// so edits can be dispatched back to the right backend. Each backend send
// path is wrapped in its own circuit breaker.
type MultiChannel struct {
	channels []Channel
	breakers map[string]*breaker.Breaker
	log      *logger.Logger
}

// NewMultiChannel wraps the given backends. At least one is required.
func NewMultiChannel(log *logger.Logger, chans ...Channel) (*MultiChannel, error) {
	if len(chans) == 0 {
		return nil, fmt.Errorf("at least one channel must be configured")
	}
	breakers := make(map[string]*breaker.Breaker, len(chans))
	for _, ch := range chans {
		breakers[ch.Name()] = breaker.New()
	}
	return &MultiChannel{channels: chans, breakers: breakers, log: log}, nil
}

// Names lists the wrapped channel names.
func (m *MultiChannel) Names() []string {
	names := make([]string, len(m.channels))
	for i, ch := range m.channels {
		names[i] = ch.Name()
	}
	return names
}

// SendPrompt delivers the prompt to all channels in parallel. It succeeds
// if at least one channel accepted; the returned ID joins the per-channel
// message IDs with commas.
func (m *MultiChannel) SendPrompt(ctx context.Context, ev *detect.PromptEvent) (string, error) {
	var mu sync.Mutex
	var ids []string

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range m.channels {
		ch := ch
		g.Go(func() error {
			var innerID string
			err := m.breakers[ch.Name()].Do(func() error {
				var sendErr error
				innerID, sendErr = ch.SendPrompt(ctx, ev)
				return sendErr
			})
			if err != nil {
				m.log.WithError(err).Warn("prompt send failed",
					zap.String("channel", ch.Name()))
				return nil
			}
			mu.Lock()
			ids = append(ids, ch.Name()+":"+innerID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("prompt %s reached no channel", ev.PromptID)
	}
	return strings.Join(ids, ","), nil
}

// Notify fans an informational message out to every channel.
func (m *MultiChannel) Notify(ctx context.Context, text, sessionID string) error {
	return m.fanOut(ctx, func(ch Channel) error {
		return ch.Notify(ctx, text, sessionID)
	})
}

// SendOutput fans batched agent output to every channel.
func (m *MultiChannel) SendOutput(ctx context.Context, text, sessionID string) error {
	return m.fanOut(ctx, func(ch Channel) error {
		return ch.SendOutput(ctx, text, sessionID)
	})
}

func (m *MultiChannel) fanOut(ctx context.Context, send func(Channel) error) error {
	g, _ := errgroup.WithContext(ctx)
	delivered := false
	var mu sync.Mutex
	for _, ch := range m.channels {
		ch := ch
		g.Go(func() error {
			if err := m.breakers[ch.Name()].Do(func() error { return send(ch) }); err != nil {
				m.log.WithError(err).Warn("channel send failed",
					zap.String("channel", ch.Name()))
				return nil
			}
			mu.Lock()
			delivered = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !delivered {
		return breaker.ErrChannelUnavailable
	}
	return nil
}

// EditPromptMessage dispatches an edit to the backend named in the
// prefixed message ID. Comma-joined IDs from SendPrompt are all edited.
func (m *MultiChannel) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	var lastErr error
	edited := false
	for _, id := range strings.Split(messageID, ",") {
		name, inner, ok := strings.Cut(id, ":")
		if !ok {
			lastErr = fmt.Errorf("malformed message id %q", id)
			continue
		}
		ch := m.byName(name)
		if ch == nil {
			lastErr = fmt.Errorf("no channel %q for message edit", name)
			continue
		}
		if err := m.breakers[name].Do(func() error {
			return ch.EditPromptMessage(ctx, inner, newText)
		}); err != nil {
			lastErr = err
			continue
		}
		edited = true
	}
	if !edited && lastErr != nil {
		return lastErr
	}
	return nil
}

// ReceiveReplies merges every backend's reply stream into out. It returns
// when ctx is done or every poller has exited.
func (m *MultiChannel) ReceiveReplies(ctx context.Context, out chan<- Reply) error {
	merged := make(chan Reply, replyBufferSize)
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range m.channels {
		ch := ch
		g.Go(func() error {
			if err := ch.ReceiveReplies(ctx, merged); err != nil && ctx.Err() == nil {
				m.log.WithError(err).Error("reply poller exited",
					zap.String("channel", ch.Name()))
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	for {
		select {
		case reply := <-merged:
			select {
			case out <- reply:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsAllowed accepts the identity if any backend allowlists it. Identities
// carry their channel prefix, so only the owning backend matches.
func (m *MultiChannel) IsAllowed(identity string) bool {
	for _, ch := range m.channels {
		if ch.IsAllowed(identity) {
			return true
		}
	}
	return false
}

func (m *MultiChannel) byName(name string) Channel {
	for _, ch := range m.channels {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}
