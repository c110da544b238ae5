package interact

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlasbridge/atlasbridge/internal/common/logger"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/redact"
)

const pollInterval = 200 * time.Millisecond

// Injector writes a reply value into the child terminal. The PTY
// supervisor's adapter layer implements it.
type Injector interface {
	Inject(value string, promptType detect.PromptType) error
}

// OutputClock reports when the child last produced output. The detector
// implements it.
type OutputClock interface {
	LastOutputTime() time.Time
}

// Notifier delivers progress and escalation messages to the human channel.
// Optional; a nil notifier drops them.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Result is the executor outcome for channel display.
type Result struct {
	Feedback  string
	Escalated bool
	Retries   int
}

// Executor performs one injection per call, verifying the agent advanced
// and retrying per plan.
type Executor struct {
	injector Injector
	output   OutputClock
	notifier Notifier
	log      *logger.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewExecutor wires an executor. notifier may be nil.
func NewExecutor(injector Injector, output OutputClock, notifier Notifier, log *logger.Logger) *Executor {
	return &Executor{
		injector: injector,
		output:   output,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute injects value for the prompt according to the class plan.
func (e *Executor) Execute(ctx context.Context, ev *detect.PromptEvent, class Class, value string) (Result, error) {
	plan := PlanFor(class)
	display := value
	if plan.SuppressValue {
		display = redact.Placeholder
	}

	attempts := plan.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		snapshot := e.output.LastOutputTime()
		if err := e.injector.Inject(value, ev.Type); err != nil {
			return Result{}, fmt.Errorf("injection failed: %w", err)
		}
		e.log.Debug("reply injected",
			zap.String("prompt_id", ev.PromptID),
			zap.String("class", string(class)),
			zap.Int("attempt", attempt+1),
			zap.String("value", display))

		if !plan.VerifyAdvance {
			return Result{Feedback: feedback(plan, display), Retries: attempt}, nil
		}
		advanced, err := e.waitForAdvance(ctx, snapshot, plan.AdvanceTimeout)
		if err != nil {
			return Result{}, err
		}
		if advanced {
			return Result{Feedback: feedback(plan, display), Retries: attempt}, nil
		}

		if attempt+1 < attempts {
			e.notify(ctx, "The agent did not react; retrying the reply.")
			if err := e.sleep(ctx, plan.RetryDelay); err != nil {
				return Result{}, err
			}
			continue
		}
	}

	if plan.EscalateOnFail {
		e.notify(ctx, "The agent is not reacting to the reply. Please respond locally at the terminal.")
	}
	e.log.Warn("injection escalated after stall", zap.String("prompt_id", ev.PromptID))
	return Result{
		Feedback:  "The agent did not advance; please respond at the terminal.",
		Escalated: true,
		Retries:   plan.MaxRetries,
	}, nil
}

// ChatTurn is the free-conversation path: inject and done, no classifier,
// no verification, no retries.
func (e *Executor) ChatTurn(ctx context.Context, value string) (Result, error) {
	if err := e.injector.Inject(value, detect.PromptFreeText); err != nil {
		return Result{}, fmt.Errorf("chat injection failed: %w", err)
	}
	return Result{Feedback: feedback(PlanFor(ClassChatInput), value)}, nil
}

// waitForAdvance polls the output clock until it moves past the snapshot
// plus the echo window, or the timeout lapses.
func (e *Executor) waitForAdvance(ctx context.Context, snapshot time.Time, timeout time.Duration) (bool, error) {
	target := snapshot.Add(detect.EchoWindow)
	deadline := e.now().Add(timeout)
	for {
		if e.output.LastOutputTime().After(target) {
			return true, nil
		}
		if !e.now().Before(deadline) {
			return false, nil
		}
		if err := e.sleep(ctx, pollInterval); err != nil {
			return false, err
		}
	}
}

func (e *Executor) notify(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, message); err != nil {
		e.log.WithError(err).Warn("failed to deliver notification")
	}
}

func feedback(plan Plan, display string) string {
	if plan.FeedbackTemplate == "" {
		return display
	}
	if plan.Class == ClassConfirmEnter || plan.Class == ClassRawTerminal {
		return plan.FeedbackTemplate
	}
	return fmt.Sprintf(plan.FeedbackTemplate, display)
}
