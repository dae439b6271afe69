package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reconloop/reconloop/internal/log"
)

// Step is a single unit of a chain, typically a *command.Command.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
}

// Observer receives step and chain events, e.g. to export metrics. Calls
// come from the goroutine running the chain.
type Observer interface {
	StepStarted(org, step string)
	StepFinished(org, step string, elapsed time.Duration, err error)
	ChainFinished(org string, elapsed time.Duration, failed int)
}

// Chain is the fixed, ordered list of steps run for one organization.
type Chain struct {
	org      string
	steps    []Step
	logger   *slog.Logger
	observer Observer
}

type Option func(*Chain)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(c *Chain) {
		c.observer = o
	}
}

func New(org string, steps []Step, opts ...Option) *Chain {
	c := &Chain{
		org:   org,
		steps: append([]Step(nil), steps...),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Discard()
	}
	return c
}

func (c *Chain) Org() string {
	return c.org
}

func (c *Chain) Len() int {
	return len(c.steps)
}

// StepNames returns the names of the steps in chain order.
func (c *Chain) StepNames() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name()
	}
	return names
}

// RunOnce executes every step in order on the calling goroutine. A failing
// step is logged and the next one runs anyway. enter, if not nil, is called
// before each step begins. It returns the number of failed steps, and the
// context error if ctx was done before the last step ran.
func (c *Chain) RunOnce(ctx context.Context, enter func(idx int, step Step)) (int, error) {
	var failed int
	for idx, step := range c.steps {
		if err := ctx.Err(); err != nil {
			c.logger.WarnContext(ctx, "chain cancelled", "step", step.Name(), "reason", err)
			return failed, err
		}
		if enter != nil {
			enter(idx, step)
		}
		if c.observer != nil {
			c.observer.StepStarted(c.org, step.Name())
		}

		start := time.Now()
		err := execute(ctx, step)
		elapsed := time.Since(start)
		if err != nil {
			failed++
			c.logger.ErrorContext(ctx, "step failed",
				"step", step.Name(),
				"elapsed", elapsed.String(),
				"error", err,
			)
		} else {
			c.logger.DebugContext(ctx, "step finished", "step", step.Name(), "elapsed", elapsed.String())
		}
		if c.observer != nil {
			c.observer.StepFinished(c.org, step.Name(), elapsed, err)
		}
	}
	return failed, nil
}

// execute converts a panicking step into an error.
func execute(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name(), r)
		}
	}()
	return step.Execute(ctx)
}
