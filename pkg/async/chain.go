package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// BackoffFactory returns a fresh retry schedule. Schedules are stateful, so
// every retried call needs its own.
type BackoffFactory func() retry.Backoff

// Constant allows attempts calls in total, d apart
func Constant(attempts uint64, d time.Duration) BackoffFactory {
	if attempts == 0 {
		attempts = 1
	}
	return func() retry.Backoff {
		return retry.WithMaxRetries(attempts-1, retry.NewConstant(d))
	}
}

// Retry runs fn on pool until it succeeds, the backoff stops or retryable
// rejects the error. Waits between attempts are timers, not sleeping
// workers. done is called exactly once.
func Retry(ctx context.Context, pool *Pool, b retry.Backoff, retryable func(error) bool, fn func(context.Context) error, done func(error)) {
	var attempt func()
	attempt = func() {
		if err := ctx.Err(); err != nil {
			done(err)
			return
		}
		err := fn(ctx)
		if err == nil {
			done(nil)
			return
		}
		if retryable != nil && !retryable(err) {
			done(err)
			return
		}
		d, stop := b.Next()
		if stop {
			done(err)
			return
		}
		metrics.RetriesTotal.WithLabelValues(pool.Name()).Inc()
		pool.After(d, attempt)
	}

	if err := pool.Submit(attempt); err != nil {
		done(err)
	}
}

type step struct {
	name string
	run  func(ctx context.Context, next func(error))
}

// Chain is a sequence of asynchronous steps executed on a pool. A step only
// starts after the previous one reported success; the first error ends the
// chain.
type Chain struct {
	name   string
	pool   *Pool
	logger zerolog.Logger
	steps  []step
}

// NewChain creates an empty chain
func NewChain(pool *Pool, name string, logger zerolog.Logger) *Chain {
	return &Chain{name: name, pool: pool, logger: logger}
}

// Then runs fn on a worker
func (c *Chain) Then(name string, fn func(ctx context.Context) error) *Chain {
	return c.add(name, func(ctx context.Context, next func(error)) {
		if err := c.pool.Submit(func() { next(fn(ctx)) }); err != nil {
			next(err)
		}
	})
}

// Await starts fn on a worker and waits for it to call done
func (c *Chain) Await(name string, fn func(ctx context.Context, done func(error))) *Chain {
	return c.add(name, func(ctx context.Context, next func(error)) {
		if err := c.pool.Submit(func() { fn(ctx, next) }); err != nil {
			next(err)
		}
	})
}

// Delay suspends the chain for d without holding a worker
func (c *Chain) Delay(name string, d time.Duration) *Chain {
	return c.add(name, func(ctx context.Context, next func(error)) {
		if d <= 0 {
			next(nil)
			return
		}
		c.pool.After(d, func() { next(ctx.Err()) })
	})
}

// Retry runs fn with a bounded retry schedule. Exhaustion fails the chain.
func (c *Chain) Retry(name string, backoff BackoffFactory, fn func(ctx context.Context) error) *Chain {
	return c.add(name, func(ctx context.Context, next func(error)) {
		Retry(ctx, c.pool, backoff(), nil, fn, next)
	})
}

// BestEffort is Retry whose exhaustion is logged and skipped
func (c *Chain) BestEffort(name string, backoff BackoffFactory, fn func(ctx context.Context) error) *Chain {
	return c.add(name, func(ctx context.Context, next func(error)) {
		Retry(ctx, c.pool, backoff(), nil, fn, func(err error) {
			if err != nil {
				c.logger.Warn().Err(err).Str("step", name).Msg("Best-effort step failed, continuing")
			}
			next(nil)
		})
	})
}

func (c *Chain) add(name string, run func(ctx context.Context, next func(error))) *Chain {
	c.steps = append(c.steps, step{name: name, run: run})
	return c
}

// Len returns the number of steps
func (c *Chain) Len() int {
	return len(c.steps)
}

// Run executes the chain. done receives nil or the first step error,
// prefixed with the step name, and is called exactly once.
func (c *Chain) Run(ctx context.Context, done func(error)) {
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { done(err) })
	}

	var runStep func(i int)
	runStep = func(i int) {
		if i == len(c.steps) {
			finish(nil)
			return
		}
		s := c.steps[i]
		start := time.Now()
		c.logger.Debug().Str("step", s.name).Msg("Step started")

		var stepOnce sync.Once
		s.run(ctx, func(err error) {
			stepOnce.Do(func() {
				metrics.WorkflowStepDuration.WithLabelValues(c.name, s.name).Observe(time.Since(start).Seconds())
				if err != nil {
					finish(fmt.Errorf("%s: %w", s.name, err))
					return
				}
				runStep(i + 1)
			})
		})
	}
	runStep(0)
}
