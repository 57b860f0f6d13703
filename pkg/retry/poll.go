package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned when a readiness condition is not met in time
var ErrPollTimeout = errors.New("condition not met before the wait bound")

// PollConfig bounds a readiness wait. Both MaxAttempts and Timeout may be set;
// whichever is reached first ends the wait.
type PollConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Timeout      time.Duration
}

// Condition reports whether the awaited state was reached. A non-nil error
// aborts the wait immediately.
type Condition func(ctx context.Context) (done bool, err error)

// Poll evaluates cond with exponential backoff until it reports done, returns
// an error, or the bound in cfg is exhausted. Exhaustion yields an error
// wrapping ErrPollTimeout.
func Poll(ctx context.Context, cfg PollConfig, cond Condition) error {
	if cfg.MaxAttempts <= 0 && cfg.Timeout <= 0 {
		return fmt.Errorf("poll requires MaxAttempts or Timeout")
	}

	pollCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = 5 * time.Second
	}
	backoff := NewBackoff(initial, cfg.MaxDelay).WithJitter(0.1)
	if cfg.Multiplier > 0 {
		backoff.WithMultiplier(cfg.Multiplier)
	}

	attempts := 0
	for {
		attempts++
		done, err := cond(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%w after %s: %v", ErrPollTimeout, cfg.Timeout, err)
			}
			return err
		}
		if done {
			return nil
		}

		if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts", ErrPollTimeout, attempts)
		}

		if err := backoff.SleepContext(pollCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w after %s (%d attempts)", ErrPollTimeout, cfg.Timeout, attempts)
		}
	}
}

// PollValue is Poll for conditions that also produce a value once ready
func PollValue[T any](ctx context.Context, cfg PollConfig, cond func(ctx context.Context) (T, bool, error)) (T, error) {
	var result T
	err := Poll(ctx, cfg, func(ctx context.Context) (bool, error) {
		v, done, err := cond(ctx)
		if done {
			result = v
		}
		return done, err
	})
	return result, err
}
