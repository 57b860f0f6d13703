// Package retry provides bounded exponential backoff, used both for retrying
// transient provider failures and for polling resources until they are ready.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config holds retry configuration
type Config struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int

	// InitialDelay is the initial delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases after each retry
	Multiplier float64

	// JitterFactor is the maximum jitter as a fraction of delay (0.0 to 1.0)
	JitterFactor float64

	// RetryIf decides whether an error should be retried.
	// If nil, all errors are retried (up to MaxRetries)
	RetryIf func(error) bool

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the configuration used for stage retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Retrier handles retry logic
type Retrier struct {
	config Config
	mu     sync.Mutex
	rng    *rand.Rand
}

// New creates a new Retrier with the given config
func New(config Config) *Retrier {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Retrier{
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do executes fn until it succeeds, the error is not retryable, the retry
// budget is spent or ctx is done.
func (r *Retrier) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		err := fn(attempt + 1)
		if err == nil {
			return nil
		}
		lastErr = err

		if r.config.RetryIf != nil && !r.config.RetryIf(err) {
			return err
		}
		if attempt >= r.config.MaxRetries {
			break
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	if r.config.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", r.config.MaxRetries, lastErr)
}

// DoWithData executes a function that returns data with retry logic
func DoWithData[T any](ctx context.Context, r *Retrier, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(attempt int) error {
		var err error
		result, err = fn(attempt)
		return err
	})
	return result, err
}

func (r *Retrier) delay(attempt int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return backoffDelay(r.config.InitialDelay, r.config.MaxDelay, r.config.Multiplier, r.config.JitterFactor, attempt, r.rng)
}

func backoffDelay(initial, max time.Duration, multiplier, jitter float64, attempt int, rng *rand.Rand) time.Duration {
	delay := float64(initial) * math.Pow(multiplier, float64(attempt))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	if jitter > 0 && rng != nil {
		delay += delay * jitter * (rng.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff yields successive exponential delays
type Backoff struct {
	attempt      int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	rng          *rand.Rand
}

// NewBackoff creates a new Backoff
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		initialDelay: initial,
		maxDelay:     max,
		multiplier:   2.0,
		jitter:       0.2,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithMultiplier sets the multiplier
func (b *Backoff) WithMultiplier(m float64) *Backoff {
	b.multiplier = m
	return b
}

// WithJitter sets the jitter fraction; zero disables jitter
func (b *Backoff) WithJitter(j float64) *Backoff {
	b.jitter = j
	return b
}

// Next returns the next backoff duration and increments the attempt counter
func (b *Backoff) Next() time.Duration {
	d := backoffDelay(b.initialDelay, b.maxDelay, b.multiplier, b.jitter, b.attempt, b.rng)
	b.attempt++
	return d
}

// Attempt returns the current attempt number
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset resets the attempt counter
func (b *Backoff) Reset() {
	b.attempt = 0
}

// SleepContext sleeps for the next backoff duration or until context is cancelled
func (b *Backoff) SleepContext(ctx context.Context) error {
	return sleep(ctx, b.Next())
}
