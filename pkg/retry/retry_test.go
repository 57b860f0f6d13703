package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if config.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", config.InitialDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", config.MaxDelay)
	}
	if config.Multiplier != 2.0 {
		t.Errorf("Multiplier = %f, want 2.0", config.Multiplier)
	}
}

func TestRetrier_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := New(fastConfig(3)).Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetrier_ExhaustsBudget(t *testing.T) {
	calls := 0
	sentinel := errors.New("still failing")
	err := New(fastConfig(2)).Do(context.Background(), func(int) error {
		calls++
		return sentinel
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("error should wrap sentinel, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
}

func TestRetrier_RetryIfStopsEarly(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, permanent) }

	err := New(cfg).Do(context.Background(), func(int) error {
		calls++
		return permanent
	})

	if err != permanent {
		t.Fatalf("err = %v, want the permanent error unwrapped", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetrier_OnRetry(t *testing.T) {
	var attempts []int
	cfg := fastConfig(2)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = New(cfg).Do(context.Background(), func(int) error { return errors.New("x") })

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := New(fastConfig(3)).Do(ctx, func(int) error {
		calls++
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestDoWithData(t *testing.T) {
	r := New(fastConfig(2))
	v, err := DoWithData(context.Background(), r, func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("first")
		}
		return "endpoint", nil
	})

	if err != nil || v != "endpoint" {
		t.Fatalf("got (%q, %v), want (endpoint, nil)", v, err)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 40*time.Millisecond).WithJitter(0)

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if b.Attempt() != 4 {
		t.Errorf("Attempt() = %d, want 4", b.Attempt())
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Error("Reset should clear attempts")
	}
}
