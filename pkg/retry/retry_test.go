package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	poolErrors "github.com/bardlex/ehashpool/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   1 * time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestReconnectConfig(t *testing.T) {
	config := ReconnectConfig(500*time.Millisecond, 30*time.Second)

	if config.BaseDelay != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", config.BaseDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", config.MaxDelay)
	}
	if !config.Jitter {
		t.Error("expected jitter for reconnect backoff")
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		callCount++
		if callCount == 1 {
			return poolErrors.New(poolErrors.ErrorTypeNetwork, "dial", "connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("expected 2 calls, got %d", callCount)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		callCount++
		return poolErrors.New(poolErrors.ErrorTypeNetwork, "dial", "persistent")
	})

	if err == nil {
		t.Fatal("expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("expected 2 calls, got %d", callCount)
	}
	if !poolErrors.IsType(err, poolErrors.ErrorTypeInternal) {
		t.Error("expected the final error to be wrapped as internal")
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		callCount++
		return poolErrors.New(poolErrors.ErrorTypeValidation, "decode", "bad frame")
	})

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if !poolErrors.IsType(err, poolErrors.ErrorTypeValidation) {
		t.Errorf("expected the original validation error, got %v", err)
	}
}

func TestDo_PlainErrorNotRetried(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		callCount++
		return errors.New("mint said no")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}

	callCount := 0
	err := Do(ctx, config, func() error {
		callCount++
		cancel()
		return poolErrors.New(poolErrors.ErrorTypeNetwork, "dial", "refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", poolErrors.New(poolErrors.ErrorTypeTimeout, "status", "timeout")
		}
		return "PAID", nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != "PAID" {
		t.Errorf("result = %q, want PAID", result)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestDoWithResult_NilConfig(t *testing.T) {
	result, err := DoWithResult(context.Background(), nil, func() (int, error) {
		return 7, nil
	})
	if err != nil || result != 7 {
		t.Errorf("DoWithResult(nil config) = %d, %v; want 7, nil", result, err)
	}
}

func TestConfig_Backoff(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{10, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := config.Backoff(tt.attempt); got != tt.expected {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestConfig_Backoff_WithJitter(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for i := 0; i < 20; i++ {
		delay := config.Backoff(0)
		if delay < 100*time.Millisecond || delay > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 110ms]", delay)
		}
	}
}

func TestSleep_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() on canceled context = %v, want context.Canceled", err)
	}
}
