package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	poolerrors "github.com/bardlex/orepool/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestPresetConfigs(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts int
		baseDelay   time.Duration
		maxDelay    time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond, 5 * time.Second},
		{"network", NetworkConfig(), 5, 50 * time.Millisecond, 2 * time.Second},
		{"database", DatabaseConfig(), 3, 200 * time.Millisecond, 3 * time.Second},
		{"rpc", RPCConfig(), 4, 250 * time.Millisecond, 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.maxAttempts)
			}
			if tt.config.BaseDelay != tt.baseDelay {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.baseDelay)
			}
			if tt.config.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.config.MaxDelay, tt.maxDelay)
			}
			if !tt.config.Jitter {
				t.Error("Expected Jitter = true")
			}
		})
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls == 1 {
			return poolerrors.New(poolerrors.ErrorTypeNetwork, "dial", "retryable error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return poolerrors.New(poolerrors.ErrorTypeNetwork, "dial", "persistent error")
	})

	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if !poolerrors.IsType(err, poolerrors.ErrorTypeInternal) {
		t.Error("Expected wrapped error to be internal type")
	}
	if poolerrors.GetContext(err)["max_attempts"] != 2 {
		t.Errorf("Expected max_attempts context, got %v", poolerrors.GetContext(err))
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", poolerrors.New(poolerrors.ErrorTypeValidation, "decode", "bad nonce")},
		{"plain", errors.New("regular error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), DefaultConfig(), func() error {
				calls++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("Expected original error, got %v", err)
			}
			if calls != 1 {
				t.Errorf("Expected 1 call, got %d", calls)
			}
		})
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

	calls := 0
	err := Do(ctx, config, func() error {
		calls++
		cancel()
		return poolerrors.New(poolerrors.ErrorTypeNetwork, "dial", "network error")
	})

	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	result, err := DoWithResult(context.Background(), nil, func() (string, error) {
		calls++
		if calls == 1 {
			return "", poolerrors.New(poolerrors.ErrorTypeTimeout, "confirm", "timed out")
		}
		return "sig", nil
	})

	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	if result != "sig" {
		t.Errorf("Expected result 'sig', got %q", result)
	}

	result2, err := DoWithResult(context.Background(), fastConfig(2), func() (int, error) {
		return 7, poolerrors.New(poolerrors.ErrorTypeNetwork, "dial", "down")
	})
	if err == nil || result2 != 0 {
		t.Errorf("Expected zero value and error, got %d, %v", result2, err)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
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
		{4, time.Second},
		{9, time.Second},
	}

	for _, tt := range tests {
		if delay := config.calculateDelay(tt.attempt); delay != tt.expected {
			t.Errorf("attempt %d: expected delay %v, got %v", tt.attempt, tt.expected, delay)
		}
	}

	config.Jitter = true
	for range 20 {
		d := config.calculateDelay(0)
		if d < 100*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}
