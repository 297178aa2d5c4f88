package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	poolerrors "github.com/bardlex/orepool/pkg/errors"
)

func testConfig(maxFailures int, timeout time.Duration) *Config {
	return &Config{
		Name:            "test",
		MaxFailures:     maxFailures,
		SuccessRequired: 1,
		Timeout:         timeout,
		ResetTimeout:    30 * time.Second,
	}
}

func failN(t *testing.T, cb *Breaker, n int) {
	t.Helper()
	for range n {
		if err := cb.Execute(context.Background(), func() error { return errors.New("rpc down") }); err == nil {
			t.Fatal("Expected error")
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxFailures != 5 {
		t.Errorf("Expected MaxFailures = 5, got %d", config.MaxFailures)
	}
	if config.SuccessRequired != 3 {
		t.Errorf("Expected SuccessRequired = 3, got %d", config.SuccessRequired)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout = 30s, got %v", config.Timeout)
	}
	if New(nil).GetState() != StateClosed {
		t.Error("Expected initial state to be Closed")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(testConfig(2, 10*time.Second))
	failN(t, cb, 2)

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state to be Open, got %s", cb.GetState())
	}

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("Expected circuit breaker to reject call")
	}
	if called {
		t.Error("Expected function not to be called when circuit is open")
	}
	if !poolerrors.IsType(err, poolerrors.ErrorTypeInternal) {
		t.Error("Expected circuit breaker error to be internal type")
	}
	if poolerrors.GetContext(err)["breaker"] != "test" {
		t.Errorf("Expected breaker name in context, got %v", poolerrors.GetContext(err))
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	tests := []struct {
		name     string
		trialErr error
		want     State
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errors.New("still down"), StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(testConfig(2, time.Millisecond))
			failN(t, cb, 2)
			time.Sleep(3 * time.Millisecond)

			calls := 0
			_ = cb.Execute(context.Background(), func() error {
				calls++
				return tt.trialErr
			})
			if calls != 1 {
				t.Errorf("Expected 1 call, got %d", calls)
			}
			if cb.GetState() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	notFound := errors.New("account not found")
	config := testConfig(1, time.Minute)
	config.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }
	cb := New(config)

	for range 3 {
		_ = cb.Execute(context.Background(), func() error { return notFound })
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected filtered errors to leave breaker closed, got %s", cb.GetState())
	}

	failN(t, cb, 1)
	if cb.GetState() != StateOpen {
		t.Errorf("Expected Open after a real failure, got %s", cb.GetState())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	config := testConfig(1, time.Millisecond)
	config.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}
	cb := New(config)

	failN(t, cb, 1)
	time.Sleep(3 * time.Millisecond)
	_ = cb.Execute(context.Background(), func() error { return nil })

	want := []string{"test:closed->open", "test:open->half-open", "test:half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(testConfig(1, time.Minute))

	result, err := ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "blockhash", nil
	})
	if err != nil || result != "blockhash" {
		t.Fatalf("ExecuteWithResult() = %q, %v", result, err)
	}

	failN(t, cb, 1)
	result, err = ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "unreachable", nil
	})
	if err == nil || result != "" {
		t.Errorf("Expected zero value and error when open, got %q, %v", result, err)
	}
}

func TestBreaker_StatsAndReset(t *testing.T) {
	cb := New(testConfig(2, time.Minute))
	failN(t, cb, 2)

	stats := cb.GetStats()
	if stats.Name != "test" || stats.State != StateOpen || stats.Failures != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.LastFailTime.IsZero() {
		t.Error("Expected LastFailTime to be set")
	}

	cb.Reset()
	stats = cb.GetStats()
	if stats.State != StateClosed || stats.Failures != 0 {
		t.Errorf("Expected reset breaker, got %+v", stats)
	}
}
