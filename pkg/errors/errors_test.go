package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeChain,
				Operation: "send_transaction",
				Message:   "rpc rejected transaction",
				Cause:     errors.New("blockhash not found"),
			},
			expected: "chain operation 'send_transaction' failed: rpc rejected transaction (caused by: blockhash not found)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeProtocol,
				Operation: "decode",
				Message:   "unknown message type",
			},
			expected: "protocol operation 'decode' failed: unknown message type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &ServiceError{Type: ErrorTypeNetwork, Operation: "dial", Cause: cause}

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find the cause through Unwrap")
	}

	noCause := &ServiceError{Type: ErrorTypeNetwork, Operation: "dial"}
	if noCause.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil", noCause.Unwrap())
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "update_hash", "update failed").
		WithContext("hash_id", "h1").
		WithContext("attempt", 2)

	if len(err.Context) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["hash_id"] != "h1" {
		t.Errorf("Expected hash_id = 'h1', got %v", err.Context["hash_id"])
	}
	if err.Context["attempt"] != 2 {
		t.Errorf("Expected attempt = 2, got %v", err.Context["attempt"])
	}
}

func TestNew(t *testing.T) {
	err := New(ErrorTypeAuthorization, "validation_result", "Not authorized as validator")

	if err.Type != ErrorTypeAuthorization {
		t.Errorf("Expected type %v, got %v", ErrorTypeAuthorization, err.Type)
	}
	if err.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if err.Retryable {
		t.Error("Expected authorization error to not be retryable")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(cause, ErrorTypeNetwork, "dial", "wrapped message")

	if err.Type != ErrorTypeNetwork {
		t.Errorf("Expected type %v, got %v", ErrorTypeNetwork, err.Type)
	}
	if err.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, err.Cause)
	}

	if Wrap(nil, ErrorTypeNetwork, "dial", "x") != nil {
		t.Error("Expected nil when wrapping nil error")
	}

	inner := New(ErrorTypeTimeout, "confirm", "timed out")
	outer := Wrap(fmt.Errorf("layer: %w", inner), ErrorTypeChain, "submit", "submit failed")
	if !outer.Retryable {
		t.Error("Expected wrapped retryable ServiceError to stay retryable")
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeProtocol, "decode", "bad frame")

	if !IsType(err, ErrorTypeProtocol) {
		t.Error("Expected IsType to return true for matching type")
	}
	if IsType(err, ErrorTypeDatabase) {
		t.Error("Expected IsType to return false for non-matching type")
	}
	if IsType(errors.New("plain"), ErrorTypeProtocol) {
		t.Error("Expected IsType to return false for regular error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"network type", New(ErrorTypeNetwork, "op", "msg"), true},
		{"kafka type", New(ErrorTypeKafka, "op", "msg"), true},
		{"validation type", New(ErrorTypeValidation, "op", "msg"), false},
		{"chain type", New(ErrorTypeChain, "op", "msg"), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"rate limited text", errors.New("429 Too Many Requests"), true},
		{"unknown", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "find", "missing").WithContext("id", "abc")

	if ctx := GetContext(err); ctx["id"] != "abc" {
		t.Errorf("Expected id = 'abc', got %v", ctx["id"])
	}
	if ctx := GetContext(errors.New("regular")); ctx != nil {
		t.Errorf("Expected nil context for regular error, got %v", ctx)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"service error", New(ErrorTypeValidation, "submit_hash", "hash is required"), "hash is required"},
		{"wrapped service error", fmt.Errorf("handler: %w", New(ErrorTypeProtocol, "decode", "Unknown message type")), "Unknown message type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.expected {
				t.Errorf("UserMessage() = %q, want %q", got, tt.expected)
			}
		})
	}
}
