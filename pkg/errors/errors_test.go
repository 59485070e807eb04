package errors

import (
	"context"
	"errors"
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
				Type:      ErrorTypeNetwork,
				Operation: "dial_mint",
				Message:   "dial failed",
				Cause:     errors.New("connection refused"),
			},
			expected: "network operation 'dial_mint' failed: dial failed (caused by: connection refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeProtocol,
				Operation: "transition",
				Message:   "illegal transition",
			},
			expected: "protocol operation 'transition' failed: illegal transition",
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
	err := Wrap(cause, ErrorTypeMint, "issue_quote", "mint rejected quote")

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}

	if unwrapped := New(ErrorTypeMint, "x", "y").Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() on error without cause = %v, want nil", unwrapped)
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeValidation, "parse_locking_key", "bad length").
		WithContext("channel_id", uint32(5)).
		WithContext("length", 32)

	ctx := GetContext(err)
	if len(ctx) != 2 {
		t.Fatalf("expected 2 context items, got %d", len(ctx))
	}
	if ctx["channel_id"] != uint32(5) {
		t.Errorf("channel_id = %v, want 5", ctx["channel_id"])
	}
	if ctx["length"] != 32 {
		t.Errorf("length = %v, want 32", ctx["length"])
	}

	if GetContext(errors.New("plain")) != nil {
		t.Error("GetContext() on a plain error should be nil")
	}
}

func TestNew_Retryability(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeValidation, false},
		{ErrorTypeProtocol, false},
		{ErrorTypeMint, false},
		{ErrorTypeDatabase, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("expected timestamp to be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	// Network type makes a plain error retryable
	err := Wrap(errors.New("boom"), ErrorTypeNetwork, "read_frame", "read failed")
	if !err.Retryable {
		t.Error("network-wrapped error should be retryable")
	}

	// Wrapping a ServiceError keeps its retryability
	inner := New(ErrorTypeValidation, "decode", "bad payload")
	outer := Wrap(inner, ErrorTypeNetwork, "read_frame", "read failed")
	if outer.Retryable {
		t.Error("wrapping a non-retryable ServiceError should stay non-retryable")
	}
	if !IsType(outer, ErrorTypeNetwork) {
		t.Error("outer error should report its own type")
	}

	// Cancellation is never retryable
	canceled := Wrap(context.Canceled, ErrorTypeNetwork, "dial", "canceled")
	if canceled.Retryable {
		t.Error("context cancellation should not be retryable")
	}
}

func TestNonRetryable(t *testing.T) {
	err := New(ErrorTypeNetwork, "op", "msg").NonRetryable()
	if IsRetryable(err) {
		t.Error("NonRetryable() should clear retryability")
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"unexpected eof", errors.New("unexpected EOF"), true},
		{"timeout error", errors.New("i/o timeout"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
		})
	}
}
