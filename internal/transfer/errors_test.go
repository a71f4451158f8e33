package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorMessages verifies error message formatting
func TestErrorMessages(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "materialization",
			err:  &MaterializationError{Reference: "file:///a.jpg", Err: cause},
			want: "failed to materialize file:///a.jpg: boom",
		},
		{
			name: "transient with cause",
			err:  &TransientError{PayloadID: 7, Attempt: 2, Err: cause},
			want: "payload 7 failed on attempt 2: boom",
		},
		{
			name: "transient without cause",
			err:  &TransientError{PayloadID: 7, Attempt: 1},
			want: "payload 7 failed on attempt 1",
		},
		{
			name: "terminal",
			err:  &TerminalError{FileName: "a.jpg", Reason: "Transfer failed after 3 retries"},
			want: "transfer of a.jpg failed: Transfer failed after 3 retries",
		},
		{
			name: "persistence",
			err:  &PersistenceError{Target: "primary", FileName: "a.jpg", Err: cause},
			want: "failed to save a.jpg to primary target: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestErrorTypes_Unwrap verifies error chain traversal
func TestErrorTypes_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{name: "materialization", err: &MaterializationError{Reference: "a", Err: cause}},
		{name: "transient", err: &TransientError{PayloadID: 1, Attempt: 1, Err: cause}},
		{name: "terminal", err: &TerminalError{FileName: "a", Reason: "r", Err: cause}},
		{name: "persistence", err: &PersistenceError{Target: "fallback", FileName: "a", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestTerminalError_As verifies programmatic error type detection
func TestTerminalError_As(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &TerminalError{FileName: "a.jpg", Reason: "Failed to save received file"})

	var target *TerminalError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract TerminalError from wrapped chain")
	}

	if target.FileName != "a.jpg" {
		t.Errorf("FileName = %q, want %q", target.FileName, "a.jpg")
	}
}

// TestTransientError_As verifies programmatic error type detection
func TestTransientError_As(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &TransientError{PayloadID: 3, Attempt: 2})

	var target *TransientError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract TransientError from wrapped chain")
	}

	if target.Attempt != 2 {
		t.Errorf("Attempt = %d, want %d", target.Attempt, 2)
	}
}
