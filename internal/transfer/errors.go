package transfer

import (
	"errors"
	"fmt"

	"github.com/italolelis/phototransfer/internal/transport"
)

// ErrNoDeviceConnected is returned by Send when no peer session is established.
var ErrNoDeviceConnected = errors.New("no device connected")

// ErrNotResendable is returned by Resend for records that were not sent from this device.
var ErrNotResendable = errors.New("only sent transfers can be retried")

// MaterializationError means the source content could not be turned into a local file.
// No history record exists for the attempt.
type MaterializationError struct {
	Reference string // The content reference that could not be read
	Err       error  // Underlying error, if any
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("failed to materialize %s: %v", e.Reference, e.Err)
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// TransientError is a failed transport attempt that the retry policy may repeat.
type TransientError struct {
	PayloadID transport.PayloadID
	Attempt   int // 1-based attempt that failed
	Err       error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payload %d failed on attempt %d", e.PayloadID, e.Attempt)
	}

	return fmt.Sprintf("payload %d failed on attempt %d: %v", e.PayloadID, e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// TerminalError ends a transfer: the retry budget is exhausted or no durable target accepted
// a received file.
type TerminalError struct {
	FileName string
	Reason   string // Human-readable reason, also shown as the Failed progress reason
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("transfer of %s failed: %s", e.FileName, e.Reason)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// PersistenceError is a durable target that refused a received file.
type PersistenceError struct {
	Target   string // "primary" or "fallback"
	FileName string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to save %s to %s target: %v", e.FileName, e.Target, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
