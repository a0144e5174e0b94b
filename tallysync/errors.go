package tallysync

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("AlreadyRunning")
	ErrTimeout        = errors.New("Timeout")
	ErrCancelled      = errors.New("Cancelled")
	ErrInvalidRange   = errors.New("invalid date range")
)

// Error codes carried in status payloads and persisted sync errors.
const (
	CodeMalformedDate        = "MalformedDate"
	CodeMissingRequiredField = "MissingRequiredField"
	CodeUnparsableAmount     = "UnparsableAmount"
	CodeConflict             = "Conflict"
	CodeBatchFailed          = "BatchFailed"
	CodeTimeout              = "Timeout"
	CodeCancelled            = "Cancelled"
)

// RecordError rejects a single source record. The orchestrator skips the record and
// keeps going.
type RecordError struct {
	Code          string
	Field         string
	VoucherNumber string
	Value         string
	Err           error
}

func (e *RecordError) Error() string {
	msg := e.Code
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecordError) Unwrap() error { return e.Err }

func recordError(code, field, value string, err error) *RecordError {
	return &RecordError{Code: code, Field: field, Value: value, Err: err}
}

// BatchError is a batch that kept failing after every retry.
type BatchError struct {
	BatchNo  int
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d failed after %d attempts: %v", e.BatchNo, e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// errorCode maps a run or record failure to its machine-readable code.
func errorCode(err error) string {
	var re *RecordError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Code
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	default:
		return CodeBatchFailed
	}
}

var (
	ErrInvalidOwner = errors.New("owner id is required")
	ErrNotRunning   = errors.New("no sync is running for this owner")
)
