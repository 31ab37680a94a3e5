package dispatch

import (
	"fmt"

	"github.com/lalithlochan/herald/internal/db"
)

// Error codes recorded by the dispatcher itself. Provider refusals carry the
// adapter's code (see package channel).
const (
	CodeEmptyRecipient  = "EMPTY_RECIPIENT"
	CodeUnknownTemplate = "UNKNOWN_TEMPLATE"
	CodeTimeout         = "TIMEOUT"
	CodeTransportError  = "TRANSPORT_ERROR"
	CodeCancelled       = "CANCELLED"
)

// ValidationError rejects a whole request before any provider is called.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransportError is an adapter call that produced no provider answer: a
// network fault or a panic inside the adapter.
type TransportError struct {
	Channel   db.Channel
	Recipient string
	Panicked  bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("%s adapter panicked sending to %s: %v", e.Channel, e.Recipient, e.Err)
	}
	return fmt.Sprintf("%s transport failure sending to %s: %v", e.Channel, e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func failureMessage(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}
