// ABOUTME: Shared error kinds for the trace core: not-found and validation failures.
// ABOUTME: Store-unavailable conditions are plain wrapped errors recovered at the client.
package trace

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a reference to an Execution, Step, or
// CandidateDecision that does not exist in the store.
var ErrNotFound = errors.New("not found")

// ValidationError indicates a malformed request: a bad filter field, an
// unknown operator suffix, or an illegal status transition. It is surfaced
// to the caller as a rejected request and never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
