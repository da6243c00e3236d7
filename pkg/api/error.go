// Package api defines the wire-level types of the Meridian boundary:
// error envelopes, execution statuses, and stream events. Both the engine
// and its clients depend on this package, so it depends on nothing else.
package api

import "fmt"

// Code is a stable error identifier carried in every ErrorEnvelope.
type Code string

const (
	CodeNotFound               Code = "NotFound"
	CodeCyclicDependencies     Code = "CyclicDependencies"
	CodeUnreachableStep        Code = "UnreachableStep"
	CodeDuplicateStepID        Code = "DuplicateStepId"
	CodeInvalidEntryExit       Code = "InvalidEntryExit"
	CodeUnknownStepKind        Code = "UnknownStepKind"
	CodeIncompatibleStepConfig Code = "IncompatibleStepConfig"
	CodeVersionConflict        Code = "VersionConflict"
	CodeValidationFailed       Code = "ValidationFailed"
	CodeAIResponseInvalid      Code = "AIResponseInvalid"
	CodeRateLimited            Code = "RateLimited"
	CodeTimeout                Code = "Timeout"
	CodeTransient              Code = "Transient"
	CodeTerminalState          Code = "TerminalState"
	CodeCancellationTimedOut   Code = "CancellationTimedOut"
	CodeInternal               Code = "Internal"
)

// Error is the typed error used across the engine. It serializes directly
// as the wire ErrorEnvelope.
type Error struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E creates a non-retryable error.
func E(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient creates a retryable error.
func Transient(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// AsError coerces any error into an *Error, wrapping unknown errors as
// Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*Error); ok {
		return apiErr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	apiErr, ok := err.(*Error)
	return ok && apiErr.Code == code
}

// IsRetryable reports whether err may be absorbed by the retry policy.
func IsRetryable(err error) bool {
	apiErr, ok := err.(*Error)
	return ok && apiErr.Retryable
}
