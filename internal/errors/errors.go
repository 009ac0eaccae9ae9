package errors

import (
	stderrors "errors"
	"fmt"
)

// EngineError is the structured error type for fusedb.
// It carries the machine-readable kind and code that cross the RPC
// boundary, plus context for logging and user presentation.
type EngineError struct {
	// Code is the unique error code (e.g., "ERR_401_INVALID_INPUT").
	Code string

	// Kind is the error classification exposed to callers.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	// SQL errors carry the statement snippet and bound parameter
	// count here, never parameter values.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable recovery step for the caller.
	Suggestion string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *EngineError) WithDetail(key, value string) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable recovery step for the caller.
// Returns the error for method chaining.
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// New creates a new EngineError with the given code and message.
// Kind, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *EngineError {
	return &EngineError{
		Code:      code,
		Kind:      kindFromCode(code),
		Message:   message,
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new EngineError with a formatted message.
func Newf(code string, format string, args ...any) *EngineError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an EngineError from an existing error.
// The error's message becomes the EngineError message.
func Wrap(code string, err error) *EngineError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Validation creates a validation error with field-level detail.
func Validation(field, reason string) *EngineError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("%s: %s", field, reason), nil).
		WithDetail("field", field)
}

// Database creates a SQL-layer error carrying the statement snippet and
// the bound parameter count (not values).
func Database(sqlSnippet string, paramCount int, cause error) *EngineError {
	return Wrap(ErrCodeDatabase, cause).
		WithDetail("sql", truncateSQL(sqlSnippet)).
		WithDetail("param_count", fmt.Sprintf("%d", paramCount))
}

// Schema creates a schema error with required-action guidance.
func Schema(code string, message, action string) *EngineError {
	return New(code, message, nil).WithSuggestion(action)
}

// truncateSQL bounds the SQL snippet attached to errors.
func truncateSQL(sql string) string {
	const max = 120
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}

// IsRetryable checks if an error (anywhere in the chain) is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// GetKind extracts the kind from an error chain.
// Returns KindInternal for non-engine errors.
func GetKind(err error) Kind {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// GetCode extracts the error code from an error chain.
// Returns empty string if no EngineError is present.
func GetCode(err error) string {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// AsEngine converts any error into an EngineError, wrapping unknown
// errors as internal.
func AsEngine(err error) *EngineError {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee
	}
	return Wrap(ErrCodeInternal, err)
}
