package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// boundary mapping.
type ErrorClass string

const (
	// ErrorClassValidation indicates malformed input. Maps to 400.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates a referenced entity is absent. Maps to 404.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates duplicate creation or a concurrent
	// modification. Surfaced unmodified to the caller.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassEngineCommunication indicates the workflow host's
	// administrative or status surface could not be reached. Fatal for the
	// current step, retryable by the caller.
	ErrorClassEngineCommunication ErrorClass = "engine_communication"

	// ErrorClassProviderFailure indicates a provider terminated a command
	// unsuccessfully. Normally captured in CommandResult.Errors rather than
	// returned.
	ErrorClassProviderFailure ErrorClass = "provider_failure"

	// ErrorClassTransient failures are retried by the provider transport.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent is the class of unclassified errors.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is an error carrying its class, the public error code of a
// CommandError and, optionally, the document identity it concerns. The API
// layer maps the class to an HTTP status.
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`
	Entity  string     `json:"entity,omitempty"`
	Err     error      `json:"-"`

	Details map[string]any `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.Entity)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError of the same class and code, so sentinel
// values can be compared with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, ErrCodeValidation, message, err)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassNotFound, ErrCodeNotFound, message, err)
}

// NewConflictError reports a duplicate creation.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeAlreadyExists, message, err)
}

// NewEngineCommunicationError creates an error for a failed call to the
// workflow host's administrative surface.
func NewEngineCommunicationError(message string, err error) *EngineError {
	return newError(ErrorClassEngineCommunication, ErrCodeEngineCommunication, message, err)
}

// NewProviderFailure creates a provider failure error.
func NewProviderFailure(message string, err error) *EngineError {
	return newError(ErrorClassProviderFailure, ErrCodeProviderFailed, message, err)
}

// NewTransientError reports a failure worth retrying.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

// NewPermanentError reports a failure that retries cannot fix.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, "", message, err)
}

// WithEntity adds document identity context to an error.
func (e *EngineError) WithEntity(entity string) *EngineError {
	e.Entity = entity
	return e
}

// WithCode overrides the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or ErrorClassPermanent for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == class
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool { return hasClass(err, ErrorClassNotFound) }

func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsEngineCommunication returns true if the workflow host could not be reached.
func IsEngineCommunication(err error) bool {
	return hasClass(err, ErrorClassEngineCommunication)
}

// IsProviderFailure returns true if the error is a provider failure.
func IsProviderFailure(err error) bool { return hasClass(err, ErrorClassProviderFailure) }

func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsRetryable reports transient failures and unreachable workflow hosts.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsEngineCommunication(err)
}

// Error codes surfaced in CommandError.Code and API error results.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeEngineCommunication = "ENGINE_COMMUNICATION"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCanceled            = "CANCELED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
