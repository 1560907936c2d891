package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"validation", NewValidationError("bad command", nil), ErrorClassValidation, false},
		{"not found", NewNotFoundError("no project", nil), ErrorClassNotFound, false},
		{"conflict", NewConflictError("duplicate", nil), ErrorClassConflict, false},
		{"engine communication", NewEngineCommunicationError("admin api", cause), ErrorClassEngineCommunication, true},
		{"provider failure", NewProviderFailure("provider failed", nil), ErrorClassProviderFailure, false},
		{"transient", NewTransientError("try again", cause), ErrorClassTransient, true},
		{"wrapped transient", fmt.Errorf("dispatch: %w", NewTransientError("try again", nil)), ErrorClassTransient, true},
		{"plain error", cause, ErrorClassPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.class {
				t.Errorf("ClassOf() = %s, want %s", got, tt.class)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestEngineErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	err := NewConflictError("project p1 already exists", cause).WithEntity("project/p1")

	msg := err.Error()
	for _, part := range []string{"[conflict]", "project p1 already exists", "entity=project/p1", "boom"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find the cause")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyExists}) {
		t.Error("errors.Is did not match class and code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassValidation, Code: ErrCodeValidation}) {
		t.Error("errors.Is matched a different class")
	}
}

func TestEngineErrorDetails(t *testing.T) {
	err := NewValidationError("mismatch", nil).
		WithCode("PROJECT_MISMATCH").
		WithDetail("project_id", "p2")

	if err.Code != "PROJECT_MISMATCH" {
		t.Errorf("Code = %s, want PROJECT_MISMATCH", err.Code)
	}
	if err.Details["project_id"] != "p2" {
		t.Errorf("Details = %v", err.Details)
	}
}
