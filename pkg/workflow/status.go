package workflow

import (
	"encoding/json"
	"fmt"
)

// Status is the runtime status of a workflow instance.
type Status string

const (
	// StatusPending indicates the instance is created but has not run yet.
	StatusPending Status = "pending"

	// StatusRunning indicates the instance function is executing or suspended.
	StatusRunning Status = "running"

	// StatusContinuedAsNew indicates the instance is restarting with fresh input and history.
	StatusContinuedAsNew Status = "continued_as_new"

	// StatusCompleted indicates the instance function returned without error.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the instance function returned an error.
	StatusFailed Status = "failed"

	// StatusCanceled indicates the instance stopped after a cancel request.
	StatusCanceled Status = "canceled"

	// StatusTerminated indicates the instance was forcefully stopped.
	StatusTerminated Status = "terminated"
)

// allowedTransitions lists the statuses each status may move to.
var allowedTransitions = map[Status][]Status{
	StatusPending:        {StatusRunning, StatusFailed, StatusCanceled, StatusTerminated},
	StatusRunning:        {StatusContinuedAsNew, StatusCompleted, StatusFailed, StatusCanceled, StatusTerminated},
	StatusContinuedAsNew: {StatusRunning, StatusFailed, StatusCanceled, StatusTerminated},
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed ||
		s == StatusCanceled || s == StatusTerminated
}

// IsActive returns true if the instance may still make progress.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning || s == StatusContinuedAsNew
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusContinuedAsNew, StatusCompleted,
		StatusFailed, StatusCanceled, StatusTerminated:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// UnmarshalJSON rejects unknown statuses.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := Status(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
