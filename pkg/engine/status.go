package engine

import (
	"encoding/json"
	"fmt"

	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// RuntimeStatus is the lifecycle state of a command as seen by clients.
type RuntimeStatus string

const (
	// RuntimeStatusUnknown is reported for execution states this version
	// does not recognize.
	RuntimeStatusUnknown RuntimeStatus = "unknown"

	// RuntimeStatusPending indicates the command is queued.
	RuntimeStatusPending RuntimeStatus = "pending"

	// RuntimeStatusRunning indicates dispatch is in progress.
	RuntimeStatusRunning RuntimeStatus = "running"

	// RuntimeStatusContinuedAsNew indicates an internal checkpoint/restart.
	RuntimeStatusContinuedAsNew RuntimeStatus = "continued_as_new"

	// RuntimeStatusCompleted indicates the command finished successfully.
	RuntimeStatusCompleted RuntimeStatus = "completed"

	// RuntimeStatusFailed indicates the command finished with errors.
	RuntimeStatusFailed RuntimeStatus = "failed"

	// RuntimeStatusCanceled indicates the command was cancelled before finishing.
	RuntimeStatusCanceled RuntimeStatus = "canceled"

	// RuntimeStatusTerminated indicates the command was forcibly stopped.
	RuntimeStatusTerminated RuntimeStatus = "terminated"
)

// IsTerminal returns true if no further transition can occur.
func (s RuntimeStatus) IsTerminal() bool {
	switch s {
	case RuntimeStatusCompleted, RuntimeStatusFailed, RuntimeStatusCanceled, RuntimeStatusTerminated:
		return true
	}
	return false
}

// IsActive returns true for pending, running and continued-as-new commands.
func (s RuntimeStatus) IsActive() bool {
	switch s {
	case RuntimeStatusPending, RuntimeStatusRunning, RuntimeStatusContinuedAsNew:
		return true
	}
	return false
}

// Validate checks if the runtime status is valid.
func (s RuntimeStatus) Validate() error {
	if s == RuntimeStatusUnknown || s.IsTerminal() || s.IsActive() {
		return nil
	}
	return fmt.Errorf("invalid runtime status: %s", s)
}

// RuntimeStatusOf maps a workflow instance status onto a command runtime status.
func RuntimeStatusOf(s workflow.Status) RuntimeStatus {
	switch s {
	case workflow.StatusPending:
		return RuntimeStatusPending
	case workflow.StatusRunning:
		return RuntimeStatusRunning
	case workflow.StatusContinuedAsNew:
		return RuntimeStatusContinuedAsNew
	case workflow.StatusCompleted:
		return RuntimeStatusCompleted
	case workflow.StatusFailed:
		return RuntimeStatusFailed
	case workflow.StatusCanceled:
		return RuntimeStatusCanceled
	case workflow.StatusTerminated:
		return RuntimeStatusTerminated
	default:
		return RuntimeStatusUnknown
	}
}

// CommandAction is the kind of change a command asks for.
type CommandAction string

const (
	// ActionCreate creates the target document and reports its location.
	ActionCreate CommandAction = "create"

	// ActionUpdate updates the target document and reports its location.
	ActionUpdate CommandAction = "update"

	// ActionDelete removes the target document. No location is reported.
	ActionDelete CommandAction = "delete"

	// ActionCustom dispatches a payload without changing the target document
	// beyond provider outputs.
	ActionCustom CommandAction = "custom"
)

// Validate checks if the action is valid.
func (a CommandAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionCustom:
		return nil
	default:
		return fmt.Errorf("invalid command action: %s", a)
	}
}

// ProducesLocation returns true if a completed command of this action has
// an addressable resource.
func (a CommandAction) ProducesLocation() bool {
	return a == ActionCreate || a == ActionUpdate
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (a *CommandAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	action := CommandAction(s)
	if err := action.Validate(); err != nil {
		return err
	}
	*a = action
	return nil
}

// Severity describes how serious a command error is.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ResultKind discriminates the payload carried by a CommandResult.
type ResultKind string

const (
	ResultKindNone           ResultKind = ""
	ResultKindProject        ResultKind = "project"
	ResultKindProviderOutput ResultKind = "provider_output"
	ResultKindCustom         ResultKind = "custom"
)
