package workflow

import (
	"context"
	"errors"
)

var (
	// ErrInstanceExists is returned when creating an instance whose id is taken.
	ErrInstanceExists = errors.New("workflow instance already exists")

	// ErrInstanceNotFound is returned when an instance id is unknown.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrInstanceTerminal is returned when an operation requires a non-terminal instance.
	ErrInstanceTerminal = errors.New("workflow instance is in a terminal state")

	// ErrRevisionConflict is returned when an update is based on a stale revision.
	ErrRevisionConflict = errors.New("workflow instance revision conflict")

	// ErrEventConsumed is returned when an inbox event was taken by another step.
	ErrEventConsumed = errors.New("workflow event already consumed")
)

// Journal persists instances, their recorded steps and their event inbox.
type Journal interface {
	// CreateInstance stores a new instance. It returns ErrInstanceExists if
	// the id is taken.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance returns ErrInstanceNotFound for unknown ids.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance stores inst if its Revision matches the stored one and
	// increments inst.Revision. It returns ErrRevisionConflict otherwise.
	UpdateInstance(ctx context.Context, inst *Instance) error

	ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, error)

	// SaveStep inserts a step or updates a step that is not done yet. A
	// done step is never overwritten. When step.EventID is set the event is
	// marked consumed in the same write; ErrEventConsumed is returned if it
	// already was.
	SaveStep(ctx context.Context, step *Step) error

	// LoadSteps returns the steps of an instance ordered by sequence.
	LoadSteps(ctx context.Context, instanceID string) ([]*Step, error)

	// ResetSteps drops the recorded steps of an instance.
	ResetSteps(ctx context.Context, instanceID string) error

	// EnqueueEvent appends an event to the instance inbox and assigns its ID.
	EnqueueEvent(ctx context.Context, ev *Event) error

	// NextEvent returns the oldest unconsumed event with the given name, or
	// nil if there is none.
	NextEvent(ctx context.Context, instanceID, name string) (*Event, error)
}
