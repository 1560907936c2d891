package workflow

import (
	"encoding/json"
	"time"
)

// Instance is the persisted state of one workflow instance.
type Instance struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ParentID        string          `json:"parent_id,omitempty"`
	Status          Status          `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	CustomStatus    json.RawMessage `json:"custom_status,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Revision is incremented on every update and guards against lost writes.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Input = cloneRaw(i.Input)
	c.Output = cloneRaw(i.Output)
	c.CustomStatus = cloneRaw(i.CustomStatus)
	return &c
}

// StepKind identifies the kind of call a journal step records.
type StepKind string

const (
	StepActivity    StepKind = "activity"
	StepSubWorkflow StepKind = "sub_workflow"
	StepEvent       StepKind = "event"
	StepLock        StepKind = "lock"
	StepClock       StepKind = "clock"
)

// Step is one recorded call of a workflow instance.
type Step struct {
	InstanceID string          `json:"instance_id"`
	Seq        int             `json:"seq"`
	Kind       StepKind        `json:"kind"`
	Name       string          `json:"name"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`

	// EventID is the inbox event consumed by an event step.
	EventID int64 `json:"event_id,omitempty"`

	// Done is false for a scheduled wait whose outcome is not known yet.
	Done bool `json:"done"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.Output = cloneRaw(s.Output)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Event is an external event in an instance inbox.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ListFilter narrows ListInstances.
type ListFilter struct {
	Statuses []Status
	Name     string
	ParentID string
	Limit    int
}

// Matches reports whether inst passes the filter.
func (f ListFilter) Matches(inst *Instance) bool {
	if f.Name != "" && inst.Name != f.Name {
		return false
	}
	if f.ParentID != "" && inst.ParentID != f.ParentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
