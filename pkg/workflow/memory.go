package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryJournal is a Journal kept in process memory. It is used by tests
// and by single-node development setups that do not need durability.
type MemoryJournal struct {
	mu        sync.Mutex
	instances map[string]*Instance
	steps     map[string]map[int]*Step
	events    []*memoryEvent
	nextEvent int64
}

type memoryEvent struct {
	event    *Event
	consumed bool
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		instances: make(map[string]*Instance),
		steps:     make(map[string]map[int]*Step),
	}
}

// CreateInstance implements Journal.
func (j *MemoryJournal) CreateInstance(_ context.Context, inst *Instance) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	inst.Revision = 1
	j.instances[inst.ID] = inst.Clone()
	return nil
}

// GetInstance implements Journal.
func (j *MemoryJournal) GetInstance(_ context.Context, id string) (*Instance, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	inst, ok := j.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

// UpdateInstance implements Journal.
func (j *MemoryJournal) UpdateInstance(_ context.Context, inst *Instance) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	stored, ok := j.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if stored.Revision != inst.Revision {
		return ErrRevisionConflict
	}
	inst.Revision++
	j.instances[inst.ID] = inst.Clone()
	return nil
}

// ListInstances implements Journal.
func (j *MemoryJournal) ListInstances(_ context.Context, filter ListFilter) ([]*Instance, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*Instance
	for _, inst := range j.instances {
		if filter.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveStep implements Journal.
func (j *MemoryJournal) SaveStep(_ context.Context, step *Step) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.instances[step.InstanceID]; !ok {
		return ErrInstanceNotFound
	}

	steps := j.steps[step.InstanceID]
	if steps == nil {
		steps = make(map[int]*Step)
		j.steps[step.InstanceID] = steps
	}
	if existing, ok := steps[step.Seq]; ok && existing.Done {
		return nil
	}

	if step.EventID != 0 && step.Done {
		ev := j.findEvent(step.EventID)
		if ev == nil || ev.consumed {
			return ErrEventConsumed
		}
		ev.consumed = true
	}

	steps[step.Seq] = step.Clone()
	return nil
}

// LoadSteps implements Journal.
func (j *MemoryJournal) LoadSteps(_ context.Context, instanceID string) ([]*Step, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*Step, 0, len(j.steps[instanceID]))
	for _, s := range j.steps[instanceID] {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

// ResetSteps implements Journal.
func (j *MemoryJournal) ResetSteps(_ context.Context, instanceID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.steps, instanceID)
	return nil
}

// EnqueueEvent implements Journal.
func (j *MemoryJournal) EnqueueEvent(_ context.Context, ev *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.instances[ev.InstanceID]; !ok {
		return ErrInstanceNotFound
	}
	j.nextEvent++
	ev.ID = j.nextEvent
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	stored := *ev
	stored.Payload = cloneRaw(ev.Payload)
	j.events = append(j.events, &memoryEvent{event: &stored})
	return nil
}

// NextEvent implements Journal.
func (j *MemoryJournal) NextEvent(_ context.Context, instanceID, name string) (*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, ev := range j.events {
		if ev.consumed || ev.event.InstanceID != instanceID || ev.event.Name != name {
			continue
		}
		out := *ev.event
		out.Payload = cloneRaw(ev.event.Payload)
		return &out, nil
	}
	return nil, nil
}

func (j *MemoryJournal) findEvent(id int64) *memoryEvent {
	for _, ev := range j.events {
		if ev.event.ID == id {
			return ev
		}
	}
	return nil
}
