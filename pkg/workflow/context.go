package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ankisho/TeamCloud/pkg/notify"
)

var (
	// ErrCanceled is returned from suspension points after Cancel.
	ErrCanceled = errors.New("workflow instance canceled")

	// ErrTerminated is returned from suspension points after Terminate.
	ErrTerminated = errors.New("workflow instance terminated")

	// ErrHostStopped is returned from suspension points while the host shuts down.
	ErrHostStopped = errors.New("workflow host stopped")

	// ErrEventTimeout is returned by an event Future whose wait timed out.
	ErrEventTimeout = errors.New("timed out waiting for event")

	// ErrNondeterminism is returned when replayed code diverges from the journal.
	ErrNondeterminism = errors.New("workflow replay diverged from recorded history")
)

// Context is handed to a running workflow function. It is not safe to use
// from goroutines started by the workflow.
type Context struct {
	host *Host
	inst *Instance
	ctx  context.Context

	mu          sync.Mutex
	seq         int
	history     map[int]*Step
	replayUntil int
}

func newContext(ctx context.Context, h *Host, inst *Instance, steps []*Step) *Context {
	c := &Context{
		host:    h,
		inst:    inst,
		ctx:     ctx,
		history: make(map[int]*Step, len(steps)),
	}
	for _, s := range steps {
		c.history[s.Seq] = s
		if s.Done && s.Seq+1 > c.replayUntil {
			c.replayUntil = s.Seq + 1
		}
	}
	return c
}

// InstanceID returns the id of the running instance.
func (c *Context) InstanceID() string { return c.inst.ID }

// Name returns the registered workflow name.
func (c *Context) Name() string { return c.inst.Name }

// ParentID returns the id of the parent instance, if any.
func (c *Context) ParentID() string { return c.inst.ParentID }

// IsReplaying reports whether the workflow is re-executing recorded history.
func (c *Context) IsReplaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq < c.replayUntil
}

// Logger returns a logger that discards records while replaying.
func (c *Context) Logger() *zerolog.Logger {
	if c.IsReplaying() {
		nop := zerolog.Nop()
		return &nop
	}
	l := c.host.logger.With().
		Str("instance_id", c.inst.ID).
		Str("workflow", c.inst.Name).
		Logger()
	return &l
}

// interrupted returns the reason the instance stopped, or nil.
func (c *Context) interrupted() error {
	if c.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(c.ctx); cause != nil {
		return cause
	}
	return c.ctx.Err()
}

// nextStep allocates the next sequence number and returns the recorded
// step for it, if any.
func (c *Context) nextStep(kind StepKind, name string) (int, *Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.seq
	c.seq++

	rec, ok := c.history[seq]
	if !ok {
		return seq, nil, nil
	}
	if rec.Kind != kind || rec.Name != name {
		return seq, nil, fmt.Errorf("%w: step %d recorded %s %q, replay requested %s %q",
			ErrNondeterminism, seq, rec.Kind, rec.Name, kind, name)
	}
	return seq, rec, nil
}

func (c *Context) journalCtx() context.Context {
	return context.WithoutCancel(c.ctx)
}

func (c *Context) saveStep(step *Step) error {
	step.InstanceID = c.inst.ID
	if step.Done && step.CompletedAt == nil {
		now := time.Now().UTC()
		step.CompletedAt = &now
	}
	if err := c.host.journal.SaveStep(c.journalCtx(), step); err != nil {
		return err
	}
	c.mu.Lock()
	c.history[step.Seq] = step
	c.mu.Unlock()
	return nil
}

// CallActivity schedules the registered activity name with input.
func (c *Context) CallActivity(name string, input any, opts ...ActivityOption) Future {
	f := newFuture(c)

	seq, rec, err := c.nextStep(StepActivity, name)
	if err != nil {
		f.resolve(nil, err)
		return f
	}
	if rec != nil && rec.Done {
		f.resolveFromStep(rec)
		return f
	}

	fn, ok := c.host.activity(name)
	if !ok {
		f.resolve(nil, fmt.Errorf("activity %q is not registered", name))
		return f
	}
	payload, err := json.Marshal(input)
	if err != nil {
		f.resolve(nil, fmt.Errorf("failed to encode input of activity %s: %w", name, err))
		return f
	}

	var options activityOptions
	for _, opt := range opts {
		opt(&options)
	}

	runCtx := c.ctx
	if options.detached && !errors.Is(c.interrupted(), ErrHostStopped) {
		runCtx = c.journalCtx()
		f.detached = true
	}

	scheduledAt := time.Now().UTC()
	c.host.wg.Add(1)
	go func() {
		defer c.host.wg.Done()

		out, runErr := c.host.runActivity(runCtx, name, fn, payload, options)
		if runErr != nil && runCtx.Err() != nil {
			f.resolve(nil, c.interrupted())
			return
		}

		step := &Step{
			Seq:         seq,
			Kind:        StepActivity,
			Name:        name,
			Output:      out,
			Done:        true,
			ScheduledAt: scheduledAt,
		}
		if runErr != nil {
			step.Error = runErr.Error()
		}
		if err := c.saveStep(step); err != nil {
			f.resolve(nil, fmt.Errorf("failed to record activity %s: %w", name, err))
			return
		}
		f.resolveFromStep(step)
	}()

	return f
}

// CallSubWorkflow starts the registered workflow name as a child instance
// and completes when the child reaches a terminal status. An empty
// instanceID derives a deterministic id from the parent.
func (c *Context) CallSubWorkflow(name, instanceID string, input any) Future {
	f := newFuture(c)

	seq, rec, err := c.nextStep(StepSubWorkflow, name)
	if err != nil {
		f.resolve(nil, err)
		return f
	}
	if rec != nil && rec.Done {
		f.resolveFromStep(rec)
		return f
	}

	if instanceID == "" {
		instanceID = fmt.Sprintf("%s:%d", c.inst.ID, seq)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		f.resolve(nil, fmt.Errorf("failed to encode input of sub-workflow %s: %w", name, err))
		return f
	}

	scheduledAt := time.Now().UTC()
	c.host.wg.Add(1)
	go func() {
		defer c.host.wg.Done()

		step := &Step{Seq: seq, Kind: StepSubWorkflow, Name: name, Done: true, ScheduledAt: scheduledAt}

		_, startErr := c.host.start(c.journalCtx(), name, instanceID, payload, c.inst.ID)
		if startErr != nil && !errors.Is(startErr, ErrInstanceExists) {
			if errors.Is(startErr, ErrHostStopped) {
				f.resolve(nil, c.interrupted())
				return
			}
			step.Error = startErr.Error()
		} else {
			child, waitErr := c.host.WaitForCompletion(c.ctx, instanceID)
			if waitErr != nil {
				f.resolve(nil, c.interrupted())
				return
			}
			step.Output = child.Output
			if child.Status != StatusCompleted {
				step.Error = child.Error
				if step.Error == "" {
					step.Error = fmt.Sprintf("instance %s ended %s", instanceID, child.Status)
				}
			}
		}

		if err := c.saveStep(step); err != nil {
			f.resolve(nil, fmt.Errorf("failed to record sub-workflow %s: %w", name, err))
			return
		}
		f.resolveFromStep(step)
	}()

	return f
}

// WaitForEvent completes with the payload of the next external event named
// name. A positive timeout is measured from the first time the wait was
// scheduled, across replays; when it elapses the Future fails with
// ErrEventTimeout.
func (c *Context) WaitForEvent(name string, timeout time.Duration) Future {
	f := newFuture(c)

	seq, rec, err := c.nextStep(StepEvent, name)
	if err != nil {
		f.resolve(nil, err)
		return f
	}
	if rec != nil && rec.Done {
		f.resolveFromStep(rec)
		return f
	}

	scheduled := rec
	if scheduled == nil {
		scheduled = &Step{Seq: seq, Kind: StepEvent, Name: name, ScheduledAt: time.Now().UTC()}
		if err := c.saveStep(scheduled); err != nil {
			f.resolve(nil, fmt.Errorf("failed to record wait for %s: %w", name, err))
			return f
		}
	}

	c.host.wg.Add(1)
	go func() {
		defer c.host.wg.Done()
		c.awaitEvent(f, seq, name, scheduled.ScheduledAt, timeout)
	}()

	return f
}

func (c *Context) awaitEvent(f *future, seq int, name string, scheduledAt time.Time, timeout time.Duration) {
	signal, unsubscribe := c.host.notifier.Subscribe(notify.Topic(c.inst.ID, name))
	defer unsubscribe()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(time.Until(scheduledAt.Add(timeout)))
		defer timer.Stop()
		deadline = timer.C
	}

	poll := time.NewTicker(c.host.pollInterval)
	defer poll.Stop()

	for {
		ev, err := c.host.journal.NextEvent(c.journalCtx(), c.inst.ID, name)
		if err != nil {
			f.resolve(nil, fmt.Errorf("failed to read inbox: %w", err))
			return
		}
		if ev != nil {
			step := &Step{
				Seq:         seq,
				Kind:        StepEvent,
				Name:        name,
				Output:      ev.Payload,
				EventID:     ev.ID,
				Done:        true,
				ScheduledAt: scheduledAt,
			}
			err := c.saveStep(step)
			if errors.Is(err, ErrEventConsumed) {
				continue
			}
			if err != nil {
				f.resolve(nil, fmt.Errorf("failed to record event %s: %w", name, err))
				return
			}
			f.resolveFromStep(step)
			return
		}

		select {
		case <-signal:
		case <-poll.C:
		case <-deadline:
			step := &Step{
				Seq:         seq,
				Kind:        StepEvent,
				Name:        name,
				Error:       ErrEventTimeout.Error(),
				Done:        true,
				ScheduledAt: scheduledAt,
			}
			if err := c.saveStep(step); err != nil {
				f.resolve(nil, fmt.Errorf("failed to record timeout of %s: %w", name, err))
				return
			}
			f.resolveFromStep(step)
			return
		case <-c.ctx.Done():
			f.resolve(nil, c.interrupted())
			return
		}
	}
}

// Lock acquires advisory locks on the given entity keys for this instance,
// in sorted order, and returns a func that releases them. The release func
// is safe to call more than once and must be deferred by the caller.
func (c *Context) Lock(keys ...string) (func(), error) {
	if err := c.interrupted(); err != nil {
		return nil, err
	}

	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	seq, rec, err := c.nextStep(StepLock, strings.Join(sorted, ","))
	if err != nil {
		return nil, err
	}

	started := time.Now()
	acquired := make([]string, 0, len(sorted))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := c.host.locker.Release(c.journalCtx(), acquired[i], c.inst.ID); err != nil {
				c.host.logger.Error().Err(err).
					Str("instance_id", c.inst.ID).
					Str("lock", acquired[i]).
					Msg("Failed to release lock")
			}
		}
		acquired = acquired[:0]
	}

	for _, k := range sorted {
		if err := c.host.locker.Acquire(c.ctx, k, c.inst.ID); err != nil {
			release()
			if c.ctx.Err() != nil {
				return nil, c.interrupted()
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", k, err)
		}
		acquired = append(acquired, k)
	}
	c.host.metrics.RecordLockWait(time.Since(started))

	if rec == nil || !rec.Done {
		step := &Step{Seq: seq, Kind: StepLock, Name: strings.Join(sorted, ","), Done: true, ScheduledAt: started.UTC()}
		if err := c.saveStep(step); err != nil {
			release()
			return nil, fmt.Errorf("failed to record lock: %w", err)
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Now returns the current time, recorded so that replays observe the same value.
func (c *Context) Now() (time.Time, error) {
	seq, rec, err := c.nextStep(StepClock, "now")
	if err != nil {
		return time.Time{}, err
	}
	var now time.Time
	if rec != nil && rec.Done {
		if err := json.Unmarshal(rec.Output, &now); err != nil {
			return time.Time{}, fmt.Errorf("failed to decode recorded time: %w", err)
		}
		return now, nil
	}

	now = time.Now().UTC()
	encoded, _ := json.Marshal(now)
	if err := c.saveStep(&Step{Seq: seq, Kind: StepClock, Name: "now", Output: encoded, Done: true, ScheduledAt: now}); err != nil {
		return time.Time{}, fmt.Errorf("failed to record time: %w", err)
	}
	return now, nil
}

// SetCustomStatus publishes a progress value readable through GetStatus.
// It is not written while replaying.
func (c *Context) SetCustomStatus(v any) error {
	if c.IsReplaying() {
		return nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode custom status: %w", err)
	}
	return c.host.update(c.journalCtx(), c.inst.ID, func(inst *Instance) error {
		inst.CustomStatus = encoded
		return nil
	})
}

type continueAsNewError struct {
	input json.RawMessage
}

func (e *continueAsNewError) Error() string { return "workflow continued as new" }

// ContinueAsNew returns an error that, when returned from the workflow
// function, restarts the instance with input and an empty history.
func (c *Context) ContinueAsNew(input any) error {
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to encode continue-as-new input: %w", err)
	}
	return &continueAsNewError{input: encoded}
}
