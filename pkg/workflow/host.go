package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ankisho/TeamCloud/pkg/locks"
	"github.com/ankisho/TeamCloud/pkg/notify"
	"github.com/ankisho/TeamCloud/pkg/telemetry"
)

const (
	completedTopic = "$completed"
	controlTopic   = "$control"
)

// Options configures a Host.
type Options struct {
	// Journal persists instances and history. Required.
	Journal Journal

	// Locker serves Context.Lock. Defaults to an in-process locker.
	Locker locks.Locker

	// Notifier wakes waiting instances. Defaults to an in-process notifier.
	Notifier notify.Notifier

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics

	// PollInterval bounds how long a waiter may miss a notification
	// delivered by another node. Defaults to one second.
	PollInterval time.Duration
}

// Host runs workflow instances and exposes their management operations.
type Host struct {
	journal      Journal
	locker       locks.Locker
	notifier     notify.Notifier
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
	pollInterval time.Duration

	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
	running    map[string]struct{}

	ctx  context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup
}

// NewHost creates a host. Workflows and activities must be registered
// before instances referring to them are started or resumed.
func NewHost(opts Options) (*Host, error) {
	if opts.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if opts.Locker == nil {
		opts.Locker = locks.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLocal()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	ctx, stop := context.WithCancelCause(context.Background())
	return &Host{
		journal:      opts.Journal,
		locker:       opts.Locker,
		notifier:     opts.Notifier,
		logger:       opts.Logger.With().Str("component", "workflow").Logger(),
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		workflows:    make(map[string]WorkflowFunc),
		activities:   make(map[string]ActivityFunc),
		running:      make(map[string]struct{}),
		ctx:          ctx,
		stop:         stop,
	}, nil
}

// RegisterWorkflow makes fn startable under name.
func (h *Host) RegisterWorkflow(name string, fn WorkflowFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workflows[name] = fn
}

// RegisterActivity makes fn callable under name.
func (h *Host) RegisterActivity(name string, fn ActivityFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activities[name] = fn
}

func (h *Host) workflow(name string) (WorkflowFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.workflows[name]
	return fn, ok
}

func (h *Host) activity(name string) (ActivityFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.activities[name]
	return fn, ok
}

// Start creates instance instanceID of workflow name and runs it in the
// background. A random id is generated when instanceID is empty. It returns
// ErrInstanceExists if the id is already taken.
func (h *Host) Start(ctx context.Context, name, instanceID string, input any) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow input: %w", err)
	}
	return h.start(ctx, name, instanceID, payload, "")
}

func (h *Host) start(ctx context.Context, name, instanceID string, input json.RawMessage, parentID string) (string, error) {
	if h.ctx.Err() != nil {
		return "", ErrHostStopped
	}
	if _, ok := h.workflow(name); !ok {
		return "", fmt.Errorf("workflow %q is not registered", name)
	}
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:        instanceID,
		Name:      name,
		ParentID:  parentID,
		Status:    StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.journal.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, ErrInstanceExists) {
			return instanceID, err
		}
		return "", fmt.Errorf("failed to create instance %s: %w", instanceID, err)
	}

	h.logger.Debug().Str("instance_id", instanceID).Str("workflow", name).Msg("Instance created")
	h.launch(inst)
	return instanceID, nil
}

// Resume restarts every instance that has not reached a terminal status.
// It is called once after the host is constructed and all workflows are
// registered.
func (h *Host) Resume(ctx context.Context) (int, error) {
	active, err := h.journal.ListInstances(ctx, ListFilter{
		Statuses: []Status{StatusPending, StatusRunning, StatusContinuedAsNew},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list active instances: %w", err)
	}

	resumed := 0
	for _, inst := range active {
		if inst.CancelRequested {
			if err := h.finish(ctx, inst.ID, StatusCanceled, nil, ""); err != nil {
				h.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to cancel instance on resume")
			}
			h.stopChildren(ctx, inst.ID, StatusCanceled, "")
			continue
		}
		if _, ok := h.workflow(inst.Name); !ok {
			h.logger.Warn().Str("instance_id", inst.ID).Str("workflow", inst.Name).Msg("Skipping instance of unregistered workflow")
			continue
		}
		h.launch(inst)
		resumed++
	}

	h.logger.Info().Int("count", resumed).Msg("Resumed workflow instances")
	return resumed, nil
}

// GetStatus returns the instance, or nil if the id is unknown.
func (h *Host) GetStatus(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := h.journal.GetInstance(ctx, instanceID)
	if errors.Is(err, ErrInstanceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", instanceID, err)
	}
	return inst, nil
}

// ListInstances lists persisted instances.
func (h *Host) ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	return h.journal.ListInstances(ctx, filter)
}

// RaiseEvent delivers an external event to an instance. It returns
// ErrInstanceNotFound or ErrInstanceTerminal when the instance cannot
// receive events.
func (h *Host) RaiseEvent(ctx context.Context, instanceID, name string, payload any) error {
	inst, err := h.journal.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return ErrInstanceTerminal
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	ev := &Event{
		InstanceID: instanceID,
		Name:       name,
		Payload:    encoded,
		ReceivedAt: time.Now().UTC(),
	}
	if err := h.journal.EnqueueEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to store event %s: %w", name, err)
	}
	if err := h.notifier.Notify(ctx, notify.Topic(instanceID, name)); err != nil {
		h.logger.Warn().Err(err).Str("instance_id", instanceID).Str("event", name).Msg("Failed to notify waiter, relying on polling")
	}

	h.logger.Debug().Str("instance_id", instanceID).Str("event", name).Int64("event_id", ev.ID).Msg("Event raised")
	return nil
}

// Cancel requests cooperative cancellation of an instance and of its
// unfinished sub-workflows. It is a no-op for terminal instances.
func (h *Host) Cancel(ctx context.Context, instanceID, reason string) error {
	skipped := false
	err := h.update(ctx, instanceID, func(inst *Instance) error {
		if inst.Status.IsTerminal() {
			skipped = true
			return errSkipUpdate
		}
		inst.CancelRequested = true
		if reason != "" {
			inst.Error = reason
		}
		return nil
	})
	if err != nil || skipped {
		return err
	}
	if err := h.notifier.Notify(ctx, notify.Topic(instanceID, controlTopic)); err != nil {
		return err
	}
	h.stopChildren(ctx, instanceID, StatusCanceled, reason)
	return nil
}

// Terminate stops an instance and its unfinished sub-workflows
// immediately. It is a no-op for terminal instances.
func (h *Host) Terminate(ctx context.Context, instanceID, reason string) error {
	if err := h.finish(ctx, instanceID, StatusTerminated, nil, reason); err != nil {
		return err
	}
	if err := h.notifier.Notify(ctx, notify.Topic(instanceID, controlTopic)); err != nil {
		return err
	}
	h.stopChildren(ctx, instanceID, StatusTerminated, reason)
	return nil
}

// stopChildren cancels or terminates the unfinished sub-workflows of
// parentID, recursively through Cancel and Terminate.
func (h *Host) stopChildren(ctx context.Context, parentID string, status Status, reason string) {
	children, err := h.journal.ListInstances(ctx, ListFilter{
		ParentID: parentID,
		Statuses: []Status{StatusPending, StatusRunning, StatusContinuedAsNew},
	})
	if err != nil {
		h.logger.Error().Err(err).Str("instance_id", parentID).Msg("Failed to list sub-workflows")
		return
	}

	if reason == "" {
		reason = fmt.Sprintf("parent instance %s %s", parentID, status)
	}
	for _, child := range children {
		if status == StatusTerminated {
			err = h.Terminate(ctx, child.ID, reason)
		} else {
			err = h.Cancel(ctx, child.ID, reason)
		}
		if err != nil {
			h.logger.Error().Err(err).Str("instance_id", child.ID).Str("parent_id", parentID).Msg("Failed to stop sub-workflow")
		}
	}
}

// WaitForCompletion blocks until the instance is terminal or ctx is done.
func (h *Host) WaitForCompletion(ctx context.Context, instanceID string) (*Instance, error) {
	signal, unsubscribe := h.notifier.Subscribe(notify.Topic(instanceID, completedTopic))
	defer unsubscribe()

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()

	for {
		inst, err := h.journal.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		select {
		case <-signal:
		case <-poll.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Shutdown stops all running instances without changing their status so
// that Resume picks them up again, and waits for background work.
func (h *Host) Shutdown(ctx context.Context) error {
	h.stop(ErrHostStopped)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow host shutdown timeout: %w", ctx.Err())
	}
}

func (h *Host) launch(inst *Instance) {
	h.mu.Lock()
	if _, ok := h.running[inst.ID]; ok {
		h.mu.Unlock()
		return
	}
	h.running[inst.ID] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.running, inst.ID)
			h.mu.Unlock()
		}()
		h.run(inst)
	}()
}

func (h *Host) run(inst *Instance) {
	ctx, cancel := context.WithCancelCause(h.ctx)
	defer cancel(nil)

	h.watchControl(ctx, cancel, inst.ID)

	started := time.Now()
	h.metrics.RecordInstanceStarted(inst.Name)
	logger := h.logger.With().Str("instance_id", inst.ID).Str("workflow", inst.Name).Logger()

	fn, ok := h.workflow(inst.Name)
	if !ok {
		h.complete(inst, started, StatusFailed, nil, fmt.Sprintf("workflow %q is not registered", inst.Name))
		return
	}

	for {
		err := h.update(context.WithoutCancel(ctx), inst.ID, func(cur *Instance) error {
			if cur.Status == StatusRunning {
				return errSkipUpdate
			}
			if !cur.Status.CanTransition(StatusRunning) {
				return fmt.Errorf("%w: %s", ErrInstanceTerminal, cur.Status)
			}
			cur.Status = StatusRunning
			return nil
		})
		if err != nil {
			logger.Debug().Err(err).Msg("Instance not runnable")
			h.metrics.RecordInstanceFinished(inst.Name, "skipped", time.Since(started))
			return
		}

		current, err := h.journal.GetInstance(ctx, inst.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load instance")
			return
		}
		if current.CancelRequested {
			h.complete(inst, started, StatusCanceled, nil, "")
			return
		}
		steps, err := h.journal.LoadSteps(ctx, inst.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load history")
			return
		}

		wctx := newContext(ctx, h, current, steps)
		output, runErr := invokeWorkflow(fn, wctx, current.Input)

		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrHostStopped):
			logger.Debug().Msg("Instance suspended by host shutdown")
			return
		case errors.Is(cause, ErrTerminated):
			h.complete(inst, started, StatusTerminated, nil, "")
			return
		case errors.Is(cause, ErrCanceled):
			h.complete(inst, started, StatusCanceled, output, "")
			return
		}

		var can *continueAsNewError
		if errors.As(runErr, &can) {
			if err := h.continueAsNew(ctx, inst.ID, can.input); err != nil {
				logger.Error().Err(err).Msg("Failed to continue as new")
				h.complete(inst, started, StatusFailed, nil, err.Error())
				return
			}
			logger.Debug().Msg("Instance continued as new")
			continue
		}

		if runErr != nil {
			h.complete(inst, started, StatusFailed, output, runErr.Error())
			return
		}
		h.complete(inst, started, StatusCompleted, output, "")
		return
	}
}

// watchControl cancels ctx when the instance is canceled or terminated,
// possibly from another node.
func (h *Host) watchControl(ctx context.Context, cancel context.CancelCauseFunc, instanceID string) {
	signal, unsubscribe := h.notifier.Subscribe(notify.Topic(instanceID, controlTopic))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				inst, err := h.journal.GetInstance(context.WithoutCancel(ctx), instanceID)
				if err != nil {
					continue
				}
				switch {
				case inst.Status == StatusTerminated:
					cancel(ErrTerminated)
				case inst.CancelRequested:
					cancel(ErrCanceled)
				}
			}
		}
	}()
}

func (h *Host) continueAsNew(ctx context.Context, instanceID string, input json.RawMessage) error {
	ctx = context.WithoutCancel(ctx)
	if err := h.update(ctx, instanceID, func(inst *Instance) error {
		if !inst.Status.CanTransition(StatusContinuedAsNew) {
			return fmt.Errorf("%w: %s", ErrInstanceTerminal, inst.Status)
		}
		inst.Status = StatusContinuedAsNew
		inst.Input = input
		return nil
	}); err != nil {
		return err
	}
	return h.journal.ResetSteps(ctx, instanceID)
}

func (h *Host) complete(inst *Instance, started time.Time, status Status, output any, message string) {
	ctx := context.Background()
	if err := h.finish(ctx, inst.ID, status, output, message); err != nil {
		h.logger.Error().Err(err).Str("instance_id", inst.ID).Str("status", string(status)).Msg("Failed to record final status")
	}
	if status == StatusCanceled || status == StatusTerminated {
		// Sub-workflows started while the stop request was in flight.
		h.stopChildren(ctx, inst.ID, status, "")
	}
	h.metrics.RecordInstanceFinished(inst.Name, string(status), time.Since(started))
	h.logger.Info().
		Str("instance_id", inst.ID).
		Str("workflow", inst.Name).
		Str("status", string(status)).
		Dur("duration", time.Since(started)).
		Msg("Instance finished")
}

// finish moves an instance into a terminal status unless it already is in one.
func (h *Host) finish(ctx context.Context, instanceID string, status Status, output any, message string) error {
	var encoded json.RawMessage
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("failed to encode workflow output: %w", err)
		}
		encoded = b
	}

	err := h.update(ctx, instanceID, func(inst *Instance) error {
		if inst.Status.IsTerminal() {
			return errSkipUpdate
		}
		if !inst.Status.CanTransition(status) {
			return fmt.Errorf("invalid transition %s -> %s", inst.Status, status)
		}
		inst.Status = status
		if encoded != nil {
			inst.Output = encoded
		}
		if message != "" {
			inst.Error = message
		}
		return nil
	})
	if err != nil {
		return err
	}
	return h.notifier.Notify(ctx, notify.Topic(instanceID, completedTopic))
}

var errSkipUpdate = errors.New("skip update")

// update applies mutate to the latest stored instance, retrying on
// revision conflicts. Returning errSkipUpdate from mutate leaves the
// instance unchanged.
func (h *Host) update(ctx context.Context, instanceID string, mutate func(*Instance) error) error {
	for attempt := 0; attempt < 10; attempt++ {
		inst, err := h.journal.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if err := mutate(inst); err != nil {
			if errors.Is(err, errSkipUpdate) {
				return nil
			}
			return err
		}
		inst.UpdatedAt = time.Now().UTC()
		err = h.journal.UpdateInstance(ctx, inst)
		if errors.Is(err, ErrRevisionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update instance %s: %w", instanceID, ErrRevisionConflict)
}

func invokeWorkflow(fn WorkflowFunc, wctx *Context, input json.RawMessage) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return fn(wctx, input)
}
