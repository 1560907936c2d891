package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ankisho/TeamCloud/pkg/locks"
)

func newTestHost(t *testing.T, journal Journal, locker locks.Locker) *Host {
	t.Helper()
	h, err := NewHost(Options{
		Journal:      journal,
		Locker:       locker,
		Logger:       zerolog.Nop(),
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func waitDone(t *testing.T, h *Host, id string) *Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := h.WaitForCompletion(ctx, id)
	if err != nil {
		t.Fatalf("instance %s did not complete: %v", id, err)
	}
	return inst
}

func waitForStep(t *testing.T, j Journal, id string, kind StepKind) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		steps, err := j.LoadSteps(context.Background(), id)
		if err != nil {
			t.Fatalf("LoadSteps failed: %v", err)
		}
		for _, s := range steps {
			if s.Kind == kind {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s never recorded a %s step", id, kind)
}

func TestNewHostRequiresJournal(t *testing.T) {
	if _, err := NewHost(Options{}); err == nil {
		t.Fatal("expected error without journal")
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterActivity("greet", ActivityOf(func(_ context.Context, name string) (string, error) {
		return "hello " + name, nil
	}))
	h.RegisterWorkflow("hello", WorkflowOf(func(ctx *Context, name string) (string, error) {
		var greeting string
		err := ctx.CallActivity("greet", name).Get(&greeting)
		return greeting, err
	}))

	id, err := h.Start(context.Background(), "hello", "inst-1", "world")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	inst := waitDone(t, h, id)

	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%s)", inst.Status, inst.Error)
	}
	var out string
	if err := json.Unmarshal(inst.Output, &out); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if out != "hello world" {
		t.Errorf("output = %q, want %q", out, "hello world")
	}
}

func TestStartDuplicateID(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("noop", WorkflowOf(func(_ *Context, _ any) (any, error) { return nil, nil }))

	ctx := context.Background()
	if _, err := h.Start(ctx, "noop", "dup", nil); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if _, err := h.Start(ctx, "noop", "dup", nil); !errors.Is(err, ErrInstanceExists) {
		t.Fatalf("second Start error = %v, want ErrInstanceExists", err)
	}
}

func TestStartUnregisteredWorkflow(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	if _, err := h.Start(context.Background(), "missing", "", nil); err == nil {
		t.Fatal("expected error for unregistered workflow")
	}
}

func TestWorkflowErrorMarksFailedAndKeepsOutput(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("fails", WorkflowOf(func(_ *Context, _ any) (map[string]string, error) {
		return map[string]string{"partial": "yes"}, fmt.Errorf("provider failed")
	}))

	id, _ := h.Start(context.Background(), "fails", "", nil)
	inst := waitDone(t, h, id)

	if inst.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", inst.Status)
	}
	if inst.Error != "provider failed" {
		t.Errorf("error = %q", inst.Error)
	}
	if string(inst.Output) != `{"partial":"yes"}` {
		t.Errorf("output = %s", inst.Output)
	}
}

func TestActivityFailureSurfacesAsActivityError(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	var attempts atomic.Int32
	h.RegisterActivity("flaky", ActivityOf(func(_ context.Context, _ any) (any, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	}))
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (string, error) {
		err := ctx.CallActivity("flaky", nil, WithRetry(RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
		})).Get(nil)
		var actErr *ActivityError
		if errors.As(err, &actErr) {
			return actErr.Message, nil
		}
		return "", err
	}))

	id, _ := h.Start(context.Background(), "wf", "", nil)
	inst := waitDone(t, h, id)
	if string(inst.Output) != `"boom"` {
		t.Errorf("output = %s, want \"boom\"", inst.Output)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryableFilterStopsRetries(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	var attempts atomic.Int32
	permanent := errors.New("permanent")
	h.RegisterActivity("act", ActivityOf(func(_ context.Context, _ any) (any, error) {
		attempts.Add(1)
		return nil, permanent
	}))
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (any, error) {
		return nil, ctx.CallActivity("act", nil, WithRetry(RetryPolicy{
			MaxAttempts:     5,
			InitialInterval: time.Millisecond,
			Retryable:       func(err error) bool { return !errors.Is(err, permanent) },
		})).Get(nil)
	}))

	id, _ := h.Start(context.Background(), "wf", "", nil)
	waitDone(t, h, id)
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestReplayServesRecordedResults(t *testing.T) {
	journal := NewMemoryJournal()
	var calls atomic.Int32

	register := func(h *Host) {
		h.RegisterActivity("provision", ActivityOf(func(_ context.Context, _ any) (int32, error) {
			return calls.Add(1), nil
		}))
		h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (string, error) {
			var n int32
			if err := ctx.CallActivity("provision", nil).Get(&n); err != nil {
				return "", err
			}
			var signal string
			if err := ctx.WaitForEvent("go", 0).Get(&signal); err != nil {
				return "", err
			}
			return fmt.Sprintf("%d:%s", n, signal), nil
		}))
	}

	first, err := NewHost(Options{Journal: journal, Logger: zerolog.Nop(), PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	register(first)
	id, err := first.Start(context.Background(), "wf", "replayed", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStep(t, journal, id, StepEvent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if inst, _ := journal.GetInstance(ctx, id); inst.Status != StatusRunning {
		t.Fatalf("status after shutdown = %s, want running", inst.Status)
	}

	second := newTestHost(t, journal, nil)
	register(second)
	n, err := second.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("resumed %d instances, want 1", n)
	}
	if err := second.RaiseEvent(ctx, id, "go", "now"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}

	inst := waitDone(t, second, id)
	if string(inst.Output) != `"1:now"` {
		t.Errorf("output = %s, want \"1:now\"", inst.Output)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("activity ran %d times, want 1", got)
	}
}

func TestReplayDetectsNondeterminism(t *testing.T) {
	journal := NewMemoryJournal()
	ctx := context.Background()

	inst := &Instance{ID: "nd", Name: "wf", Status: StatusRunning, CreatedAt: time.Now()}
	if err := journal.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if err := journal.SaveStep(ctx, &Step{InstanceID: "nd", Seq: 0, Kind: StepActivity, Name: "other", Done: true}); err != nil {
		t.Fatalf("SaveStep failed: %v", err)
	}

	h := newTestHost(t, journal, nil)
	h.RegisterActivity("expected", ActivityOf(func(_ context.Context, _ any) (any, error) { return nil, nil }))
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (any, error) {
		return nil, ctx.CallActivity("expected", nil).Get(nil)
	}))
	if _, err := h.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	got := waitDone(t, h, "nd")
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestEventRaisedBeforeWaitIsBuffered(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	release := make(chan struct{})
	h.RegisterActivity("block", ActivityOf(func(_ context.Context, _ any) (any, error) {
		<-release
		return nil, nil
	}))
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) ([]string, error) {
		if err := ctx.CallActivity("block", nil).Get(nil); err != nil {
			return nil, err
		}
		var got []string
		for i := 0; i < 2; i++ {
			var v string
			if err := ctx.WaitForEvent("cmd-1", time.Second).Get(&v); err != nil {
				return nil, err
			}
			got = append(got, v)
		}
		return got, nil
	}))

	ctx := context.Background()
	id, _ := h.Start(ctx, "wf", "", nil)
	if err := h.RaiseEvent(ctx, id, "cmd-1", "first"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	if err := h.RaiseEvent(ctx, id, "cmd-1", "second"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	close(release)

	inst := waitDone(t, h, id)
	if string(inst.Output) != `["first","second"]` {
		t.Errorf("output = %s", inst.Output)
	}
}

func TestWaitForEventTimeout(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (string, error) {
		err := ctx.WaitForEvent("never", 30*time.Millisecond).Get(nil)
		if errors.Is(err, ErrEventTimeout) {
			return "timeout", nil
		}
		return "", err
	}))

	id, _ := h.Start(context.Background(), "wf", "", nil)
	inst := waitDone(t, h, id)
	if string(inst.Output) != `"timeout"` {
		t.Errorf("output = %s, want \"timeout\"", inst.Output)
	}
}

func TestRaiseEventOnUnknownOrTerminal(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("noop", WorkflowOf(func(_ *Context, _ any) (any, error) { return nil, nil }))
	ctx := context.Background()

	if err := h.RaiseEvent(ctx, "missing", "e", nil); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("RaiseEvent(missing) = %v, want ErrInstanceNotFound", err)
	}

	id, _ := h.Start(ctx, "noop", "", nil)
	waitDone(t, h, id)
	if err := h.RaiseEvent(ctx, id, "e", nil); !errors.Is(err, ErrInstanceTerminal) {
		t.Errorf("RaiseEvent(terminal) = %v, want ErrInstanceTerminal", err)
	}
}

func TestCancelTakesEffectAtSuspensionPoint(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	var cleanedUp atomic.Bool
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (any, error) {
		defer cleanedUp.Store(true)
		return nil, ctx.WaitForEvent("never", 0).Get(nil)
	}))

	ctx := context.Background()
	id, _ := h.Start(ctx, "wf", "", nil)
	waitForStep(t, h.journal, id, StepEvent)

	if err := h.Cancel(ctx, id, "user request"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	inst := waitDone(t, h, id)
	if inst.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled", inst.Status)
	}
	if !cleanedUp.Load() {
		t.Error("workflow did not unwind")
	}

	// Cancel on a terminal instance is a no-op.
	if err := h.Cancel(ctx, id, ""); err != nil {
		t.Errorf("Cancel on terminal instance = %v, want nil", err)
	}
	if err := h.Cancel(ctx, "missing", ""); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Cancel(missing) = %v, want ErrInstanceNotFound", err)
	}
}

func TestTerminate(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (any, error) {
		return "should not be recorded", ctx.WaitForEvent("never", 0).Get(nil)
	}))

	ctx := context.Background()
	id, _ := h.Start(ctx, "wf", "", nil)
	waitForStep(t, h.journal, id, StepEvent)

	if err := h.Terminate(ctx, id, "operator"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	inst := waitDone(t, h, id)
	if inst.Status != StatusTerminated {
		t.Fatalf("status = %s, want terminated", inst.Status)
	}
	if inst.Error != "operator" {
		t.Errorf("error = %q, want operator", inst.Error)
	}
	if len(inst.Output) != 0 {
		t.Errorf("terminated instance recorded output %s", inst.Output)
	}
}

func TestStopReachesSubWorkflows(t *testing.T) {
	for _, status := range []Status{StatusCanceled, StatusTerminated} {
		t.Run(string(status), func(t *testing.T) {
			h := newTestHost(t, NewMemoryJournal(), nil)
			var cleanups atomic.Int32
			h.RegisterActivity("cleanup", ActivityOf(func(ctx context.Context, _ string) (any, error) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				cleanups.Add(1)
				return nil, nil
			}))
			h.RegisterWorkflow("child", WorkflowOf(func(ctx *Context, _ any) (any, error) {
				defer func() { _ = ctx.CallActivity("cleanup", ctx.InstanceID(), Detached()).Get(nil) }()
				return nil, ctx.WaitForEvent("never", 0).Get(nil)
			}))
			h.RegisterWorkflow("parent", WorkflowOf(func(ctx *Context, _ any) (any, error) {
				return nil, ctx.CallSubWorkflow("child", "p-child", nil).Get(nil)
			}))

			ctx := context.Background()
			id, _ := h.Start(ctx, "parent", "p", nil)
			waitForStep(t, h.journal, "p-child", StepEvent)

			var err error
			if status == StatusCanceled {
				err = h.Cancel(ctx, id, "")
			} else {
				err = h.Terminate(ctx, id, "operator")
			}
			if err != nil {
				t.Fatalf("stop failed: %v", err)
			}

			if inst := waitDone(t, h, id); inst.Status != status {
				t.Errorf("parent status = %s, want %s", inst.Status, status)
			}
			child := waitDone(t, h, "p-child")
			if child.Status != status {
				t.Errorf("child status = %s, want %s", child.Status, status)
			}
			if status == StatusCanceled && child.Error != "parent instance p canceled" {
				t.Errorf("child error = %q", child.Error)
			}
			if err := h.RaiseEvent(ctx, "p-child", "never", nil); !errors.Is(err, ErrInstanceTerminal) {
				t.Errorf("RaiseEvent into stopped child = %v, want ErrInstanceTerminal", err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for cleanups.Load() == 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if n := cleanups.Load(); n != 1 {
				t.Errorf("detached cleanup ran %d times, want 1", n)
			}
		})
	}
}

func TestSubWorkflowFanOutFanIn(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("child", WorkflowOf(func(_ *Context, n int) (int, error) {
		if n == 2 {
			return 0, errors.New("child two failed")
		}
		return n * 10, nil
	}))
	h.RegisterWorkflow("parent", WorkflowOf(func(ctx *Context, _ any) ([]string, error) {
		futures := make([]Future, 0, 3)
		for i := 1; i <= 3; i++ {
			futures = append(futures, ctx.CallSubWorkflow("child", fmt.Sprintf("%s-child-%d", ctx.InstanceID(), i), i))
		}
		out := make([]string, 0, len(futures))
		for _, f := range futures {
			var v int
			if err := f.Get(&v); err != nil {
				out = append(out, "error")
				continue
			}
			out = append(out, fmt.Sprint(v))
		}
		return out, nil
	}))

	ctx := context.Background()
	id, _ := h.Start(ctx, "parent", "p", nil)
	inst := waitDone(t, h, id)
	if string(inst.Output) != `["10","error","30"]` {
		t.Errorf("output = %s", inst.Output)
	}

	child, err := h.GetStatus(ctx, "p-child-2")
	if err != nil || child == nil {
		t.Fatalf("GetStatus(child) = %v, %v", child, err)
	}
	if child.ParentID != "p" || child.Status != StatusFailed {
		t.Errorf("child = %+v", child)
	}
}

func TestLockSerializesInstances(t *testing.T) {
	locker := locks.NewMemory()
	h := newTestHost(t, NewMemoryJournal(), locker)

	var mu sync.Mutex
	var inside, maxInside int
	h.RegisterActivity("mutate", ActivityOf(func(_ context.Context, _ any) (any, error) {
		mu.Lock()
		inside++
		if inside > maxInside {
			maxInside = inside
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inside--
		mu.Unlock()
		return nil, nil
	}))
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (any, error) {
		release, err := ctx.Lock("project/p1")
		if err != nil {
			return nil, err
		}
		defer release()
		return nil, ctx.CallActivity("mutate", nil).Get(nil)
	}))

	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := h.Start(ctx, "wf", "", nil)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if inst := waitDone(t, h, id); inst.Status != StatusCompleted {
			t.Errorf("instance %s status = %s (%s)", id, inst.Status, inst.Error)
		}
	}

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if _, held := locker.Holder("project/p1"); held {
		t.Error("lock still held after all instances completed")
	}
}

func TestContinueAsNew(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("counter", WorkflowOf(func(ctx *Context, n int) (int, error) {
		if _, err := ctx.Now(); err != nil {
			return 0, err
		}
		if n < 3 {
			return 0, ctx.ContinueAsNew(n + 1)
		}
		return n, nil
	}))

	id, _ := h.Start(context.Background(), "counter", "", 0)
	inst := waitDone(t, h, id)
	if inst.Status != StatusCompleted || string(inst.Output) != "3" {
		t.Fatalf("got status=%s output=%s", inst.Status, inst.Output)
	}
	if string(inst.Input) != "3" {
		t.Errorf("input = %s, want 3", inst.Input)
	}
}

func TestCustomStatus(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	h.RegisterWorkflow("wf", WorkflowOf(func(ctx *Context, _ any) (any, error) {
		if err := ctx.SetCustomStatus("provisioning"); err != nil {
			return nil, err
		}
		return nil, ctx.WaitForEvent("done", 0).Get(nil)
	}))

	ctx := context.Background()
	id, _ := h.Start(ctx, "wf", "", nil)
	waitForStep(t, h.journal, id, StepEvent)

	inst, err := h.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if string(inst.CustomStatus) != `"provisioning"` {
		t.Errorf("custom status = %s", inst.CustomStatus)
	}
	_ = h.RaiseEvent(ctx, id, "done", nil)
	waitDone(t, h, id)
}

func TestGetStatusUnknown(t *testing.T) {
	h := newTestHost(t, NewMemoryJournal(), nil)
	inst, err := h.GetStatus(context.Background(), "missing")
	if err != nil || inst != nil {
		t.Fatalf("GetStatus(missing) = %v, %v; want nil, nil", inst, err)
	}
}
