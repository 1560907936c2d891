package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Future is the pending result of a call made through a Context.
type Future interface {
	// Get blocks until the result is available and decodes it into out,
	// which may be nil. A recorded result is decoded even when an error is
	// returned alongside it. Get is the point at which cancellation of the
	// instance takes effect.
	Get(out any) error

	// Ready reports whether Get would return without blocking.
	Ready() bool
}

type future struct {
	wctx *Context

	// detached futures wait for their result even after an interruption.
	detached bool

	once  sync.Once
	done  chan struct{}
	value json.RawMessage
	err   error
}

func newFuture(wctx *Context) *future {
	return &future{wctx: wctx, done: make(chan struct{})}
}

func (f *future) resolve(value json.RawMessage, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

func (f *future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *future) Get(out any) error {
	if f.detached {
		<-f.done
	} else {
		if err := f.wctx.interrupted(); err != nil {
			return err
		}
		select {
		case <-f.done:
		case <-f.wctx.ctx.Done():
			return f.wctx.interrupted()
		}
	}

	if out != nil && len(f.value) > 0 {
		if err := json.Unmarshal(f.value, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return f.err
}

// resolveFromStep settles f with a recorded step.
func (f *future) resolveFromStep(step *Step) {
	if step.Error == "" {
		f.resolve(step.Output, nil)
		return
	}

	var err error
	switch step.Kind {
	case StepActivity:
		err = &ActivityError{Activity: step.Name, Message: step.Error}
	case StepSubWorkflow:
		err = &SubWorkflowError{Workflow: step.Name, Message: step.Error}
	case StepEvent:
		if step.Error == ErrEventTimeout.Error() {
			err = ErrEventTimeout
		} else {
			err = errors.New(step.Error)
		}
	default:
		err = errors.New(step.Error)
	}
	f.resolve(step.Output, err)
}
