package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActivityFunc performs a side effect on behalf of a workflow. Its result
// is recorded once and never recomputed on replay.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// WorkflowFunc is the body of a workflow. It must be deterministic.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (any, error)

// ActivityOf adapts a typed function into an ActivityFunc.
func ActivityOf[I, O any](fn func(ctx context.Context, input I) (O, error)) ActivityFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in I
		if err := decodeInput(raw, &in); err != nil {
			return nil, fmt.Errorf("failed to decode activity input: %w", err)
		}
		return fn(ctx, in)
	}
}

// WorkflowOf adapts a typed function into a WorkflowFunc.
func WorkflowOf[I, O any](fn func(ctx *Context, input I) (O, error)) WorkflowFunc {
	return func(ctx *Context, raw json.RawMessage) (any, error) {
		var in I
		if err := decodeInput(raw, &in); err != nil {
			return nil, fmt.Errorf("failed to decode workflow input: %w", err)
		}
		return fn(ctx, in)
	}
}

func decodeInput(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// RetryPolicy controls how a failing activity is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffCoefficient float64

	// Retryable decides whether an error is worth another attempt. All
	// errors are retried when it is nil.
	Retryable func(error) bool
}

type activityOptions struct {
	retry    RetryPolicy
	timeout  time.Duration
	detached bool
}

// ActivityOption configures a single activity call.
type ActivityOption func(*activityOptions)

// WithRetry retries the activity according to p.
func WithRetry(p RetryPolicy) ActivityOption {
	return func(o *activityOptions) { o.retry = p }
}

// WithTimeout bounds every attempt of the activity.
func WithTimeout(d time.Duration) ActivityOption {
	return func(o *activityOptions) { o.timeout = d }
}

// Detached lets the activity run after the instance was canceled or
// terminated, so cleanup deferred by a workflow still happens. A call made
// while the host is stopping is interrupted as usual and replayed when the
// instance resumes.
func Detached() ActivityOption {
	return func(o *activityOptions) { o.detached = true }
}

// ActivityError is returned by Future.Get when an activity failed.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.Activity, e.Message)
}

// SubWorkflowError is returned by Future.Get when a sub-workflow did not complete.
type SubWorkflowError struct {
	Workflow string
	Message  string
}

func (e *SubWorkflowError) Error() string {
	return fmt.Sprintf("sub-workflow %s failed: %s", e.Workflow, e.Message)
}

// runActivity executes fn with the configured retry policy and returns the
// encoded result.
func (h *Host) runActivity(ctx context.Context, name string, fn ActivityFunc, input json.RawMessage, opts activityOptions) (json.RawMessage, error) {
	attempts := opts.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	interval := opts.retry.InitialInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	coefficient := opts.retry.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 2
	}

	for attempt := 1; ; attempt++ {
		out, err := h.invokeActivity(ctx, fn, input, opts.timeout)
		if err == nil {
			if out == nil {
				return nil, nil
			}
			encoded, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("failed to encode activity result: %w", err)
			}
			return encoded, nil
		}

		if attempt >= attempts || ctx.Err() != nil {
			return nil, err
		}
		if opts.retry.Retryable != nil && !opts.retry.Retryable(err) {
			return nil, err
		}

		h.logger.Warn().
			Err(err).
			Str("activity", name).
			Int("attempt", attempt).
			Dur("backoff", interval).
			Msg("Activity failed, retrying")

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		}

		interval = time.Duration(float64(interval) * coefficient)
		if opts.retry.MaxInterval > 0 && interval > opts.retry.MaxInterval {
			interval = opts.retry.MaxInterval
		}
	}
}

func (h *Host) invokeActivity(ctx context.Context, fn ActivityFunc, input json.RawMessage, timeout time.Duration) (out any, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()
	return fn(ctx, input)
}
