package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// service instance.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every signal.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains the event publisher and flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// Flush exports pending spans.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the dedicated metrics listener when one is
// configured. It returns nil when metrics are served by the API only.
func (t *Telemetry) StartMetricsServer(errs chan<- error) *http.Server {
	if t.Config.Metrics.ListenAddress == "" {
		return nil
	}
	return t.Metrics.StartMetricsServer(errs)
}

// Operation is a traced unit of work with a logger carrying its trace ids.
type Operation struct {
	Ctx     context.Context
	Span    trace.Span
	Logger  *Logger
	started time.Time
}

// StartOperation opens a span named operation. Without telemetry in ctx the
// operation only carries the context logger.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, Logger: FromContext(ctx), started: time.Now()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return op
	}

	op.Ctx, op.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	op.Logger = tel.Logger.WithField("operation", operation)
	if sc := op.Span.SpanContext(); sc.IsValid() {
		op.Logger = op.Logger.WithFields(map[string]any{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	op.Ctx = op.Logger.WithContext(op.Ctx)
	return op
}

// Elapsed returns the time since the operation started.
func (op *Operation) Elapsed() time.Duration {
	return time.Since(op.started)
}

// End closes the operation span with the outcome err.
func (op *Operation) End(err error) {
	EndSpan(op.Span, err)
}

type commandSpanKey struct{}

// WithCommandContext opens the span of one command orchestration and scopes
// the context logger to it. EndCommandContext closes the span.
func WithCommandContext(ctx context.Context, commandID, action, projectID, user string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartCommandSpan(ctx, commandID, action, projectID)
	logger := tel.Logger.WithCommandID(commandID).WithProjectID(projectID).WithField("user", user)
	return context.WithValue(logger.WithContext(ctx), commandSpanKey{}, span)
}

func EndCommandContext(ctx context.Context, err error) {
	if span, ok := ctx.Value(commandSpanKey{}).(trace.Span); ok {
		EndSpan(span, err)
	}
}

// RecordProviderOperation runs fn inside a provider span and records its
// duration and outcome on the provider call metrics.
func RecordProviderOperation(ctx context.Context, providerID, commandID string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartProviderSpan(ctx, providerID, commandID)
	started := time.Now()
	err := fn(ctx)
	EndSpan(span, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	tel.Metrics.RecordProviderCall(providerID, outcome, time.Since(started))
	return err
}
