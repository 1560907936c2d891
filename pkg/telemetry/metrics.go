package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	commandsSubmitted *prometheus.CounterVec
	commandsCompleted *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec

	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	instanceDuration  *prometheus.HistogramVec
	activeInstances   prometheus.Gauge

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	callbacks *prometheus.CounterVec

	lockWait prometheus.Histogram

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
}

// NewMetrics registers the service metrics on a private registry. With
// metrics disabled every Record method is a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		commandsSubmitted: counter("commands_submitted_total", "Commands accepted for orchestration.", "action"),
		commandsCompleted: counter("commands_completed_total", "Commands that reached a terminal status.", "action", "status"),
		commandDuration:   histogram("command_duration_seconds", "Duration of command orchestrations.", "action", "status"),

		instancesStarted:  counter("workflow_instances_started_total", "Workflow instance executions started, resumes included.", "workflow"),
		instancesFinished: counter("workflow_instances_finished_total", "Workflow instance executions finished.", "workflow", "status"),
		instanceDuration:  histogram("workflow_instance_duration_seconds", "Duration of workflow instance executions.", "workflow"),
		activeInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "workflow_instances_active",
			Help:      "Workflow instances executing on this node.",
		}),

		providerCalls:    counter("provider_calls_total", "Commands sent to providers.", "provider", "outcome"),
		providerDuration: histogram("provider_call_duration_seconds", "Duration of provider requests.", "provider"),
		callbacks:        counter("callbacks_total", "Provider callbacks received.", "outcome"),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for document locks.",
			Buckets:   buckets,
		}),

		errorsByClass: counter("errors_by_class_total", "Errors by class.", "class"),
		errorsByCode:  counter("errors_by_code_total", "Errors by code.", "code"),
	}

	m.registry.MustRegister(
		m.commandsSubmitted, m.commandsCompleted, m.commandDuration,
		m.instancesStarted, m.instancesFinished, m.instanceDuration, m.activeInstances,
		m.providerCalls, m.providerDuration, m.callbacks, m.lockWait,
		m.errorsByClass, m.errorsByCode,
	)
	return m, nil
}

// RecordCommandSubmitted counts an accepted command.
func (m *Metrics) RecordCommandSubmitted(action string) {
	if m == nil || m.commandsSubmitted == nil {
		return
	}
	m.commandsSubmitted.WithLabelValues(action).Inc()
}

// RecordCommandCompleted records a command orchestration that reached a terminal status.
func (m *Metrics) RecordCommandCompleted(action, status string, duration time.Duration) {
	if m == nil || m.commandsCompleted == nil {
		return
	}
	m.commandsCompleted.WithLabelValues(action, status).Inc()
	m.commandDuration.WithLabelValues(action, status).Observe(duration.Seconds())
}

// RecordInstanceStarted records an instance execution starting on this node.
func (m *Metrics) RecordInstanceStarted(workflow string) {
	if m == nil || m.instancesStarted == nil {
		return
	}
	m.instancesStarted.WithLabelValues(workflow).Inc()
	m.activeInstances.Inc()
}

// RecordInstanceFinished records an instance execution ending on this node.
func (m *Metrics) RecordInstanceFinished(workflow, status string, duration time.Duration) {
	if m == nil || m.instancesFinished == nil {
		return
	}
	m.instancesFinished.WithLabelValues(workflow, status).Inc()
	m.instanceDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	m.activeInstances.Dec()
}

// RecordProviderCall records a request sent to a provider.
func (m *Metrics) RecordProviderCall(provider, outcome string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, outcome).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordCallback records a provider callback by its outcome.
func (m *Metrics) RecordCallback(outcome string) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

// RecordLockWait records the time spent acquiring document locks.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer serves metrics on a dedicated listener. The returned
// server is nil when metrics are disabled. errs receives the listener error,
// if any.
func (m *Metrics) StartMetricsServer(errs chan<- error) *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errs != nil {
			errs <- err
		}
	}()

	return server
}
