// Package telemetry provides observability instrumentation for the TeamCloud
// orchestrator.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "teamcloud"
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("dispatch")
//	logger = logger.WithCommandID(cmd.CommandID).WithProvider(provider.ID)
//	logger.Info("Sending command")
//
// The underlying zerolog.Logger is available through Logger.Zerolog for
// packages that take a zerolog.Logger directly, such as the workflow host.
//
// # Distributed Tracing
//
// Command submissions, provider requests and callbacks each get a span:
//
//	ctx = telemetry.WithCommandContext(ctx, cmd.CommandID, string(cmd.Action), cmd.ProjectID, user)
//	defer telemetry.EndCommandContext(ctx, err)
//
//	err := telemetry.RecordProviderOperation(ctx, provider.ID, cmd.CommandID, func(ctx context.Context) error {
//	    return transport.Send(ctx, provider, cmd)
//	})
//
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// All metrics are prefixed with the configured namespace:
//
//   - teamcloud_commands_submitted_total{action}
//   - teamcloud_commands_completed_total{action,status}
//   - teamcloud_command_duration_seconds{action,status}
//   - teamcloud_workflow_instances_started_total{workflow}
//   - teamcloud_workflow_instances_finished_total{workflow,status}
//   - teamcloud_workflow_instance_duration_seconds{workflow}
//   - teamcloud_workflow_instances_active
//   - teamcloud_provider_calls_total{provider,outcome}
//   - teamcloud_provider_call_duration_seconds{provider}
//   - teamcloud_callbacks_total{outcome}
//   - teamcloud_lock_wait_seconds
//   - teamcloud_errors_by_class_total{class}
//   - teamcloud_errors_by_code_total{code}
//
// Every Metrics method is safe to call on a nil receiver.
//
// # Events
//
// The EventPublisher fans lifecycle events out to in-process subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    audit.Write(e)
//	}, telemetry.FilterByType(telemetry.EventTypeCommandCompleted, telemetry.EventTypeCommandFailed))
//
// RedisSubscriber mirrors events to a Redis pub/sub channel as JSON. Async
// publishers drop events instead of blocking when their queue is full.
package telemetry
