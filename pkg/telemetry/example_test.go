package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ankisho/TeamCloud/pkg/telemetry"
)

func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "teamcloud"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("orchestrator started")

	fmt.Println("telemetry ready")
	// Output: telemetry ready
}

func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordCommandSubmitted("create")
	tel.Metrics.RecordProviderCall("azure", "ok", 15*time.Millisecond)
	tel.Metrics.RecordCallback("accepted")
	tel.Metrics.RecordCommandCompleted("create", "completed", 120*time.Millisecond)
	tel.Metrics.RecordError("provider_failure", "PROVIDER_FAILED")

	fmt.Println("metrics recorded")
	// Output: metrics recorded
}

func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.CommandID)
	}, telemetry.FilterByCommandID("cmd-1"))

	_ = tel.Events.PublishCommandSubmitted("cmd-1", "create", "proj-1", "alice")
	_ = tel.Events.PublishCommandSubmitted("cmd-2", "create", "proj-1", "alice")
	_ = tel.Events.PublishCommandCompleted("cmd-1", "proj-1", "failed", 2)
	// Output:
	// command.submitted cmd-1
	// command.failed cmd-1
}

func Example_providerInstrumentation() {
	tel, _ := telemetry.NewTelemetry(telemetry.ForEnvironment(telemetry.EnvDevelopment))
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithCommandContext(ctx, "cmd-1", "update", "proj-1", "alice")

	err := telemetry.RecordProviderOperation(ctx, "github", "cmd-1", func(ctx context.Context) error {
		return errors.New("provider unavailable")
	})
	telemetry.EndCommandContext(ctx, err)

	fmt.Println(err)
	// Output: provider unavailable
}

func Example_instrumentedOperation() {
	tel, _ := telemetry.NewTelemetry(telemetry.ForEnvironment(telemetry.EnvDevelopment))
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "merge_outputs",
		attribute.String("project.id", "proj-1"),
	)
	ic.Logger.Debug("merging provider outputs")
	ic.End(nil)

	fmt.Println("operation complete")
	// Output: operation complete
}

func Example_productionConfiguration() {
	cfg := telemetry.ForEnvironment(telemetry.EnvProduction)
	cfg.ServiceVersion = "1.2.3"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Metrics.ListenAddress = ":9090"

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("production configuration validated")
	// Output: production configuration validated
}
