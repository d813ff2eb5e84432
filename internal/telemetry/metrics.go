package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Instruments holds the counters/histograms shared across the runner loop
// and dependency engine.
type Instruments struct {
	TaskDuration    metric.Float64Histogram
	TaskRetries     metric.Int64Counter
	TaskFailures    metric.Int64Counter
	QueuePuts       metric.Int64Counter
	QueueCycles     metric.Int64Counter
	LockContentions metric.Int64Counter
	BubbleUps       metric.Int64Counter
	BubbleDowns     metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push). Returns a
// shutdown function and the shared instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, inst Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Instruments {
	meter := otel.Meter("stolos")
	taskDuration, _ := meter.Float64Histogram("stolos_task_duration_ms")
	taskRetries, _ := meter.Int64Counter("stolos_task_retries_total")
	taskFailures, _ := meter.Int64Counter("stolos_task_failures_total")
	queuePuts, _ := meter.Int64Counter("stolos_queue_puts_total")
	queueCycles, _ := meter.Int64Counter("stolos_queue_cycles_total")
	lockContentions, _ := meter.Int64Counter("stolos_lock_contentions_total")
	bubbleUps, _ := meter.Int64Counter("stolos_bubble_ups_total")
	bubbleDowns, _ := meter.Int64Counter("stolos_bubble_downs_total")
	return Instruments{
		TaskDuration:    taskDuration,
		TaskRetries:     taskRetries,
		TaskFailures:    taskFailures,
		QueuePuts:       queuePuts,
		QueueCycles:     queueCycles,
		LockContentions: lockContentions,
		BubbleUps:       bubbleUps,
		BubbleDowns:     bubbleDowns,
	}
}
