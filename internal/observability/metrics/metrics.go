// Package metrics exposes the dispatch pipeline's OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	dispatchAttempts metric.Int64Counter
	pollAttempts     metric.Int64Counter
	batchRuns        metric.Int64Counter
	batchDuration    metric.Float64Histogram
	breakerEvents    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "peppolsub"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "peppolsub"
	}
	meter := provider.Meter(name)

	dispatchAttempts, err := meter.Int64Counter("peppolsub_dispatch_attempts_total")
	if err != nil {
		return nil, err
	}
	pollAttempts, err := meter.Int64Counter("peppolsub_poll_attempts_total")
	if err != nil {
		return nil, err
	}
	batchRuns, err := meter.Int64Counter("peppolsub_batch_runs_total")
	if err != nil {
		return nil, err
	}
	batchDuration, err := meter.Float64Histogram("peppolsub_batch_duration_seconds")
	if err != nil {
		return nil, err
	}
	breakerEvents, err := meter.Int64Counter("peppolsub_breaker_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		dispatchAttempts: dispatchAttempts,
		pollAttempts:     pollAttempts,
		batchRuns:        batchRuns,
		batchDuration:    batchDuration,
		breakerEvents:    breakerEvents,
	}, nil
}

// RecordDispatchAttempt counts one send attempt by resulting state.
func (m *Metrics) RecordDispatchAttempt(ctx context.Context, provider, state string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("state", strings.TrimSpace(state)),
	)
	m.dispatchAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPollAttempt counts one status poll by classification category.
func (m *Metrics) RecordPollAttempt(ctx context.Context, provider, category string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("category", strings.TrimSpace(category)),
	)
	m.pollAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBatchRun records one batch execution and its duration.
func (m *Metrics) RecordBatchRun(ctx context.Context, batch, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("batch", strings.TrimSpace(batch)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.batchRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.batchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBreakerEvent counts circuit state changes and rejections.
func (m *Metrics) RecordBreakerEvent(ctx context.Context, provider, event string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event", strings.TrimSpace(event)),
	)
	m.breakerEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider": {},
	"state":    {},
	"category": {},
	"batch":    {},
	"outcome":  {},
	"event":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
