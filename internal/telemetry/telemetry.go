package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	attemptCounter  metric.Int64Counter
	outcomeCounter  metric.Int64Counter
	attemptDuration metric.Float64Histogram
	healthyGauge    metric.Int64UpDownCounter
	coolingGauge    metric.Int64UpDownCounter
	deadGauge       metric.Int64UpDownCounter
	workerGauge     metric.Int64UpDownCounter

	mu          sync.Mutex
	lastHealthy int64
	lastCooling int64
	lastDead    int64
}

// NewNoop returns a telemetry sink that discards everything. Used when
// telemetry is disabled and as the default in tests.
func NewNoop() core.Telemetry {
	return &noopTelemetry{}
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	attemptCounter, err := meter.Int64Counter("carousel.attempts.total",
		metric.WithDescription("Total verification attempts by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	outcomeCounter, err := meter.Int64Counter("carousel.outcomes.total",
		metric.WithDescription("Terminal outcomes, one per settled candidate"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	attemptDuration, err := meter.Float64Histogram("carousel.attempt.duration",
		metric.WithDescription("Attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	healthyGauge, err := meter.Int64UpDownCounter("carousel.identities.healthy",
		metric.WithDescription("Identities currently healthy"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	coolingGauge, err := meter.Int64UpDownCounter("carousel.identities.cooling",
		metric.WithDescription("Identities in cooldown"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadGauge, err := meter.Int64UpDownCounter("carousel.identities.dead",
		metric.WithDescription("Identities marked dead"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	workerGauge, err := meter.Int64UpDownCounter("carousel.workers.active",
		metric.WithDescription("Active dispatcher workers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:          tracer,
		meter:           meter,
		tracerProvider:  tp,
		attemptCounter:  attemptCounter,
		outcomeCounter:  outcomeCounter,
		attemptDuration: attemptDuration,
		healthyGauge:    healthyGauge,
		coolingGauge:    coolingGauge,
		deadGauge:       deadGauge,
		workerGauge:     workerGauge,
	}, nil
}

func (t *telemetry) RecordAttempt(ctx context.Context, outcome types.Outcome, duration time.Duration, identityID string) {
	attrs := []attribute.KeyValue{
		attribute.String("outcome", string(outcome)),
		attribute.String("identity.id", identityID),
	}

	t.attemptCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.attemptDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
	))
}

// RecordOutcome counts one settled candidate. Attempts that retry do not
// land here; only the terminal outcome does.
func (t *telemetry) RecordOutcome(ctx context.Context, outcome types.Outcome) {
	t.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
	))
}

// RecordIdentityHealth takes absolute counts and applies the difference to
// the up/down counters, so the exported gauges track the pool directly.
func (t *telemetry) RecordIdentityHealth(ctx context.Context, healthy, coolingDown, dead int) {
	t.mu.Lock()
	dHealthy := int64(healthy) - t.lastHealthy
	dCooling := int64(coolingDown) - t.lastCooling
	dDead := int64(dead) - t.lastDead
	t.lastHealthy = int64(healthy)
	t.lastCooling = int64(coolingDown)
	t.lastDead = int64(dead)
	t.mu.Unlock()

	if dHealthy != 0 {
		t.healthyGauge.Add(ctx, dHealthy)
	}
	if dCooling != 0 {
		t.coolingGauge.Add(ctx, dCooling)
	}
	if dDead != 0 {
		t.deadGauge.Add(ctx, dDead)
	}
}

func (t *telemetry) RecordWorkers(ctx context.Context, delta int) {
	if delta != 0 {
		t.workerGauge.Add(ctx, int64(delta))
	}
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordAttempt(ctx context.Context, outcome types.Outcome, duration time.Duration, identityID string) {
}
func (n *noopTelemetry) RecordOutcome(ctx context.Context, outcome types.Outcome)                 {}
func (n *noopTelemetry) RecordIdentityHealth(ctx context.Context, healthy, coolingDown, dead int) {}
func (n *noopTelemetry) RecordWorkers(ctx context.Context, delta int)                             {}
func (n *noopTelemetry) Close() error                                                             { return nil }
