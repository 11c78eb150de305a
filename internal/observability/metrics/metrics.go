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
	energyMutations  metric.Int64Counter
	energyUnits      metric.Int64Counter
	energyDenied     metric.Int64Counter
	rateLimitChecks  metric.Int64Counter
	rateLimitErrors  metric.Int64Counter
	cacheFallbacks   metric.Int64Counter
	eventsDropped    metric.Int64Counter
	mutationDuration metric.Float64Histogram
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
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
		name = "energyguard"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.energyMutations, err = meter.Int64Counter("energyguard_energy_mutations_total"); err != nil {
		return nil, err
	}
	if m.energyUnits, err = meter.Int64Counter("energyguard_energy_units_total"); err != nil {
		return nil, err
	}
	if m.energyDenied, err = meter.Int64Counter("energyguard_energy_denied_total"); err != nil {
		return nil, err
	}
	if m.rateLimitChecks, err = meter.Int64Counter("energyguard_rate_limit_checks_total"); err != nil {
		return nil, err
	}
	if m.rateLimitErrors, err = meter.Int64Counter("energyguard_rate_limit_backend_errors_total"); err != nil {
		return nil, err
	}
	if m.cacheFallbacks, err = meter.Int64Counter("energyguard_cache_fallback_uses_total"); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter("energyguard_events_dropped_total"); err != nil {
		return nil, err
	}
	if m.mutationDuration, err = meter.Float64Histogram(
		"energyguard_energy_mutation_duration_ms",
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordEnergyMutation counts a committed ledger mutation and the units it moved.
func (m *Metrics) RecordEnergyMutation(ctx context.Context, kind, action string, units int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("action", strings.TrimSpace(action)),
	)
	m.energyMutations.Add(ctx, 1, metric.WithAttributes(attrs...))
	if units < 0 {
		units = -units
	}
	m.energyUnits.Add(ctx, units, metric.WithAttributes(attrs...))
	m.mutationDuration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
}

// RecordEnergyDenied counts consumes rejected for insufficient balance.
func (m *Metrics) RecordEnergyDenied(ctx context.Context, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action", strings.TrimSpace(action)))
	m.energyDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitCheck counts a limiter decision per scope and result.
func (m *Metrics) RecordRateLimitCheck(ctx context.Context, scope, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("scope", strings.TrimSpace(scope)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.rateLimitChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitBackendError counts fail-open decisions.
func (m *Metrics) RecordRateLimitBackendError(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("scope", strings.TrimSpace(scope)))
	m.rateLimitErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheFallback counts reads or writes served by the in-process cache.
func (m *Metrics) RecordCacheFallback(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.cacheFallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventDropped counts best-effort events that could not be written.
func (m *Metrics) RecordEventDropped(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"kind":        {},
	"action":      {},
	"scope":       {},
	"result":      {},
	"operation":   {},
	"event_type":  {},
	"endpoint":    {},
	"status_code": {},
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
