package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for metrics collection.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string
}

// DefaultMetricsConfig returns a configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "mcpcheck",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps the check-run instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	suiteDuration     metric.Float64Histogram
	caseCounter       metric.Int64Counter
	transportMessages metric.Int64Counter
	transportBytes    metric.Int64Counter
	chaosInjections   metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	m.meterProvider = provider
	m.meter = provider.Meter("mcpcheck")
	m.shutdown = provider.Shutdown

	if err := m.createInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

func newMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type %q", cfg.ExporterType)
	}
}

func (m *Metrics) createInstruments() error {
	var err error
	if m.suiteDuration, err = m.meter.Float64Histogram(
		"mcpcheck.suite.duration",
		metric.WithDescription("Suite execution duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}
	if m.caseCounter, err = m.meter.Int64Counter(
		"mcpcheck.cases",
		metric.WithDescription("Test cases by status"),
	); err != nil {
		return err
	}
	if m.transportMessages, err = m.meter.Int64Counter(
		"mcpcheck.transport.messages",
		metric.WithDescription("Messages by direction"),
	); err != nil {
		return err
	}
	if m.transportBytes, err = m.meter.Int64Counter(
		"mcpcheck.transport.bytes",
		metric.WithDescription("Encoded bytes on the carrier"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}
	if m.chaosInjections, err = m.meter.Int64Counter(
		"mcpcheck.chaos.injections",
		metric.WithDescription("Chaos perturbations applied, by plugin"),
	); err != nil {
		return err
	}
	return nil
}

// RecordSuite records one suite outcome.
func (m *Metrics) RecordSuite(ctx context.Context, name, status string, durationMs float64) {
	if m.suiteDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("suite", name),
		attribute.String("status", status),
	)
	m.suiteDuration.Record(ctx, durationMs, attrs)
}

// RecordCase counts one case outcome.
func (m *Metrics) RecordCase(ctx context.Context, suite, status string) {
	if m.caseCounter == nil {
		return
	}
	m.caseCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("suite", suite),
		attribute.String("status", status),
	))
}

// RecordTransport folds a transport stats snapshot into the counters.
func (m *Metrics) RecordTransport(ctx context.Context, sent, received, bytes int64) {
	if m.transportMessages == nil {
		return
	}
	m.transportMessages.Add(ctx, sent, metric.WithAttributes(attribute.String("direction", "sent")))
	m.transportMessages.Add(ctx, received, metric.WithAttributes(attribute.String("direction", "received")))
	m.transportBytes.Add(ctx, bytes)
}

// RecordChaosInjection counts one perturbation.
func (m *Metrics) RecordChaosInjection(ctx context.Context, plugin string) {
	if m.chaosInjections == nil {
		return
	}
	m.chaosInjections.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin", plugin)))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown == nil {
		return nil
	}
	err := m.shutdown(ctx)
	m.shutdown = nil
	return err
}

// SetGlobalMetrics installs the singleton metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the singleton, or a disabled instance when
// unset.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	if globalMetrics != nil {
		return globalMetrics
	}
	m, _ := NewMetrics(context.Background(), nil)
	return m
}
