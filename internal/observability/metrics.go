package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"forge/internal/logging"
)

// MetricsCollector manages pool instrumentation and exposes it for
// Prometheus scraping. A zero-value collector (metrics disabled) is safe to
// call: every record method no-ops when its instrument is nil.
type MetricsCollector struct {
	meter metric.Meter

	// Admission metrics
	admissionsGranted  metric.Int64Counter
	admissionsRejected metric.Int64Counter

	// Session lifecycle metrics
	sessionsActive metric.Int64UpDownCounter
	evictions      metric.Int64Counter
	spawnFailures  metric.Int64Counter

	// Proxy metrics
	proxyRequests metric.Int64Counter
	proxyLatency  metric.Float64Histogram

	prometheusServer *http.Server
	logger           logging.Logger
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
}

// NewMetricsCollector creates a collector. When disabled it returns an inert
// instance so callers never branch on whether metrics are configured.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("forge")

	admissionsGranted, err := meter.Int64Counter(
		"forge.pool.admissions.granted.total",
		metric.WithDescription("Session creations admitted by the pool"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create admissions_granted counter: %w", err)
	}

	admissionsRejected, err := meter.Int64Counter(
		"forge.pool.admissions.rejected.total",
		metric.WithDescription("Session creations rejected for capacity"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create admissions_rejected counter: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"forge.pool.sessions.active",
		metric.WithDescription("Sessions currently consuming a pool slot"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions_active gauge: %w", err)
	}

	evictions, err := meter.Int64Counter(
		"forge.pool.evictions.total",
		metric.WithDescription("Sessions removed by the idle eviction sweep"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evictions counter: %w", err)
	}

	spawnFailures, err := meter.Int64Counter(
		"forge.pool.spawn.failures.total",
		metric.WithDescription("Executor processes that failed to start or initialize"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create spawn_failures counter: %w", err)
	}

	proxyRequests, err := meter.Int64Counter(
		"forge.proxy.requests.total",
		metric.WithDescription("Job requests proxied to executors"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create proxy_requests counter: %w", err)
	}

	proxyLatency, err := meter.Float64Histogram(
		"forge.proxy.latency",
		metric.WithDescription("End-to-end latency of proxied job requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create proxy_latency histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:              meter,
		admissionsGranted:  admissionsGranted,
		admissionsRejected: admissionsRejected,
		sessionsActive:     sessionsActive,
		evictions:          evictions,
		spawnFailures:      spawnFailures,
		proxyRequests:      proxyRequests,
		proxyLatency:       proxyLatency,
		logger:             logger,
	}

	if config.ListenAddr != "" {
		if err := collector.startPrometheusServer(config.ListenAddr); err != nil {
			return nil, fmt.Errorf("start prometheus server: %w", err)
		}
	}

	return collector, nil
}

func (m *MetricsCollector) startPrometheusServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		m.logger.Info("Prometheus metrics server listening on %s", addr)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the scrape endpoint.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// AdmissionGranted counts a session creation that was admitted.
func (m *MetricsCollector) AdmissionGranted() {
	if m.admissionsGranted == nil {
		return
	}
	m.admissionsGranted.Add(context.Background(), 1)
}

// AdmissionRejected counts a session creation turned away for capacity.
func (m *MetricsCollector) AdmissionRejected() {
	if m.admissionsRejected == nil {
		return
	}
	m.admissionsRejected.Add(context.Background(), 1)
}

// SpawnFailure counts an executor that failed to start or initialize.
func (m *MetricsCollector) SpawnFailure() {
	if m.spawnFailures == nil {
		return
	}
	m.spawnFailures.Add(context.Background(), 1)
}

// SessionStarted increments the live-session gauge.
func (m *MetricsCollector) SessionStarted() {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), 1)
}

// SessionEnded decrements the live-session gauge.
func (m *MetricsCollector) SessionEnded() {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), -1)
}

// SessionEvicted counts an idle-sweep removal.
func (m *MetricsCollector) SessionEvicted() {
	if m.evictions == nil {
		return
	}
	m.evictions.Add(context.Background(), 1)
}

// RecordProxyRequest records one proxied job request with its outcome.
func (m *MetricsCollector) RecordProxyRequest(ctx context.Context, method string, status int, latency time.Duration) {
	if m.proxyRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.Int("status", status),
	}

	m.proxyRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.proxyLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}
