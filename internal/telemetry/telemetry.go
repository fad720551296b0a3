package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Gateway metrics
	upstreamCallsTotal       metric.Int64Counter
	upstreamRetriesTotal     metric.Int64Counter
	credentialRefreshesTotal metric.Int64Counter
	tokensIssuedTotal        metric.Int64Counter
	filesProxiedTotal        metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("path", path),
				attribute.String("status", status),
			),
		)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordUpstreamCall records an upstream API call by operation and status
// class. Operation names are a bounded set; never pass file ids or URLs.
func (t *Telemetry) RecordUpstreamCall(operation, status string) {
	if t != nil && t.upstreamCallsTotal != nil {
		t.upstreamCallsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
}

// RecordUpstreamRetry records a 401-triggered dispatch retry.
func (t *Telemetry) RecordUpstreamRetry() {
	if t != nil && t.upstreamRetriesTotal != nil {
		t.upstreamRetriesTotal.Add(context.Background(), 1)
	}
}

// RecordCredentialRefresh records a credential refresh. Kind is "soft" or
// "hard".
func (t *Telemetry) RecordCredentialRefresh(kind, status string) {
	if t != nil && t.credentialRefreshesTotal != nil {
		t.credentialRefreshesTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("status", status),
			),
		)
	}
}

// RecordTokenIssued records an issued capability token.
func (t *Telemetry) RecordTokenIssued() {
	if t != nil && t.tokensIssuedTotal != nil {
		t.tokensIssuedTotal.Add(context.Background(), 1)
	}
}

// RecordFileProxied records a file download proxied to a caller.
func (t *Telemetry) RecordFileProxied(status string) {
	if t != nil && t.filesProxiedTotal != nil {
		t.filesProxiedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	t.upstreamCallsTotal, err = t.meter.Int64Counter(
		"upstream_calls_total",
		metric.WithDescription("Total number of upstream API calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create upstream_calls_total counter: %w", err)
	}

	t.upstreamRetriesTotal, err = t.meter.Int64Counter(
		"upstream_call_retries_total",
		metric.WithDescription("Total number of upstream calls retried after an authorization failure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create upstream_call_retries_total counter: %w", err)
	}

	t.credentialRefreshesTotal, err = t.meter.Int64Counter(
		"credential_refreshes_total",
		metric.WithDescription("Total number of credential refreshes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create credential_refreshes_total counter: %w", err)
	}

	t.tokensIssuedTotal, err = t.meter.Int64Counter(
		"tokens_issued_total",
		metric.WithDescription("Total number of download tokens issued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create tokens_issued_total counter: %w", err)
	}

	t.filesProxiedTotal, err = t.meter.Int64Counter(
		"files_proxied_total",
		metric.WithDescription("Total number of file downloads proxied to callers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create files_proxied_total counter: %w", err)
	}

	return nil
}
