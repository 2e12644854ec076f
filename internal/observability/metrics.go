package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the golden-signal instruments for both processes:
// - Latency: relay, backend call and HTTP durations
// - Traffic: relays, signals and watcher launches
// - Errors: failures by kind
// - Saturation: relays in flight, waiters registered, watchers running
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (health and static endpoints)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Relay metrics
	RelayDuration    metric.Float64Histogram
	RelaysTotal      metric.Int64Counter
	RelayErrorsTotal metric.Int64Counter
	RelaysActive     metric.Int64UpDownCounter

	// Backend (job client) metrics
	BackendDuration    metric.Float64Histogram
	BackendErrorsTotal metric.Int64Counter

	// Signal bus metrics
	SignalsPublished    metric.Int64Counter
	SignalsReceived     metric.Int64Counter
	SignalsRequeued     metric.Int64Counter
	SignalsDeadLettered metric.Int64Counter
	WaitersActive       metric.Int64UpDownCounter

	// Watcher metrics
	WatchersActive     metric.Int64UpDownCounter
	WatcherLaunches    metric.Int64Counter
	WatcherCompletions metric.Int64Counter
	WatcherFailures    metric.Int64Counter
	WatcherReconnects  metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("imagerelay")
	m := &Metrics{meter: meter}

	histograms := []struct {
		dst     *metric.Float64Histogram
		name    string
		desc    string
		buckets []float64
	}{
		{&m.HTTPRequestDuration, "http_request_duration_seconds", "HTTP request latency in seconds",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}},
		{&m.RelayDuration, "relay_duration_seconds", "End-to-end relay latency in seconds",
			[]float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300}},
		{&m.BackendDuration, "backend_request_duration_seconds", "Backend HTTP call latency in seconds",
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(h.buckets...),
		)
		if err != nil {
			return nil, nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.HTTPErrorsTotal, "http_errors_total", "Total number of HTTP errors (4xx and 5xx)"},
		{&m.RelaysTotal, "relays_total", "Total number of relay operations started"},
		{&m.RelayErrorsTotal, "relay_errors_total", "Total number of failed relay operations by kind"},
		{&m.BackendErrorsTotal, "backend_errors_total", "Total number of failed backend calls"},
		{&m.SignalsPublished, "signals_published_total", "Total signals published per queue"},
		{&m.SignalsReceived, "signals_received_total", "Total signals consumed per queue"},
		{&m.SignalsRequeued, "signals_requeued_total", "Total completion signals requeued for another consumer"},
		{&m.SignalsDeadLettered, "signals_dead_lettered_total", "Total completion signals routed to the dead-letter queue"},
		{&m.WatcherLaunches, "watcher_launches_total", "Total watchers launched"},
		{&m.WatcherCompletions, "watcher_completions_total", "Total completions observed on the event stream"},
		{&m.WatcherFailures, "watcher_failures_total", "Total watchers that ended without a completion"},
		{&m.WatcherReconnects, "watcher_reconnects_total", "Total event stream reconnect attempts"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, nil, err
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&m.RelaysActive, "relays_active", "Number of relays in flight (saturation)"},
		{&m.WaitersActive, "completion_waiters_active", "Number of registered completion waiters (saturation)"},
		{&m.WatchersActive, "watchers_active", "Number of running watchers (saturation)"},
	}
	for _, g := range gauges {
		*g.dst, err = meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, nil, err
		}
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRelayStarted records a relay entering the pipeline.
func (m *Metrics) RecordRelayStarted(ctx context.Context) {
	m.RelaysTotal.Add(ctx, 1)
	m.RelaysActive.Add(ctx, 1)
}

// RecordRelayFinished records a relay leaving the pipeline. kind is the
// failure kind and is only used when outcome is OutcomeError.
func (m *Metrics) RecordRelayFinished(ctx context.Context, outcome, kind string, durationSeconds float64) {
	m.RelaysActive.Add(ctx, -1)
	m.RelayDuration.Record(ctx, durationSeconds, metric.WithAttributes(outcomeAttr(outcome)))
	if outcome == OutcomeError {
		m.RelayErrorsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
	}
}

// RecordBackendCall records one backend HTTP call.
func (m *Metrics) RecordBackendCall(ctx context.Context, op string, success bool, durationSeconds float64) {
	m.BackendDuration.Record(ctx, durationSeconds, metric.WithAttributes(opAttr(op), successAttr(success)))
	if !success {
		m.BackendErrorsTotal.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
	}
}

// RecordSignalPublished records a signal published to a queue.
func (m *Metrics) RecordSignalPublished(ctx context.Context, queue string) {
	m.SignalsPublished.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

// RecordSignalReceived records a signal consumed from a queue.
func (m *Metrics) RecordSignalReceived(ctx context.Context, queue string) {
	m.SignalsReceived.Add(ctx, 1, metric.WithAttributes(queueAttr(queue)))
}

// RecordSignalRequeued records a completion signal handed back to the queue.
func (m *Metrics) RecordSignalRequeued(ctx context.Context) {
	m.SignalsRequeued.Add(ctx, 1)
}

// RecordSignalDeadLettered records a completion signal moved to the dead-letter queue.
func (m *Metrics) RecordSignalDeadLettered(ctx context.Context) {
	m.SignalsDeadLettered.Add(ctx, 1)
}

// RecordWaiterRegistered adjusts the number of registered waiters by delta.
func (m *Metrics) RecordWaiterRegistered(ctx context.Context, delta int64) {
	m.WaitersActive.Add(ctx, delta)
}

// RecordWatcherStarted records a watcher launch.
func (m *Metrics) RecordWatcherStarted(ctx context.Context, mode string) {
	m.WatcherLaunches.Add(ctx, 1, metric.WithAttributes(modeAttr(mode)))
	m.WatchersActive.Add(ctx, 1)
}

// RecordWatcherFinished records a watcher exiting, with the failure kind when
// no completion was observed.
func (m *Metrics) RecordWatcherFinished(ctx context.Context, completed bool, kind string) {
	m.WatchersActive.Add(ctx, -1)
	if completed {
		m.WatcherCompletions.Add(ctx, 1)
		return
	}
	m.WatcherFailures.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordWatcherReconnect records an event stream reconnect attempt.
func (m *Metrics) RecordWatcherReconnect(ctx context.Context) {
	m.WatcherReconnects.Add(ctx, 1)
}
