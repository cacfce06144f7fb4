package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	handlerDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	compileDurationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120}
	commandDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the gateway.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Handler execution metrics
	HandlerExecutionsTotal *prometheus.CounterVec
	HandlerDuration        *prometheus.HistogramVec
	HandlerTimeoutsTotal   *prometheus.CounterVec
	HandlerPanicsTotal     *prometheus.CounterVec
	HandlerInFlight        prometheus.Gauge

	// Image lifecycle metrics
	ImagesLoaded       prometheus.Gauge
	ImagesDraining     prometheus.Gauge
	ImageLoadsTotal    *prometheus.CounterVec
	ImageSwapsTotal    *prometheus.CounterVec
	ForcedUnloadsTotal prometheus.Counter

	// Compile metrics
	CompilesTotal   *prometheus.CounterVec
	CompileDuration prometheus.Histogram

	// Provider metrics
	ProvidersActive         *prometheus.GaugeVec
	ProviderTestsTotal      *prometheus.CounterVec
	ProviderResolvesTotal   *prometheus.CounterVec
	ProviderCommandsTotal   *prometheus.CounterVec
	ProviderCommandDuration *prometheus.HistogramVec
	ProviderInboxDepth      *prometheus.GaugeVec

	// Routing metrics
	RoutesIndexed        prometheus.Gauge
	RouteMissesTotal     prometheus.Counter
	DispatchRetriesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgehive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgehive_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgehive_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Handlers
		HandlerExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_handler_executions_total",
			Help: "Total number of handler executions.",
		}, []string{"endpoint_id", "status"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgehive_handler_duration_seconds",
			Help:    "Handler execution duration in seconds.",
			Buckets: handlerDurationBuckets,
		}, []string{"endpoint_id"}),
		HandlerTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_handler_timeouts_total",
			Help: "Total number of handler executions abandoned at the deadline.",
		}, []string{"endpoint_id"}),
		HandlerPanicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_handler_panics_total",
			Help: "Total number of recovered handler panics.",
		}, []string{"endpoint_id"}),
		HandlerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgehive_handler_in_flight",
			Help: "Number of handler executions currently in flight.",
		}),

		// Images
		ImagesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgehive_images_loaded",
			Help: "Number of handler images currently serving.",
		}),
		ImagesDraining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgehive_images_draining",
			Help: "Number of displaced handler images still draining.",
		}),
		ImageLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_image_loads_total",
			Help: "Total number of image load attempts.",
		}, []string{"status"}),
		ImageSwapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_image_swaps_total",
			Help: "Total number of image swaps.",
		}, []string{"outcome"}),
		ForcedUnloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgehive_forced_unloads_total",
			Help: "Total number of draining images unloaded at the drain deadline.",
		}),

		// Compiles
		CompilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_compiles_total",
			Help: "Total number of handler compile attempts.",
		}, []string{"status"}),
		CompileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgehive_compile_duration_seconds",
			Help:    "Handler compile duration in seconds.",
			Buckets: compileDurationBuckets,
		}),

		// Providers
		ProvidersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgehive_providers_active",
			Help: "Number of active provider actors by kind.",
		}, []string{"kind"}),
		ProviderTestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_provider_tests_total",
			Help: "Total number of provider connectivity tests.",
		}, []string{"kind", "status"}),
		ProviderResolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_provider_resolves_total",
			Help: "Total number of provider resolutions from handlers.",
		}, []string{"kind", "status"}),
		ProviderCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgehive_provider_commands_total",
			Help: "Total number of commands processed by provider actors.",
		}, []string{"provider", "command", "status"}),
		ProviderCommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgehive_provider_command_duration_seconds",
			Help:    "Provider command execution duration in seconds.",
			Buckets: commandDurationBuckets,
		}, []string{"provider", "command"}),
		ProviderInboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgehive_provider_inbox_depth",
			Help: "Commands queued in a provider actor's inbox.",
		}, []string{"provider"}),

		// Routing
		RoutesIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgehive_routes_indexed",
			Help: "Number of routes in the dispatch index.",
		}),
		RouteMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgehive_route_misses_total",
			Help: "Total number of gateway requests that matched no route.",
		}),
		DispatchRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgehive_dispatch_retries_total",
			Help: "Total number of dispatches retried after hitting a draining image.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Handlers
		m.HandlerExecutionsTotal,
		m.HandlerDuration,
		m.HandlerTimeoutsTotal,
		m.HandlerPanicsTotal,
		m.HandlerInFlight,
		// Images
		m.ImagesLoaded,
		m.ImagesDraining,
		m.ImageLoadsTotal,
		m.ImageSwapsTotal,
		m.ForcedUnloadsTotal,
		// Compiles
		m.CompilesTotal,
		m.CompileDuration,
		// Providers
		m.ProvidersActive,
		m.ProviderTestsTotal,
		m.ProviderResolvesTotal,
		m.ProviderCommandsTotal,
		m.ProviderCommandDuration,
		m.ProviderInboxDepth,
		// Routing
		m.RoutesIndexed,
		m.RouteMissesTotal,
		m.DispatchRetriesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordHandlerExecution records a handler execution.
func (m *Metrics) RecordHandlerExecution(endpointID, status string, duration time.Duration) {
	m.HandlerExecutionsTotal.WithLabelValues(endpointID, status).Inc()
	m.HandlerDuration.WithLabelValues(endpointID).Observe(duration.Seconds())
}

// RecordHandlerTimeout records a handler execution abandoned at its deadline.
func (m *Metrics) RecordHandlerTimeout(endpointID string) {
	m.HandlerTimeoutsTotal.WithLabelValues(endpointID).Inc()
}

// RecordHandlerPanic records a recovered handler panic.
func (m *Metrics) RecordHandlerPanic(endpointID string) {
	m.HandlerPanicsTotal.WithLabelValues(endpointID).Inc()
}

// SetImageCounts sets the loaded and draining image gauges from a registry
// snapshot.
func (m *Metrics) SetImageCounts(loaded, draining int) {
	m.ImagesLoaded.Set(float64(loaded))
	m.ImagesDraining.Set(float64(draining))
}

// RecordImageLoad records an image load attempt.
func (m *Metrics) RecordImageLoad(status string) {
	m.ImageLoadsTotal.WithLabelValues(status).Inc()
}

// RecordImageSwap records an image swap. Outcome is "clean" when the old
// image had no traffic and "draining" when it was displaced with requests
// still in flight.
func (m *Metrics) RecordImageSwap(outcome string) {
	m.ImageSwapsTotal.WithLabelValues(outcome).Inc()
}

// RecordForcedUnload records a draining image unloaded at the drain deadline.
func (m *Metrics) RecordForcedUnload() {
	m.ForcedUnloadsTotal.Inc()
}

// RecordCompile records a handler compile attempt.
func (m *Metrics) RecordCompile(status string, duration time.Duration) {
	m.CompilesTotal.WithLabelValues(status).Inc()
	m.CompileDuration.Observe(duration.Seconds())
}

// SetProvidersActive sets the active provider gauge for a kind.
func (m *Metrics) SetProvidersActive(kind string, count float64) {
	m.ProvidersActive.WithLabelValues(kind).Set(count)
}

// RecordProviderTest records a provider connectivity test.
func (m *Metrics) RecordProviderTest(kind, status string) {
	m.ProviderTestsTotal.WithLabelValues(kind, status).Inc()
}

// RecordProviderResolve records a provider resolution from a handler.
func (m *Metrics) RecordProviderResolve(kind, status string) {
	m.ProviderResolvesTotal.WithLabelValues(kind, status).Inc()
}

// RecordProviderCommand records one command processed by a provider actor.
func (m *Metrics) RecordProviderCommand(provider, command, status string, duration time.Duration) {
	m.ProviderCommandsTotal.WithLabelValues(provider, command, status).Inc()
	m.ProviderCommandDuration.WithLabelValues(provider, command).Observe(duration.Seconds())
}

// RecordProviderCommandRejected records a command that never reached the
// actor goroutine.
func (m *Metrics) RecordProviderCommandRejected(provider, command string) {
	m.ProviderCommandsTotal.WithLabelValues(provider, command, "rejected").Inc()
}

// SetProviderInboxDepth sets the queued-command gauge for one actor.
func (m *Metrics) SetProviderInboxDepth(provider string, depth float64) {
	m.ProviderInboxDepth.WithLabelValues(provider).Set(depth)
}

// SetRoutesIndexed sets the route index size gauge.
func (m *Metrics) SetRoutesIndexed(count float64) {
	m.RoutesIndexed.Set(count)
}

// RecordRouteMiss records a gateway request that matched no route.
func (m *Metrics) RecordRouteMiss() {
	m.RouteMissesTotal.Inc()
}

// RecordDispatchRetry records a dispatch retried after hitting a draining
// image.
func (m *Metrics) RecordDispatchRetry() {
	m.DispatchRetriesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
