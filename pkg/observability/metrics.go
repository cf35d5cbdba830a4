package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Patch engine metrics
	PatchRequestsTotal     *prometheus.CounterVec
	PatchDuration          *prometheus.HistogramVec
	PatchMutationsExecuted prometheus.Counter
	StaleEntitiesTotal     *prometheus.CounterVec
	ValidationErrorsTotal  *prometheus.CounterVec

	// Access maintainer metrics
	AccessRecomputeTotal    *prometheus.CounterVec
	AccessRecomputeDuration prometheus.Histogram
	AccessDiffSize          prometheus.Histogram

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openshelf_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openshelf_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PatchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openshelf_patch_requests_total",
				Help: "Total number of patch submissions by outcome",
			},
			[]string{"outcome"},
		),
		PatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openshelf_patch_duration_seconds",
				Help:    "Patch processing duration in seconds by phase",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		PatchMutationsExecuted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "openshelf_patch_mutations_executed_total",
				Help: "Total number of staged mutations executed",
			},
		),
		StaleEntitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openshelf_stale_entities_total",
				Help: "Total number of submitted entities skipped as stale",
			},
			[]string{"family"},
		),
		ValidationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openshelf_validation_errors_total",
				Help: "Total number of rejected patch submissions",
			},
			[]string{"family"},
		),

		AccessRecomputeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openshelf_access_recompute_total",
				Help: "Total number of access recomputation runs",
			},
			[]string{"trigger", "status"},
		),
		AccessRecomputeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "openshelf_access_recompute_duration_seconds",
				Help:    "Access recomputation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		AccessDiffSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "openshelf_access_diff_size",
				Help:    "Number of changes produced by an access recomputation",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openshelf_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openshelf_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "openshelf_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "openshelf_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PatchRequestsTotal,
		m.PatchDuration,
		m.PatchMutationsExecuted,
		m.StaleEntitiesTotal,
		m.ValidationErrorsTotal,
		m.AccessRecomputeTotal,
		m.AccessRecomputeDuration,
		m.AccessDiffSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
