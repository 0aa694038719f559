package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Orbit metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	requestsTotal      *prometheus.CounterVec
	sandboxTotal       *prometheus.CounterVec
	fetchCallsTotal    *prometheus.CounterVec
	cacheLookupsTotal  *prometheus.CounterVec
	invalidationsTotal *prometheus.CounterVec
	buildEventsTotal   *prometheus.CounterVec
	accessLogDropped   prometheus.Counter
	accessLogWritten   *prometheus.CounterVec

	// Histograms
	requestDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	sandboxDuration *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	activeRequests prometheus.Gauge
	accessLogQueue prometheus.Gauge
}

// Default histogram buckets for request duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var (
	promMetrics *PrometheusMetrics
	startTime   = time.Now()
)

// StartTime returns when the process started collecting metrics.
func StartTime() time.Time {
	return startTime
}

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	// Register default Go and process collectors
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total number of dispatched gateway requests",
			},
			[]string{"target", "outcome", "code"},
		),

		sandboxTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_invocations_total",
				Help:      "Sandbox invocations by terminal state",
			},
			[]string{"state", "fault"},
		),

		fetchCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_fetch_calls_total",
				Help:      "Outbound fetch calls issued or refused by the sandbox",
			},
			[]string{"result"},
		),

		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),

		invalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidations_total",
				Help:      "Configuration invalidation messages applied",
			},
			[]string{"kind"},
		),

		buildEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_events_total",
				Help:      "Build status events consumed",
			},
			[]string{"status", "result"},
		),

		accessLogDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_log_dropped_total",
				Help:      "Access log entries dropped because the queue was full",
			},
		),

		accessLogWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_log_entries_total",
				Help:      "Access log entries flushed to the sink",
			},
			[]string{"result"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_ms",
				Help:      "Gateway request duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"target", "outcome"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_ms",
				Help:      "Pipeline stage duration in milliseconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
			},
			[]string{"stage"},
		),

		sandboxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_duration_ms",
				Help:      "Sandbox invocation duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of requests currently in the pipeline",
			},
		),

		accessLogQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "access_log_queue_depth",
				Help:      "Access log entries waiting to be flushed",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the gateway started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsTotal,
		pm.sandboxTotal,
		pm.fetchCallsTotal,
		pm.cacheLookupsTotal,
		pm.invalidationsTotal,
		pm.buildEventsTotal,
		pm.accessLogDropped,
		pm.accessLogWritten,
		pm.requestDuration,
		pm.stageDuration,
		pm.sandboxDuration,
		pm.uptime,
		pm.activeRequests,
		pm.accessLogQueue,
	)

	promMetrics = pm
}

// RecordRequest records a completed gateway request
func RecordRequest(target, outcome string, status int, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsTotal.WithLabelValues(target, outcome, strconv.Itoa(status)).Inc()
	promMetrics.requestDuration.WithLabelValues(target, outcome).Observe(durationMs)
}

// RecordStage records how long a pipeline stage ran
func RecordStage(stage string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.stageDuration.WithLabelValues(stage).Observe(durationMs)
}

// RecordSandbox records a sandbox invocation's terminal state
func RecordSandbox(state, fault string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.sandboxTotal.WithLabelValues(state, fault).Inc()
	promMetrics.sandboxDuration.WithLabelValues(state).Observe(durationMs)
}

// RecordFetchCall records an outbound fetch attempt: ok, limited, blocked or failed
func RecordFetchCall(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.fetchCallsTotal.WithLabelValues(result).Inc()
}

// RecordCacheLookup records a hit or miss for the named cache
func RecordCacheLookup(cache string, hit bool) {
	if promMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	promMetrics.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordInvalidation records an applied invalidation message
func RecordInvalidation(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.invalidationsTotal.WithLabelValues(kind).Inc()
}

// RecordBuildEvent records a consumed build status event
func RecordBuildEvent(status, result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.buildEventsTotal.WithLabelValues(status, result).Inc()
}

// RecordAccessLogDropped counts an access log entry evicted from a full queue
func RecordAccessLogDropped() {
	if promMetrics == nil {
		return
	}
	promMetrics.accessLogDropped.Inc()
}

// RecordAccessLogFlush counts entries handed to the sink
func RecordAccessLogFlush(count int, failed bool) {
	if promMetrics == nil {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	promMetrics.accessLogWritten.WithLabelValues(result).Add(float64(count))
}

// SetAccessLogQueueDepth sets the number of buffered access log entries
func SetAccessLogQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.accessLogQueue.Set(float64(depth))
}

// IncActiveRequests increments the active requests gauge
func IncActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Inc()
}

// DecActiveRequests decrements the active requests gauge
func DecActiveRequests() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.Dec()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
