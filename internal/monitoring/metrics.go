package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecotiles/tileserv/internal/resilience"
)

// Metrics owns the prometheus registry for the process. All collectors
// hang off one Metrics value so tests can build isolated registries.
type Metrics struct {
	registry *prometheus.Registry

	tileRequests  *prometheus.CounterVec
	tileDuration  *prometheus.HistogramVec
	backendCalls  *prometheus.CounterVec
	backendDur    prometheus.Histogram
	breakerState  prometheus.Gauge
	taskRuns      *prometheus.CounterVec
	cacheL1Hits   prometheus.Gauge
	cacheL1Misses prometheus.Gauge
	cacheL2Keys   prometheus.Gauge
	cacheL2Memory prometheus.Gauge
	tileErrors    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.tileRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileserv",
		Name:      "tile_requests_total",
		Help:      "Tile requests by layer and cache outcome.",
	}, []string{"layer", "status"})

	m.tileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tileserv",
		Name:      "tile_request_duration_seconds",
		Help:      "Tile request latency by cache outcome.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"status"})

	m.backendCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileserv",
		Name:      "backend_calls_total",
		Help:      "Imagery backend calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	m.backendDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tileserv",
		Name:      "backend_call_duration_seconds",
		Help:      "Imagery backend call latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	m.breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tileserv",
		Name:      "backend_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})

	m.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tileserv",
		Name:      "task_runs_total",
		Help:      "Background task runs by task name and outcome.",
	}, []string{"task", "outcome"})

	m.cacheL1Hits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tileserv", Subsystem: "cache",
		Name: "l1_hits_total", Help: "In-process tier hits since start.",
	})
	m.cacheL1Misses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tileserv", Subsystem: "cache",
		Name: "l1_misses_total", Help: "In-process tier misses since start.",
	})
	m.cacheL2Keys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tileserv", Subsystem: "cache",
		Name: "l2_keys", Help: "Keys reported by the shared tier.",
	})
	m.cacheL2Memory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tileserv", Subsystem: "cache",
		Name: "l2_used_memory_bytes", Help: "Memory reported by the shared tier.",
	})
	m.tileErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tileserv",
		Name:      "unresolved_tile_errors",
		Help:      "Unresolved tile errors within the lookback window.",
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tileRequests, m.tileDuration,
		m.backendCalls, m.backendDur, m.breakerState,
		m.taskRuns,
		m.cacheL1Hits, m.cacheL1Misses,
		m.cacheL2Keys, m.cacheL2Memory,
		m.tileErrors,
	)
	return m
}

// ObserveTileRequest records one served tile. Status is the X-Cache
// value sent to the client (HIT, MISS, or ERROR).
func (m *Metrics) ObserveTileRequest(layer, status string, elapsed time.Duration) {
	m.tileRequests.WithLabelValues(layer, status).Inc()
	m.tileDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveBackendCall(operation string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.backendCalls.WithLabelValues(operation, outcome).Inc()
	m.backendDur.Observe(elapsed.Seconds())
}

func (m *Metrics) SetBreakerState(s resilience.CircuitState) {
	var v float64
	switch s {
	case resilience.CircuitHalfOpen:
		v = 1
	case resilience.CircuitOpen:
		v = 2
	}
	m.breakerState.Set(v)
}

func (m *Metrics) ObserveTaskRun(task, outcome string) {
	m.taskRuns.WithLabelValues(task, outcome).Inc()
}

// ObserveSnapshot pushes a collected Snapshot into the gauges. Called
// from the hourly collect-metrics task rather than per scrape; the
// shared-tier INFO round trip is too heavy for scrape time.
func (m *Metrics) ObserveSnapshot(s *Snapshot) {
	m.cacheL1Hits.Set(float64(s.L1Hits))
	m.cacheL1Misses.Set(float64(s.L1Misses))
	m.cacheL2Keys.Set(float64(s.L2Keys))
	m.cacheL2Memory.Set(float64(s.L2UsedMemoryBytes))
	m.tileErrors.Set(float64(s.TileErrors))
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and for wiring
// additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
