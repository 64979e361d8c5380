// Package telemetry exposes Prometheus metrics for the HTTP server, the
// database pool, background jobs and the medication domain.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	Namespace      string
	ServiceVersion string
	Environment    string
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool
}

func (c *TelemetryConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "medtrack"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// TelemetryProvider owns a private registry so tests and multiple servers in
// one process never collide on the global one.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	medication *MedicationRecorder
}

// NewTelemetryProvider creates and registers every collector.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "http", Name: "requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "jobs", Name: "runs_total",
			Help: "Background job runs by job name and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "jobs", Name: "run_duration_seconds",
			Help:    "Background job run time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
	}
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "build_info",
		Help:        "Build and environment of the running server.",
		ConstLabels: prometheus.Labels{"version": cfg.ServiceVersion, "environment": cfg.Environment},
	})
	build.Set(1)

	reg.MustRegister(tp.requests, tp.duration, tp.inflight, tp.jobRuns, tp.jobDuration, build)
	if cfg.RuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	tp.medication = newMedicationRecorder(reg, ns)
	return tp
}

// Registry exposes the provider's registry for additional collectors.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// Medication returns the recorder the medication service reports to.
func (tp *TelemetryProvider) Medication() *MedicationRecorder {
	return tp.medication
}

// ---------------------------------------------------------------------------
// Database pool
// ---------------------------------------------------------------------------

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32
}

// ObservePool registers gauges that read the pool through stat at scrape
// time.
func (tp *TelemetryProvider) ObservePool(stat func() PoolStats) {
	gauge := func(name, help string, pick func(PoolStats) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: tp.cfg.Namespace, Subsystem: "db_pool", Name: name, Help: help,
		}, func() float64 { return float64(pick(stat())) })
	}
	tp.registry.MustRegister(
		gauge("acquired_connections", "Connections currently checked out.", func(s PoolStats) int32 { return s.Acquired }),
		gauge("idle_connections", "Idle connections in the pool.", func(s PoolStats) int32 { return s.Idle }),
		gauge("total_connections", "Open connections in the pool.", func(s PoolStats) int32 { return s.Total }),
		gauge("max_connections", "Configured pool ceiling.", func(s PoolStats) int32 { return s.Max }),
	)
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// JobFinished records one run of a background job.
func (tp *TelemetryProvider) JobFinished(job string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	tp.jobRuns.WithLabelValues(job, result).Inc()
	tp.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware records request count, latency and in-flight requests,
// labelled by route pattern rather than raw path.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tp.inflight.Inc()
			start := time.Now()

			err := next(c)

			tp.inflight.Dec()
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = 500
				}
			}
			req := c.Request()
			tp.requests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
			tp.duration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{
		Registry: tp.registry,
	}))
}
