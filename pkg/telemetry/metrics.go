package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for PlanForge.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Device metrics
	deviceResults  *prometheus.CounterVec
	deviceDuration *prometheus.HistogramVec
	deviceRetries  prometheus.Counter
	rollbacks      prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeJobs prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of jobs started",
			},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs completed",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		deviceResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_results_total",
				Help:      "Total number of per-device results by outcome",
			},
			[]string{"outcome"},
		),
		deviceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_duration_seconds",
				Help:      "Duration of per-device processing in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		deviceRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_retries_total",
				Help:      "Total number of device call retries",
			},
		),
		rollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of device rollbacks performed",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of running jobs",
			},
		),
	}

	registry.MustRegister(
		m.jobsStarted,
		m.jobsCompleted,
		m.jobDuration,
		m.deviceResults,
		m.deviceDuration,
		m.deviceRetries,
		m.rollbacks,
		m.errorsByClass,
		m.errorsByCode,
		m.activeJobs,
	)

	return m, nil
}

// Job Metrics

// RecordJobStarted increments the counter for started jobs.
func (m *Metrics) RecordJobStarted() {
	if m.jobsStarted == nil {
		return
	}
	m.jobsStarted.Inc()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a completed job with its status and duration.
func (m *Metrics) RecordJobCompleted(status string, duration time.Duration) {
	if m.jobsCompleted == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// Device Metrics

// RecordDeviceResult records the outcome of one device within a job.
func (m *Metrics) RecordDeviceResult(outcome string, duration time.Duration, retries int) {
	if m.deviceResults == nil {
		return
	}
	m.deviceResults.WithLabelValues(outcome).Inc()
	m.deviceDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if retries > 0 {
		m.deviceRetries.Add(float64(retries))
	}
}

// RecordRollback records a device rollback.
func (m *Metrics) RecordRollback() {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
