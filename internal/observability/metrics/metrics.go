// Package metrics captures worker health signals for the reconciliation jobs.
package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	JobReasonDeadlineExceeded = "deadline_exceeded"
	JobReasonIntegrity        = "integrity"
	JobReasonExternal         = "external"
	JobReasonUnknown          = "unknown"
)

// Config carries the static labels applied to every metric.
type Config struct {
	ServiceName string
	Environment string
}

// WorkerMetrics counts job runs, errors and timeouts and observes durations.
type WorkerMetrics struct {
	jobRuns     *prometheus.CounterVec
	jobErrors   *prometheus.CounterVec
	jobTimeouts *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	filesProcessed *prometheus.CounterVec
	recordsFailed  *prometheus.CounterVec
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// Worker returns the singleton worker metrics registry.
func Worker() *WorkerMetrics {
	return WorkerWithConfig(Config{})
}

// WorkerWithConfig returns the singleton worker metrics registry using config labels.
func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

// ResetWorkerMetricsForTest resets the worker metrics singleton for tests.
func ResetWorkerMetricsForTest() {
	workerMetricsOnce = sync.Once{}
	workerMetrics = nil
}

func newWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "payrecon"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &WorkerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrecon_job_runs_total",
			Help:        "Number of job runs started.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrecon_job_errors_total",
			Help:        "Number of job runs that finished with an error.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrecon_job_timeouts_total",
			Help:        "Number of job runs that hit their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "payrecon_job_duration_seconds",
			Help:        "Job run duration.",
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 12),
			ConstLabels: constLabels,
		}, []string{"job"}),
		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrecon_files_processed_total",
			Help:        "Number of settlement/feedback files processed by outcome.",
			ConstLabels: constLabels,
		}, []string{"kind", "outcome"}),
		recordsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "payrecon_records_failed_total",
			Help:        "Number of individual records skipped with errors.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
	}

	registerer.MustRegister(m.jobRuns, m.jobErrors, m.jobTimeouts, m.jobDuration, m.filesProcessed, m.recordsFailed)
	return m
}

func (m *WorkerMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) IncJobTimeout(job string) {
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) IncJobError(job string, err error) {
	m.jobErrors.WithLabelValues(job, classifyError(err)).Inc()
}

func (m *WorkerMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *WorkerMetrics) IncFileProcessed(kind, outcome string) {
	m.filesProcessed.WithLabelValues(kind, outcome).Inc()
}

func (m *WorkerMetrics) IncRecordFailed(kind string) {
	m.recordsFailed.WithLabelValues(kind).Inc()
}

func classifyError(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	default:
		return JobReasonUnknown
	}
}
