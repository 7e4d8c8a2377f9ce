package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codegrader"

// Job outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Metrics groups the pipeline collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	sandboxCalls   *prometheus.CounterVec
	pollAttempts   prometheus.Histogram
	statusWrites   *prometheus.CounterVec
	persistRetries prometheus.Counter
}

// New registers the grader collectors plus Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs handled per queue and outcome.",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time spent handling one job attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"queue"}),
		sandboxCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_requests_total",
			Help:      "Requests sent to the execution service.",
		}, []string{"operation", "result"}),
		pollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_poll_attempts",
			Help:      "Poll attempts needed before a batch finished.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		statusWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_writes_total",
			Help:      "Status snapshots written per status value.",
		}, []string{"status"}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_retries_total",
			Help:      "Inner retries of persistence operations.",
		}),
	}
	reg.MustRegister(
		m.jobs, m.jobDuration, m.sandboxCalls, m.pollAttempts, m.statusWrites, m.persistRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveJob(queue, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) SandboxCall(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sandboxCalls.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) PollAttempts(n int) {
	if m == nil {
		return
	}
	m.pollAttempts.Observe(float64(n))
}

func (m *Metrics) StatusWritten(status string) {
	if m == nil {
		return
	}
	m.statusWrites.WithLabelValues(status).Inc()
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}
