package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
)

const namespace = "docint"

// WorkerMetrics observes pipeline runs and their stages. It satisfies the
// dispatcher's run observer and the orchestrator's stage observer.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	runTotal       *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runInFlight    prometheus.Gauge
	stageDuration  *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	queueLag       *prometheus.HistogramVec
	recoveredTotal *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	runTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "document_runs_total",
			Help:      "Total pipeline runs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "document_run_duration_seconds",
			Help:      "Pipeline run duration in seconds by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "outcome"},
	)
	runInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "document_runs_in_flight",
			Help:      "Number of pipeline runs currently executing.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage duration in seconds by stage and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage", "outcome"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retries_scheduled_total",
			Help:      "Total retries scheduled by failing stage.",
		},
		[]string{"service", "stage"},
	)
	failuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Total stage failures by stage and kind.",
		},
		[]string{"service", "stage", "kind"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between a task becoming due and its run starting.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	recoveredTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "documents_recovered_total",
			Help:      "Total documents re-enqueued by the recovery sweep.",
		},
		[]string{"service"},
	)

	registry.MustRegister(runTotal, runDuration, runInFlight, stageDuration, retriesTotal, failuresTotal, queueLag, recoveredTotal)

	return &WorkerMetrics{
		registry:       registry,
		service:        service,
		runTotal:       runTotal,
		runDuration:    runDuration,
		runInFlight:    runInFlight,
		stageDuration:  stageDuration,
		retriesTotal:   retriesTotal,
		failuresTotal:  failuresTotal,
		queueLag:       queueLag,
		recoveredTotal: recoveredTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *WorkerMetrics) StartRun() {
	m.runInFlight.Inc()
}

func (m *WorkerMetrics) FinishRun(report domain.RunReport, err error) {
	m.runInFlight.Dec()

	outcome := string(report.Outcome)
	if err != nil {
		outcome = "error"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.runTotal.WithLabelValues(m.service, outcome).Inc()
	if report.Duration > 0 {
		m.runDuration.WithLabelValues(m.service, outcome).Observe(report.Duration.Seconds())
	}

	if report.Failure != nil && err == nil {
		m.failuresTotal.WithLabelValues(m.service, string(report.Failure.Stage), string(report.Failure.Kind)).Inc()
		if report.Requeue() {
			m.retriesTotal.WithLabelValues(m.service, string(report.Failure.Stage)).Inc()
		}
	}
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) ObserveStage(stage domain.Stage, outcome string, duration time.Duration) {
	m.stageDuration.WithLabelValues(m.service, string(stage), outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) AddRecovered(n int) {
	if n > 0 {
		m.recoveredTotal.WithLabelValues(m.service).Add(float64(n))
	}
}
