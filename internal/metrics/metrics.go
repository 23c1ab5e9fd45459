// Package metrics defines the Prometheus collectors for sync runs and the
// lookup API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "faa_sync"

// Metrics holds every collector registered by New.
type Metrics struct {
	Runs           *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	StepDuration   *prometheus.HistogramVec
	Rows           *prometheus.CounterVec
	ParseWarnings  *prometheus.CounterVec
	Unresolved     prometheus.Counter
	FetchAttempts  *prometheus.CounterVec
	ArchiveBytes   prometheus.Gauge
	LastSuccess    prometheus.Gauge
	APIRequests    *prometheus.CounterVec
	APIRequestTime *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by outcome",
		}, []string{"outcome"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed sync runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of each sync step",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"step"}),
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Registry rows written by entity and operation",
		}, []string{"entity", "op"}),
		ParseWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_warnings_total",
			Help:      "Data-quality warnings raised while parsing",
		}, []string{"entity"}),
		Unresolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolved_references_total",
			Help:      "Aircraft model or engine references stored as NULL",
		}),
		FetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Archive download attempts by result",
		}, []string{"result"}),
		ArchiveBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Size of the most recently downloaded archive",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync run",
		}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Lookup API requests by route and status code",
		}, []string{"route", "code"}),
		APIRequestTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Lookup API request latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route"}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(outcome string, started, finished time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(finished.Sub(started).Seconds())
	if outcome == "success" {
		m.LastSuccess.Set(float64(finished.Unix()))
	}
}

// ObserveStep records the duration of one step.
// Call with time.Now() at the start of the step.
func (m *Metrics) ObserveStep(step string, start time.Time) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// AddRows adds n rows for entity and op. Zero counts are still exported.
func (m *Metrics) AddRows(entity, op string, n int64) {
	if m == nil {
		return
	}
	m.Rows.WithLabelValues(entity, op).Add(float64(n))
}

// AddWarnings adds n parse warnings for entity.
func (m *Metrics) AddWarnings(entity string, n int64) {
	if m == nil {
		return
	}
	m.ParseWarnings.WithLabelValues(entity).Add(float64(n))
}

// AddUnresolved adds n unresolved references.
func (m *Metrics) AddUnresolved(n int64) {
	if m == nil {
		return
	}
	m.Unresolved.Add(float64(n))
}

// FetchAttempt records one download attempt; err is nil on success.
func (m *Metrics) FetchAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FetchAttempts.WithLabelValues(result).Inc()
}

// SetArchiveBytes records the size of the downloaded archive.
func (m *Metrics) SetArchiveBytes(n int64) {
	if m == nil {
		return
	}
	m.ArchiveBytes.Set(float64(n))
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(route, statusText(code)).Inc()
	m.APIRequestTime.WithLabelValues(route).Observe(d.Seconds())
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
