// Package metrics holds the Prometheus collectors for the gateway.
package metrics

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	Messages         *prometheus.CounterVec
	Quarantined      *prometheus.CounterVec
	MatchDecisions   *prometheus.CounterVec
	RetryAttempts    *prometheus.CounterVec
	StaleEntries     prometheus.Gauge
	ProcessDuration  prometheus.Histogram
	DecodeDiagnostic *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldt_messages_total",
			Help: "Messages processed, by disposition",
		}, []string{"disposition"}),
		Quarantined: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldt_quarantined_total",
			Help: "Messages quarantined, by reason",
		}, []string{"reason"}),
		MatchDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldt_match_decisions_total",
			Help: "Identity match decisions, by status and method",
		}, []string{"status", "method"}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldt_retry_attempts_total",
			Help: "Quarantine retry attempts, by result",
		}, []string{"result"}),
		StaleEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "ldt_quarantine_stale_entries",
			Help: "Quarantine entries needing attention at the last sweep",
		}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ldt_process_duration_seconds",
			Help:    "Duration of one pipeline run",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		DecodeDiagnostic: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ldt_diagnostics_total",
			Help: "Non-fatal diagnostics, by code",
		}, []string{"code"}),
	}
}

func (m *Metrics) ObserveDisposition(disposition string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(disposition).Inc()
}

func (m *Metrics) ObserveQuarantine(reason string) {
	if m == nil {
		return
	}
	m.Quarantined.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveMatch(status, method string) {
	if m == nil {
		return
	}
	m.MatchDecisions.WithLabelValues(status, method).Inc()
}

func (m *Metrics) ObserveRetry(result string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDiagnostic(code string) {
	if m == nil {
		return
	}
	m.DecodeDiagnostic.WithLabelValues(code).Inc()
}

func (m *Metrics) SetStale(n int) {
	if m == nil {
		return
	}
	m.StaleEntries.Set(float64(n))
}

// ObserveProcess records a pipeline run. Call with time.Now() at the start.
func (m *Metrics) ObserveProcess(start time.Time) {
	if m == nil {
		return
	}
	m.ProcessDuration.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}
