// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for conversions, cleanup passes and audits.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Conversions     *prometheus.CounterVec
	ConvertDuration prometheus.Histogram
	UsageEvents     *prometheus.CounterVec
	PassRecords     *prometheus.CounterVec
	PassDuration    *prometheus.HistogramVec
	AuditFindings   *prometheus.CounterVec
	TxTimeouts      *prometheus.CounterVec
}

// New registers every instrument on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Conversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_conversions_total",
			Help: "Vehicle to provisional policy conversions by outcome",
		}, []string{"outcome"}),
		ConvertDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_conversion_duration_seconds",
			Help:    "Duration of one conversion transaction",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		UsageEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_usage_events_total",
			Help: "Payments and services recorded against policies",
		}, []string{"kind"}),
		PassRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_cleanup_records_total",
			Help: "Records processed by cleanup passes by pass and result",
		}, []string{"pass", "result"}),
		PassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_cleanup_pass_duration_seconds",
			Help:    "Duration of each cleanup pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"pass"}),
		AuditFindings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_audit_findings_total",
			Help: "Consistency audit findings by kind",
		}, []string{"kind"}),
		TxTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_transaction_timeouts_total",
			Help: "Transactions rolled back for exceeding their budget",
		}, []string{"operation"}),
	}
}

// ObserveConversion records one conversion attempt.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveConversion(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Conversions.WithLabelValues(outcome).Inc()
	m.ConvertDuration.Observe(time.Since(start).Seconds())
}

// IncUsage records a payment or service event.
func (m *Metrics) IncUsage(kind string) {
	if m == nil {
		return
	}
	m.UsageEvents.WithLabelValues(kind).Inc()
}

// ObservePass records the outcome counts and duration of a cleanup pass.
func (m *Metrics) ObservePass(pass string, succeeded, failed, skipped int, start time.Time) {
	if m == nil {
		return
	}
	m.PassRecords.WithLabelValues(pass, "succeeded").Add(float64(succeeded))
	m.PassRecords.WithLabelValues(pass, "failed").Add(float64(failed))
	m.PassRecords.WithLabelValues(pass, "skipped").Add(float64(skipped))
	m.PassDuration.WithLabelValues(pass).Observe(time.Since(start).Seconds())
}

// IncFinding records one audit finding.
func (m *Metrics) IncFinding(kind string) {
	if m == nil {
		return
	}
	m.AuditFindings.WithLabelValues(kind).Inc()
}

// IncTxTimeout records a transaction rolled back on its time budget.
func (m *Metrics) IncTxTimeout(operation string) {
	if m == nil {
		return
	}
	m.TxTimeouts.WithLabelValues(operation).Inc()
}
