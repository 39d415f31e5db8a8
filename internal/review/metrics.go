package review

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// Metrics holds Prometheus metrics for reviewer decisions.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration prometheus.Histogram
	AuditFailures    prometheus.Counter
	ActionsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns review metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_review_decisions_total",
			Help: "Total reviewer decisions by decision and outcome.",
		}, []string{"decision", "outcome"}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_review_decision_duration_seconds",
			Help:    "Duration of applying one reviewer decision.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_audit_append_failures_total",
			Help: "Audit entries that could not be written after a decision was applied.",
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_downstream_actions_total",
			Help: "Downstream actions by action and whether they succeeded.",
		}, []string{"action", "succeeded"}),
	}

	reg.MustRegister(m.DecisionsTotal, m.DecisionDuration, m.AuditFailures, m.ActionsTotal)
	return m
}

// Hooks returns Hooks that update the review metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnDecision: func(d article.Decision, seconds float64, err error) {
			m.DecisionsTotal.WithLabelValues(string(d), outcome(err)).Inc()
			m.DecisionDuration.Observe(seconds)
		},
		OnAudit: func(err error) {
			if err != nil {
				m.AuditFailures.Inc()
			}
		},
		OnAction: func(action string, succeeded bool) {
			m.ActionsTotal.WithLabelValues(action, strconv.FormatBool(succeeded)).Inc()
		},
	}
}

func outcome(err error) string {
	if err == nil {
		return "applied"
	}
	for _, k := range []struct {
		target error
		label  string
	}{
		{article.ErrValidation, "invalid"},
		{article.ErrNotFound, "not_found"},
		{article.ErrInvalidTransition, "illegal_transition"},
		{article.ErrConflict, "conflict"},
	} {
		if errors.Is(err, k.target) {
			return k.label
		}
	}
	return "error"
}
