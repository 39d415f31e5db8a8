package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
)

// Metrics holds Prometheus metrics for the ingestion pipeline and the
// escalation queue.
type Metrics struct {
	ItemsTotal       *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	DecisionsTotal   *prometheus.CounterVec
	RelevancyScore   prometheus.Histogram
	LLMCallsTotal    *prometheus.CounterVec
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
	EscalationsTotal *prometheus.CounterVec
	PriorityScore    prometheus.Histogram
	NoticesTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_items_processed_total",
			Help: "Total feed items processed by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~262s
		}, []string{"stage", "outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_triage_decisions_total",
			Help: "Total automated triage decisions.",
		}, []string{"decision"}),
		RelevancyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_relevancy_score",
			Help:    "Fused relevancy score per triaged article.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_llm_calls_total",
			Help: "Total extractor calls by status.",
		}, []string{"status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_llm_call_duration_seconds",
			Help:    "Duration of individual extractor calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. 64s
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_escalations_total",
			Help: "Total escalations by reason and whether a new queue entry was created.",
		}, []string{"reason", "created"}),
		PriorityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_escalation_priority",
			Help:    "Priority score of escalated articles.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		NoticesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_escalation_notices_total",
			Help: "Total escalation notices by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.ItemsTotal,
		m.StageDuration,
		m.DecisionsTotal,
		m.RelevancyScore,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.EscalationsTotal,
		m.PriorityScore,
		m.NoticesTotal,
	)

	return m
}

// Hooks returns ServiceHooks that update the pipeline metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnStage: func(stage string, seconds float64, err error) {
			m.StageDuration.WithLabelValues(stage, status(err)).Observe(seconds)
		},
		OnLLMCall: func(tokensIn, tokensOut int, seconds float64, err error) {
			m.LLMCallsTotal.WithLabelValues(status(err)).Inc()
			m.LLMTokensIn.Add(float64(tokensIn))
			m.LLMTokensOut.Add(float64(tokensOut))
			m.LLMDuration.Observe(seconds)
		},
		OnDecision: func(d Decision, relevancy float64) {
			m.DecisionsTotal.WithLabelValues(string(d)).Inc()
			m.RelevancyScore.Observe(relevancy)
		},
		OnProcessed: func(outcome string) {
			m.ItemsTotal.WithLabelValues(outcome).Inc()
		},
	}
}

// EscalationHooks returns escalation.Hooks that update the queue metrics.
func (m *Metrics) EscalationHooks() escalation.Hooks {
	return escalation.Hooks{
		OnEscalate: func(reason article.EscalationReason, priority float64, created bool) {
			c := "false"
			if created {
				c = "true"
			}
			m.EscalationsTotal.WithLabelValues(string(reason), c).Inc()
			m.PriorityScore.Observe(priority)
		},
		OnNotice: func(err error) {
			m.NoticesTotal.WithLabelValues(status(err)).Inc()
		},
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
