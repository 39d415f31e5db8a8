package triage

import (
	"math"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/guardrail"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/keywords"
)

const (
	DefaultAutoPublishThreshold = 0.8
	DefaultReviewThreshold      = 0.6
	DefaultKeywordWeight        = 0.2
	DefaultKeywordSaturation    = 5.0
)

// Thresholds are the triage cut-offs. Scores at a threshold take the
// higher branch.
type Thresholds struct {
	AutoPublish float64 `yaml:"auto_publish"`
	Review      float64 `yaml:"review"`
}

// Fusion controls how keyword evidence is blended into the LLM score.
type Fusion struct {
	KeywordWeight     float64 `yaml:"keyword_weight"`
	KeywordSaturation float64 `yaml:"keyword_saturation"`
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoPublish: DefaultAutoPublishThreshold, Review: DefaultReviewThreshold}
}

// DefaultFusion returns the stock fusion weights.
func DefaultFusion() Fusion {
	return Fusion{KeywordWeight: DefaultKeywordWeight, KeywordSaturation: DefaultKeywordSaturation}
}

// Engine holds the pure triage policy.
type Engine struct {
	thresholds Thresholds
	fusion     Fusion
}

// NewEngine creates an Engine.
func NewEngine(th Thresholds, f Fusion) *Engine {
	if f.KeywordSaturation <= 0 {
		f.KeywordSaturation = DefaultKeywordSaturation
	}
	f.KeywordWeight = unit(f.KeywordWeight)
	return &Engine{thresholds: th, fusion: f}
}

// Thresholds returns the configured cut-offs.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Fuse blends the LLM relevancy score with the keyword result:
// (1-w)*llm + w*min(1, total/saturation). Entities and rationale come from
// the evaluation unchanged.
func (e *Engine) Fuse(ev *Evaluation, kw keywords.Result) Relevance {
	var llm float64
	rel := Relevance{
		KeywordMatches: kw.TotalMatches,
		Entities:       article.NewEntities(article.Entities{}),
	}
	if ev != nil {
		llm = unit(ev.RelevancyScore)
		rel.Rationale = ev.Rationale
		rel.Entities = article.NewEntities(ev.Entities)
	}
	kwScore := math.Min(1, unit(kw.TotalScore/e.fusion.KeywordSaturation))

	w := e.fusion.KeywordWeight
	rel.LLMScore = llm
	rel.KeywordScore = kwScore
	rel.Score = unit((1-w)*llm + w*kwScore)
	return rel
}

// Decide routes an article. A failed guardrail always goes to a human,
// whatever the relevancy; otherwise high relevancy with keyword evidence
// publishes, mid relevancy goes to review and the rest is dropped.
func (e *Engine) Decide(rel Relevance, g guardrail.Result) Decision {
	switch {
	case !g.Passed:
		return DecisionReview
	case rel.Score >= e.thresholds.AutoPublish && rel.KeywordMatches > 0:
		return DecisionAutoPublish
	case rel.Score >= e.thresholds.Review:
		return DecisionReview
	default:
		return DecisionDrop
	}
}

// EscalationReason picks the queue reason for a REVIEW outcome.
func EscalationReason(g guardrail.Result) article.EscalationReason {
	switch {
	case g.HasPII():
		return article.ReasonSensitiveContent
	case !g.Passed:
		return article.ReasonGuardrailViolation
	default:
		return article.ReasonLowConfidence
	}
}

func unit(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
