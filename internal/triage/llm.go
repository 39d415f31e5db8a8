package triage

import (
	"context"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/dedup"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/guardrail"
)

// Extractor is the relevancy/entity collaborator, usually an LLM. Failures
// surface as errors and are never replaced with a default score.
type Extractor interface {
	Evaluate(ctx context.Context, c Content) (*Evaluation, error)
}

// Guardrail checks text and entities for safety violations.
type Guardrail interface {
	Check(ctx context.Context, text string, entities article.Entities) (guardrail.Result, error)
}

// Deduplicator finds an earlier article that a candidate duplicates.
type Deduplicator interface {
	Check(ctx context.Context, a *article.Article) (dedup.Result, error)
}

// Escalator places REVIEW articles in the human queue.
type Escalator interface {
	AddToQueue(ctx context.Context, articleID string, reason article.EscalationReason, priority float64, ec escalation.Context) (*escalation.Result, error)
}
