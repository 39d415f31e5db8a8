package triage

import (
	"time"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/dedup"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/guardrail"
)

// Decision is the automated routing outcome.
type Decision string

const (
	DecisionAutoPublish Decision = "AUTO_PUBLISH"
	DecisionReview      Decision = "REVIEW"
	DecisionDrop        Decision = "DROP"
)

// Transition maps the routing outcome onto the article state machine.
func (d Decision) Transition() article.Decision {
	switch d {
	case DecisionAutoPublish:
		return article.DecisionAutoPublish
	case DecisionReview:
		return article.DecisionQueueReview
	case DecisionDrop:
		return article.DecisionDrop
	}
	return article.Decision("")
}

// Item is one feed entry submitted for ingestion.
type Item struct {
	ID          string `json:"article_id,omitempty"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Source      string `json:"source,omitempty"`
	Content     string `json:"content,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Content is what the extractor sees.
type Content struct {
	ArticleID string
	Title     string
	Text      string
	URL       string
	Source    string
}

// Evaluation is the extractor's verdict on one article.
type Evaluation struct {
	RelevancyScore float64          `json:"relevancy_score"`
	Rationale      string           `json:"rationale"`
	Entities       article.Entities `json:"entities"`
	Tags           []string         `json:"tags"`
	Summary        string           `json:"summary"`
	Confidence     float64          `json:"confidence"`
	Model          string           `json:"model,omitempty"`
	TokensIn       int              `json:"tokens_in,omitempty"`
	TokensOut      int              `json:"tokens_out,omitempty"`
}

// Relevance is the fused relevancy signal fed into Decide.
type Relevance struct {
	Score          float64          `json:"relevancy_score"`
	LLMScore       float64          `json:"llm_score"`
	KeywordScore   float64          `json:"keyword_score"`
	KeywordMatches int              `json:"keyword_matches"`
	Rationale      string           `json:"rationale"`
	Entities       article.Entities `json:"entities"`
}

// Outcome reports what Process did with an item.
type Outcome struct {
	ArticleID  string             `json:"article_id"`
	Decision   Decision           `json:"decision,omitempty"`
	State      article.State      `json:"state"`
	Version    int                `json:"version"`
	Skipped    bool               `json:"skipped"`
	Resumed    bool               `json:"resumed"`
	Reason     string             `json:"reason,omitempty"`
	Relevance  *Relevance         `json:"relevance,omitempty"`
	Duplicate  dedup.Result       `json:"duplicate"`
	Guardrail  guardrail.Result   `json:"guardrail"`
	Escalation *escalation.Result `json:"escalation,omitempty"`
	Warnings   []string           `json:"warnings"`
	Duration   time.Duration      `json:"duration_ns"`
}
