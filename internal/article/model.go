package article

import (
	"slices"
	"time"
)

// State tracks where an article is in its publication lifecycle.
type State string

const (
	// StateIngested means stored, not yet triaged
	StateIngested State = "INGESTED"

	// StateReview means waiting on a human reviewer
	StateReview State = "REVIEW"

	// StatePublished is terminal
	StatePublished State = "PUBLISHED"

	// StateArchived is terminal
	StateArchived State = "ARCHIVED"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateArchived
}

// Entities holds structured extraction results. Every field is a sorted set.
type Entities struct {
	CVEs         []string `json:"cves"`
	ThreatActors []string `json:"threat_actors"`
	Malware      []string `json:"malware"`
	Vendors      []string `json:"vendors"`
	Products     []string `json:"products"`
	Sectors      []string `json:"sectors"`
	Countries    []string `json:"countries"`
}

// NewEntities returns an Entities value with every set initialised and normalised.
func NewEntities(e Entities) Entities {
	return Entities{
		CVEs:         normalizeSet(e.CVEs),
		ThreatActors: normalizeSet(e.ThreatActors),
		Malware:      normalizeSet(e.Malware),
		Vendors:      normalizeSet(e.Vendors),
		Products:     normalizeSet(e.Products),
		Sectors:      normalizeSet(e.Sectors),
		Countries:    normalizeSet(e.Countries),
	}
}

// Count returns the total number of extracted entities.
func (e Entities) Count() int {
	return len(e.CVEs) + len(e.ThreatActors) + len(e.Malware) + len(e.Vendors) +
		len(e.Products) + len(e.Sectors) + len(e.Countries)
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// KeywordHit is the per-keyword summary stored on an article.
type KeywordHit struct {
	Keyword  string   `json:"keyword"`
	Category string   `json:"category"`
	HitCount int      `json:"hit_count"`
	Score    float64  `json:"score"`
	Contexts []string `json:"contexts"`
}

// EscalationReason explains why an article was placed in the review queue.
type EscalationReason string

const (
	ReasonGuardrailViolation    EscalationReason = "guardrail_violation"
	ReasonSensitiveContent      EscalationReason = "sensitive_content"
	ReasonLowConfidence         EscalationReason = "low_confidence"
	ReasonManualReviewRequested EscalationReason = "manual_review_requested"
	ReasonOther                 EscalationReason = "other"
)

// Valid reports whether r is one of the known escalation reasons.
func (r EscalationReason) Valid() bool {
	switch r {
	case ReasonGuardrailViolation, ReasonSensitiveContent, ReasonLowConfidence,
		ReasonManualReviewRequested, ReasonOther:
		return true
	}
	return false
}

// Escalation is a review-queue entry. The active one lives on the article row;
// every escalation attempt is also appended to the escalation history.
type Escalation struct {
	ID            string           `json:"escalation_id"`
	ArticleID     string           `json:"article_id"`
	Reason        EscalationReason `json:"reason"`
	PriorityScore float64          `json:"priority_score"`
	Requester     string           `json:"requester,omitempty"`
	Note          string           `json:"note,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// DecisionRecord is one immutable audit entry.
type DecisionRecord struct {
	AuditID       string    `json:"audit_id"`
	ArticleID     string    `json:"article_id"`
	Decision      Decision  `json:"decision"`
	Reviewer      string    `json:"reviewer"`
	PreviousState State     `json:"previous_state"`
	NewState      State     `json:"new_state"`
	Rationale     string    `json:"rationale,omitempty"`
	Confidence    float64   `json:"confidence"`
	Version       int       `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
}

// Article is one ingested news item.
type Article struct {
	ID             string           `json:"article_id"`
	State          State            `json:"state"`
	Title          string           `json:"title"`
	URL            string           `json:"url"`
	URLKey         string           `json:"url_key"`
	Fingerprint    string           `json:"fingerprint"`
	Source         string           `json:"source"`
	Content        string           `json:"content,omitempty"`
	Summary        string           `json:"summary,omitempty"`
	Tags           []string         `json:"tags"`
	RelevancyScore float64          `json:"relevancy_score"`
	Rationale      string           `json:"rationale,omitempty"`
	KeywordMatches []KeywordHit     `json:"keyword_matches"`
	Entities       Entities         `json:"entities"`
	GuardrailFlags []string         `json:"guardrail_flags"`
	IsDuplicate    bool             `json:"is_duplicate"`
	ClusterID      string           `json:"cluster_id,omitempty"`
	TriageDecision string           `json:"triage_decision,omitempty"`
	Confidence     float64          `json:"confidence"`
	Escalation     *Escalation      `json:"escalation,omitempty"`
	PublishedAt    time.Time        `json:"published_at,omitzero"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int              `json:"version"`
	AuditTrail     []DecisionRecord `json:"audit_trail"`
}

// New creates an article in the INGESTED state at version 1 with all
// collections initialised.
func New(id string, now time.Time) *Article {
	return &Article{
		ID:             id,
		State:          StateIngested,
		Tags:           []string{},
		KeywordMatches: []KeywordHit{},
		Entities:       NewEntities(Entities{}),
		GuardrailFlags: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
		AuditTrail:     []DecisionRecord{},
	}
}

// Clone returns a deep copy so stores and callers never share slices.
func (a *Article) Clone() *Article {
	cp := *a
	cp.Tags = slices.Clone(a.Tags)
	cp.GuardrailFlags = slices.Clone(a.GuardrailFlags)
	cp.AuditTrail = slices.Clone(a.AuditTrail)
	cp.KeywordMatches = make([]KeywordHit, len(a.KeywordMatches))
	for i, h := range a.KeywordMatches {
		h.Contexts = slices.Clone(h.Contexts)
		cp.KeywordMatches[i] = h
	}
	cp.Entities = Entities{
		CVEs:         slices.Clone(a.Entities.CVEs),
		ThreatActors: slices.Clone(a.Entities.ThreatActors),
		Malware:      slices.Clone(a.Entities.Malware),
		Vendors:      slices.Clone(a.Entities.Vendors),
		Products:     slices.Clone(a.Entities.Products),
		Sectors:      slices.Clone(a.Entities.Sectors),
		Countries:    slices.Clone(a.Entities.Countries),
	}
	if a.Escalation != nil {
		esc := *a.Escalation
		cp.Escalation = &esc
	}
	return &cp
}
