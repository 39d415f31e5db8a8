package review

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// AuditWriter is the create-only side of the article store.
type AuditWriter interface {
	AppendAudit(ctx context.Context, rec article.DecisionRecord) error
}

// AuditTrailManager writes one immutable DecisionRecord per applied decision.
type AuditTrailManager struct {
	store AuditWriter
	now   func() time.Time
}

// NewAuditTrailManager creates an AuditTrailManager. A nil clock uses time.Now.
func NewAuditTrailManager(store AuditWriter, now func() time.Time) *AuditTrailManager {
	if now == nil {
		now = time.Now
	}
	return &AuditTrailManager{store: store, now: now}
}

// Record appends the audit entry for a decision that moved a from prev to
// a.State. The record is returned even when the append fails so callers can
// report what was lost.
func (m *AuditTrailManager) Record(ctx context.Context, a *article.Article, prev article.State, req Request) (article.DecisionRecord, error) {
	rec := article.DecisionRecord{
		AuditID:       ulid.Make().String(),
		ArticleID:     a.ID,
		Decision:      req.Decision,
		Reviewer:      req.Reviewer,
		PreviousState: prev,
		NewState:      a.State,
		Rationale:     req.Rationale,
		Confidence:    req.Confidence,
		Version:       a.Version,
		Timestamp:     m.now().UTC(),
	}
	return rec, m.store.AppendAudit(ctx, rec)
}
