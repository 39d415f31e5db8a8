package article

import (
	"context"
	"time"
)

// QueueItem is one active escalation joined with its article headline.
type QueueItem struct {
	Escalation
	Title    string `json:"title"`
	State    State  `json:"state"`
	Position int    `json:"position"`
}

// EscalateResult reports the outcome of a conditional escalation write.
type EscalateResult struct {
	Escalation Escalation
	// Created is false when the article was already queued and the existing
	// entry was updated in place.
	Created bool
	Version int
}

// Store is the persistence interface for articles.
//
// Every mutation is conditional: Create succeeds only when no article with the
// same ID exists, Update only when the stored version equals expectedVersion,
// and Escalate only when the article exists. Implementations return
// ErrConflict and ErrNotFound for the failed conditions.
type Store interface {
	Get(ctx context.Context, id string) (*Article, bool, error)
	Create(ctx context.Context, a *Article) error
	Update(ctx context.Context, a *Article, expectedVersion int) error
	AppendAudit(ctx context.Context, rec DecisionRecord) error
	Escalate(ctx context.Context, esc Escalation) (*EscalateResult, error)
	QueuePosition(ctx context.Context, articleID string) (int, error)
	ListQueue(ctx context.Context, limit int) ([]QueueItem, error)
	FindByURLKey(ctx context.Context, key string) (*Article, bool, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*Article, bool, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*Article, error)
}
