// Package memstore provides an in-memory implementation of article.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// Store holds articles in memory. Suitable for dev/testing.
//
// The single mutex stands in for row-level atomicity: each conditional write
// checks and applies under the lock, the way a conditional UPDATE would.
type Store struct {
	mu          sync.RWMutex
	articles    map[string]*article.Article // article ID -> article
	byURL       map[string]string           // url key -> article ID
	byPrint     map[string]string           // content fingerprint -> article ID
	audit       map[string]bool             // audit ID -> seen
	escalations []article.Escalation        // append-only history
	now         func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		articles: make(map[string]*article.Article),
		byURL:    make(map[string]string),
		byPrint:  make(map[string]string),
		audit:    make(map[string]bool),
		now:      time.Now,
	}
}

// Get retrieves an article by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*article.Article, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Create stores a copy of a new article. It fails with ErrConflict if the ID is taken.
func (s *Store) Create(_ context.Context, a *article.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[a.ID]; ok {
		return fmt.Errorf("%w: article %s already exists", article.ErrConflict, a.ID)
	}
	cp := a.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.articles[a.ID] = cp
	s.index(cp)
	return nil
}

// Update replaces the article if the stored version equals expectedVersion.
// The stored version becomes expectedVersion+1 and a.Version is updated to match.
// The audit trail is owned by AppendAudit and is never replaced here.
func (s *Store) Update(_ context.Context, a *article.Article, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.articles[a.ID]
	if !ok {
		return fmt.Errorf("%w: article %s", article.ErrNotFound, a.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: article %s at version %d, expected %d", article.ErrConflict, a.ID, cur.Version, expectedVersion)
	}
	cp := a.Clone()
	cp.Version = expectedVersion + 1
	cp.AuditTrail = cur.AuditTrail
	s.articles[a.ID] = cp
	s.index(cp)
	a.Version = cp.Version
	return nil
}

// AppendAudit appends an audit entry. Entries are create-only by AuditID.
func (s *Store) AppendAudit(_ context.Context, rec article.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.articles[rec.ArticleID]
	if !ok {
		return fmt.Errorf("%w: article %s", article.ErrNotFound, rec.ArticleID)
	}
	if s.audit[rec.AuditID] {
		return fmt.Errorf("%w: audit entry %s already exists", article.ErrConflict, rec.AuditID)
	}
	s.audit[rec.AuditID] = true
	cur.AuditTrail = append(slices.Clone(cur.AuditTrail), rec)
	return nil
}

// Escalate marks the article as queued. An already queued article keeps its
// escalation ID and takes the higher of the two priorities.
func (s *Store) Escalate(_ context.Context, esc article.Escalation) (*article.EscalateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.articles[esc.ArticleID]
	if !ok {
		return nil, fmt.Errorf("%w: article %s", article.ErrNotFound, esc.ArticleID)
	}
	if cur.State.Terminal() {
		return nil, fmt.Errorf("%w: article %s is %s", article.ErrInvalidTransition, esc.ArticleID, cur.State)
	}

	created := cur.Escalation == nil
	if created {
		active := esc
		cur.Escalation = &active
	} else {
		cur.Escalation.PriorityScore = max(cur.Escalation.PriorityScore, esc.PriorityScore)
	}
	cur.Version++
	cur.UpdatedAt = s.now()
	s.escalations = append(s.escalations, esc)

	return &article.EscalateResult{
		Escalation: *cur.Escalation,
		Created:    created,
		Version:    cur.Version,
	}, nil
}

// QueuePosition returns the 1-based position of the article's active escalation.
func (s *Store) QueuePosition(_ context.Context, articleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.articles[articleID]
	if !ok || cur.Escalation == nil {
		return 0, fmt.Errorf("%w: no active escalation for %s", article.ErrNotFound, articleID)
	}
	pos := 1
	for _, a := range s.articles {
		if a.ID == articleID || a.Escalation == nil {
			continue
		}
		if ahead(a.Escalation, cur.Escalation) {
			pos++
		}
	}
	return pos, nil
}

// ListQueue returns active escalations in queue order.
func (s *Store) ListQueue(_ context.Context, limit int) ([]article.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]article.QueueItem, 0)
	for _, a := range s.articles {
		if a.Escalation == nil {
			continue
		}
		items = append(items, article.QueueItem{Escalation: *a.Escalation, Title: a.Title, State: a.State})
	}
	slices.SortFunc(items, func(x, y article.QueueItem) int {
		if ahead(&x.Escalation, &y.Escalation) {
			return -1
		}
		if ahead(&y.Escalation, &x.Escalation) {
			return 1
		}
		return cmp.Compare(x.ID, y.ID)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	for i := range items {
		items[i].Position = i + 1
	}
	return items, nil
}

// History returns a copy of every escalation attempt in insertion order.
func (s *Store) History() []article.Escalation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.escalations)
}

// FindByURLKey retrieves an article by normalized URL. Returns a copy.
func (s *Store) FindByURLKey(_ context.Context, key string) (*article.Article, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(s.byURL, key)
}

// FindByFingerprint retrieves an article by content fingerprint. Returns a copy.
func (s *Store) FindByFingerprint(_ context.Context, fp string) (*article.Article, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(s.byPrint, fp)
}

// ListRecent returns articles created at or after since, newest first.
func (s *Store) ListRecent(_ context.Context, since time.Time, limit int) ([]*article.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*article.Article, 0)
	for _, a := range s.articles {
		if a.CreatedAt.Before(since) {
			continue
		}
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(x, y *article.Article) int {
		return y.CreatedAt.Compare(x.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) lookup(idx map[string]string, key string) (*article.Article, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	id, ok := idx[key]
	if !ok {
		return nil, false, nil
	}
	return s.articles[id].Clone(), true, nil
}

// index records secondary keys. First writer wins so the original of a
// duplicate cluster stays addressable.
func (s *Store) index(a *article.Article) {
	if a.URLKey != "" {
		if _, ok := s.byURL[a.URLKey]; !ok {
			s.byURL[a.URLKey] = a.ID
		}
	}
	if a.Fingerprint != "" {
		if _, ok := s.byPrint[a.Fingerprint]; !ok {
			s.byPrint[a.Fingerprint] = a.ID
		}
	}
}

// ahead reports whether x is served before y: higher priority first, then
// earlier escalation. Escalation IDs are ULIDs, so equal timestamps fall back
// to generation order.
func ahead(x, y *article.Escalation) bool {
	if x.PriorityScore != y.PriorityScore {
		return x.PriorityScore > y.PriorityScore
	}
	if !x.CreatedAt.Equal(y.CreatedAt) {
		return x.CreatedAt.Before(y.CreatedAt)
	}
	return x.ID < y.ID
}
