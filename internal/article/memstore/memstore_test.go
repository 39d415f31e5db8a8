package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, id string, st article.State) *article.Article {
	t.Helper()
	a := article.New(id, t0)
	a.State = st
	a.Title = "title " + id
	if err := s.Create(context.Background(), a); err != nil {
		t.Fatalf("Create %s: %v", id, err)
	}
	return a
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, "a-1", article.StateIngested)

	got, ok, err := s.Get(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected article to be found")
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_CreateDuplicateConflicts(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, "a-dup", article.StateIngested)
	err := s.Create(context.Background(), article.New("a-dup", t0))
	if !errors.Is(err, article.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestStore_UpdateBumpsVersion(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := seed(t, s, "a-up", article.StateIngested)

	a.State = article.StateReview
	if err := s.Update(ctx, a, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("caller Version = %d, want 2", a.Version)
	}
	got, _, _ := s.Get(ctx, "a-up")
	if got.Version != 2 || got.State != article.StateReview {
		t.Errorf("stored = v%d %s, want v2 REVIEW", got.Version, got.State)
	}
}

func TestStore_UpdateStaleVersionConflicts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := seed(t, s, "a-stale", article.StateIngested)
	if err := s.Update(ctx, a.Clone(), 1); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	err := s.Update(ctx, a.Clone(), 1)
	if !errors.Is(err, article.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.Update(context.Background(), article.New("ghost", t0), 1)
	if !errors.Is(err, article.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_AppendAuditCreateOnly(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	seed(t, s, "a-audit", article.StateReview)

	rec := article.DecisionRecord{AuditID: "au-1", ArticleID: "a-audit", Decision: article.DecisionApprove}
	if err := s.AppendAudit(ctx, rec); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := s.AppendAudit(ctx, rec); !errors.Is(err, article.ErrConflict) {
		t.Fatalf("second AppendAudit err = %v, want ErrConflict", err)
	}

	// Update must not clobber the trail.
	a, _, _ := s.Get(ctx, "a-audit")
	a.AuditTrail = nil
	if err := s.Update(ctx, a, a.Version); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _, _ := s.Get(ctx, "a-audit")
	if len(got.AuditTrail) != 1 {
		t.Fatalf("audit trail = %d entries, want 1", len(got.AuditTrail))
	}
}

func TestStore_EscalateMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Escalate(context.Background(), article.Escalation{ID: "e-1", ArticleID: "ghost"})
	if !errors.Is(err, article.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(s.History()) != 0 {
		t.Error("no history should be recorded for a missing article")
	}
}

func TestStore_EscalateTwiceUpdatesInPlace(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	seed(t, s, "a-esc", article.StateReview)

	first, err := s.Escalate(ctx, article.Escalation{ID: "e-1", ArticleID: "a-esc", PriorityScore: 0.4, CreatedAt: t0})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if !first.Created {
		t.Error("first escalation should be created")
	}
	second, err := s.Escalate(ctx, article.Escalation{ID: "e-2", ArticleID: "a-esc", PriorityScore: 0.7, CreatedAt: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Escalate again: %v", err)
	}
	if second.Created {
		t.Error("re-escalation must not create a second entry")
	}
	if second.Escalation.ID != "e-1" {
		t.Errorf("escalation ID = %s, want e-1", second.Escalation.ID)
	}
	if second.Escalation.PriorityScore != 0.7 {
		t.Errorf("priority = %v, want 0.7", second.Escalation.PriorityScore)
	}
	q, _ := s.ListQueue(ctx, 0)
	if len(q) != 1 {
		t.Fatalf("queue length = %d, want 1", len(q))
	}
	if len(s.History()) != 2 {
		t.Errorf("history = %d entries, want 2", len(s.History()))
	}
}

func TestStore_EscalateTerminalRefused(t *testing.T) {
	t.Parallel()

	s := New()
	seed(t, s, "a-pub", article.StatePublished)
	_, err := s.Escalate(context.Background(), article.Escalation{ID: "e-1", ArticleID: "a-pub"})
	if !errors.Is(err, article.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_QueueOrdering(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i, p := range []float64{0.5, 0.9, 0.5, 0.2} {
		id := fmt.Sprintf("q-%d", i)
		seed(t, s, id, article.StateReview)
		_, err := s.Escalate(ctx, article.Escalation{
			ID: "e-" + id, ArticleID: id, PriorityScore: p, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Escalate %s: %v", id, err)
		}
	}

	wantPos := map[string]int{"q-1": 1, "q-0": 2, "q-2": 3, "q-3": 4}
	for id, want := range wantPos {
		got, err := s.QueuePosition(ctx, id)
		if err != nil {
			t.Fatalf("QueuePosition %s: %v", id, err)
		}
		if got != want {
			t.Errorf("QueuePosition(%s) = %d, want %d", id, got, want)
		}
	}

	q, _ := s.ListQueue(ctx, 2)
	if len(q) != 2 || q[0].ArticleID != "q-1" || q[1].ArticleID != "q-0" {
		t.Errorf("ListQueue(2) = %+v", q)
	}
}

func TestStore_QueueTieBreaksOnEscalationID(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	// article IDs sort opposite to escalation IDs
	for _, c := range []struct{ article, esc string }{{"z", "01A"}, {"a", "01B"}} {
		seed(t, s, c.article, article.StateReview)
		_, err := s.Escalate(ctx, article.Escalation{ID: c.esc, ArticleID: c.article, PriorityScore: 0.5, CreatedAt: t0})
		if err != nil {
			t.Fatalf("Escalate %s: %v", c.article, err)
		}
	}

	for id, want := range map[string]int{"z": 1, "a": 2} {
		got, err := s.QueuePosition(ctx, id)
		if err != nil {
			t.Fatalf("QueuePosition %s: %v", id, err)
		}
		if got != want {
			t.Errorf("QueuePosition(%s) = %d, want %d", id, got, want)
		}
	}
	q, _ := s.ListQueue(ctx, 0)
	if len(q) != 2 || q[0].ArticleID != "z" || q[1].ArticleID != "a" {
		t.Errorf("ListQueue = %+v, want z then a", q)
	}
}

func TestStore_FindBySecondaryKeys(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := article.New("a-key", t0)
	a.URLKey = "https://example.com/post"
	a.Fingerprint = "fp-1"
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got, ok, _ := s.FindByURLKey(ctx, "https://example.com/post"); !ok || got.ID != "a-key" {
		t.Error("FindByURLKey did not find article")
	}
	if got, ok, _ := s.FindByFingerprint(ctx, "fp-1"); !ok || got.ID != "a-key" {
		t.Error("FindByFingerprint did not find article")
	}
	if _, ok, _ := s.FindByURLKey(ctx, ""); ok {
		t.Error("empty key should never match")
	}
}

func TestStore_ListRecent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	old := article.New("old", t0.Add(-48*time.Hour))
	fresh := article.New("fresh", t0)
	_ = s.Create(ctx, old)
	_ = s.Create(ctx, fresh)

	got, err := s.ListRecent(ctx, t0.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("ListRecent = %d items, want only fresh", len(got))
	}
}

func TestStore_ConcurrentUpdatesOneWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := seed(t, s, "a-race", article.StateReview)

	const n = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			err := s.Update(ctx, a.Clone(), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, article.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != n-1 {
		t.Errorf("ok=%d conflicts=%d, want 1 and %d", ok, conflicts, n-1)
	}
}
