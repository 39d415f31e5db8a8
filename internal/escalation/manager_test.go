package escalation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article/memstore"
)

type mockNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (m *mockNotifier) SendEscalationNotice(_ context.Context, n Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, n)
	return m.err
}

func seedReview(t *testing.T, s *memstore.Store, id string) {
	t.Helper()
	a := article.New(id, now)
	a.State = article.StateReview
	if err := s.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func newTestManager(s article.Store, n Notifier) *Manager {
	return NewManager(s, n, log.Nop(), WithClock(func() time.Time { return now }))
}

func TestAddToQueue_MissingArticle(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	n := &mockNotifier{}
	m := newTestManager(s, n)

	_, err := m.AddToQueue(context.Background(), "ghost", article.ReasonLowConfidence, 0.5, Context{})
	if !errors.Is(err, article.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("err = %q, want a does-not-exist message", err)
	}
	if len(s.History()) != 0 {
		t.Error("no escalation record should be created")
	}
	q, _ := m.Queue(context.Background(), 0)
	if len(q) != 0 {
		t.Errorf("queue = %d, want empty", len(q))
	}
	if len(n.notices) != 0 {
		t.Error("no notice should be sent for a missing article")
	}
}

func TestAddToQueue_Success(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	seedReview(t, s, "a-1")
	n := &mockNotifier{}

	var hooked bool
	m := NewManager(s, n, log.Nop(),
		WithClock(func() time.Time { return now }),
		WithHooks(Hooks{OnEscalate: func(article.EscalationReason, float64, bool) { hooked = true }}),
	)

	res, err := m.AddToQueue(context.Background(), "a-1", article.ReasonSensitiveContent, 0.9,
		Context{Requester: "alice", Title: "Leak"})
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if res.EscalationID == "" {
		t.Error("expected generated escalation ID")
	}
	if res.QueuePosition != 1 {
		t.Errorf("QueuePosition = %d, want 1", res.QueuePosition)
	}
	if !res.Created || !res.NoticeSent {
		t.Errorf("Created=%v NoticeSent=%v, want both true", res.Created, res.NoticeSent)
	}
	if !hooked {
		t.Error("OnEscalate hook not called")
	}
	if len(n.notices) != 1 || n.notices[0].EscalationID != res.EscalationID || n.notices[0].Title != "Leak" {
		t.Errorf("notices = %+v", n.notices)
	}

	a, _, _ := s.Get(context.Background(), "a-1")
	if a.Escalation == nil || a.Escalation.ID != res.EscalationID {
		t.Error("active escalation not recorded on the article")
	}
}

func TestAddToQueue_PositionEstimate(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	m := newTestManager(s, nil)
	for _, id := range []string{"hi", "mid", "new"} {
		seedReview(t, s, id)
	}
	if _, err := m.AddToQueue(ctx, "hi", article.ReasonOther, 0.9, Context{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddToQueue(ctx, "mid", article.ReasonOther, 0.5, Context{}); err != nil {
		t.Fatal(err)
	}
	res, err := m.AddToQueue(ctx, "new", article.ReasonOther, 0.7, Context{})
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if res.QueuePosition != 2 {
		t.Errorf("QueuePosition = %d, want 2", res.QueuePosition)
	}
}

func TestAddToQueue_SameInstantKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	m := newTestManager(s, nil)
	seedReview(t, s, "first")
	seedReview(t, s, "second")

	r1, err := m.AddToQueue(ctx, "first", article.ReasonOther, 0.5, Context{})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := m.AddToQueue(ctx, "second", article.ReasonOther, 0.5, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if r1.QueuePosition != 1 || r2.QueuePosition != 2 {
		t.Errorf("positions = %d, %d, want 1, 2", r1.QueuePosition, r2.QueuePosition)
	}

	q, err := m.Queue(ctx, 0)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if len(q) != 2 || q[0].ArticleID != "first" || q[1].ArticleID != "second" {
		t.Fatalf("queue = %+v, want first then second", q)
	}
	for _, it := range q {
		got, _ := s.QueuePosition(ctx, it.ArticleID)
		if got != it.Position {
			t.Errorf("%s: QueuePosition = %d, listed at %d", it.ArticleID, got, it.Position)
		}
	}
}

func TestAddToQueue_ReEscalateUpdatesInPlace(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	seedReview(t, s, "a-2")
	m := newTestManager(s, nil)

	first, err := m.AddToQueue(ctx, "a-2", article.ReasonLowConfidence, 0.3, Context{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.AddToQueue(ctx, "a-2", article.ReasonManualReviewRequested, 0.6, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Created {
		t.Error("re-escalation must not create a new entry")
	}
	if second.EscalationID != first.EscalationID {
		t.Errorf("escalation ID changed: %s -> %s", first.EscalationID, second.EscalationID)
	}
	if second.PriorityScore != 0.6 {
		t.Errorf("priority = %v, want 0.6", second.PriorityScore)
	}
	q, _ := m.Queue(ctx, 0)
	if len(q) != 1 {
		t.Errorf("queue = %d entries, want 1", len(q))
	}
}

func TestAddToQueue_ConcurrentEscalationsSingleEntry(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	seedReview(t, s, "a-race")
	m := newTestManager(s, nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.AddToQueue(ctx, "a-race", article.ReasonOther, float64(i)/20, Context{})
		}()
	}
	wg.Wait()

	q, _ := m.Queue(ctx, 0)
	if len(q) != 1 {
		t.Fatalf("queue = %d entries, want 1", len(q))
	}
	if q[0].PriorityScore != 19.0/20 {
		t.Errorf("priority = %v, want max of attempts", q[0].PriorityScore)
	}
}

func TestAddToQueue_NoticeFailureIsRecorded(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	seedReview(t, s, "a-3")
	m := newTestManager(s, &mockNotifier{err: errors.New("webhook down")})

	res, err := m.AddToQueue(context.Background(), "a-3", article.ReasonOther, 0.5, Context{})
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if res.NoticeSent {
		t.Error("NoticeSent should be false")
	}
	if res.NoticeError == "" {
		t.Error("expected NoticeError to be recorded")
	}
}

func TestAddToQueue_Validation(t *testing.T) {
	t.Parallel()

	m := newTestManager(memstore.New(), nil)
	tests := []struct {
		name   string
		id     string
		reason article.EscalationReason
	}{
		{"missing id", " ", article.ReasonOther},
		{"unknown reason", "a-1", article.EscalationReason("boredom")},
	}
	for _, tt := range tests {
		_, err := m.AddToQueue(context.Background(), tt.id, tt.reason, 0.5, Context{})
		if !errors.Is(err, article.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tt.name, err)
		}
	}
}

func TestAddToQueue_TerminalRefused(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	a := article.New("done", now)
	a.State = article.StateArchived
	_ = s.Create(context.Background(), a)

	_, err := newTestManager(s, nil).AddToQueue(context.Background(), "done", article.ReasonOther, 0.5, Context{})
	if !errors.Is(err, article.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestNewManager_PanicsWithoutStore(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil store")
		}
	}()
	NewManager(nil, nil, log.Nop())
}
