// Package escalation scores articles for human review and places them in the
// priority-ordered review queue.
//
// Queue membership lives on the article row (Article.Escalation) plus an
// append-only escalation history, so there is no separate queue to drift out
// of sync with article state.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

// Notice is the payload of an escalation notification.
type Notice struct {
	EscalationID  string
	ArticleID     string
	Title         string
	URL           string
	Reason        article.EscalationReason
	PriorityScore float64
	Position      int
	Requester     string
	Note          string
	CreatedAt     time.Time
}

// Notifier delivers escalation notices. Implementations with no configured
// recipients must return nil.
type Notifier interface {
	SendEscalationNotice(ctx context.Context, n Notice) error
}

// Context carries optional details about an escalation request.
type Context struct {
	Requester string
	Note      string
	Title     string
	URL       string
}

// Result is the outcome of AddToQueue.
type Result struct {
	EscalationID  string                   `json:"escalation_id"`
	ArticleID     string                   `json:"article_id"`
	Reason        article.EscalationReason `json:"reason"`
	PriorityScore float64                  `json:"priority_score"`
	QueuePosition int                      `json:"queue_position_estimate"`
	Created       bool                     `json:"created"`
	Version       int                      `json:"version"`
	NoticeSent    bool                     `json:"notice_sent"`
	NoticeError   string                   `json:"notice_error,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
}

// Hooks are optional callbacks for observability.
type Hooks struct {
	OnEscalate func(reason article.EscalationReason, priority float64, created bool)
	OnNotice   func(err error)
}

// Manager inserts articles into the review queue.
type Manager struct {
	store    article.Store
	notifier Notifier
	hooks    Hooks
	logger   log.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithHooks sets observability callbacks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a queue manager. A nil notifier disables notices.
func NewManager(store article.Store, notifier Notifier, logger log.Logger, opts ...Option) *Manager {
	if store == nil {
		panic(xerrors.New("escalation.NewManager: store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	m := &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddToQueue escalates an article in one conditional store write. An absent
// article fails with article.ErrNotFound and nothing is recorded. Notice
// delivery is best effort and reported on the result.
func (m *Manager) AddToQueue(ctx context.Context, articleID string, reason article.EscalationReason, priority float64, ec Context) (*Result, error) {
	articleID = strings.TrimSpace(articleID)
	if articleID == "" {
		return nil, fmt.Errorf("%w: article_id is required", article.ErrValidation)
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: unknown escalation reason %q", article.ErrValidation, reason)
	}

	L := m.logger.With("article_id", articleID, "reason", reason)

	esc := article.Escalation{
		ID:            ulid.Make().String(),
		ArticleID:     articleID,
		Reason:        reason,
		PriorityScore: clamp(priority),
		Requester:     ec.Requester,
		Note:          ec.Note,
		CreatedAt:     m.now().UTC(),
	}

	res, err := m.store.Escalate(ctx, esc)
	if err != nil {
		return nil, err
	}

	pos, err := m.store.QueuePosition(ctx, articleID)
	if err != nil {
		// the escalation is durable; a failed estimate is not worth failing the call
		L.Warn(ctx, "queue position lookup failed", "err", err)
	}

	out := &Result{
		EscalationID:  res.Escalation.ID,
		ArticleID:     articleID,
		Reason:        res.Escalation.Reason,
		PriorityScore: res.Escalation.PriorityScore,
		QueuePosition: pos,
		Created:       res.Created,
		Version:       res.Version,
		CreatedAt:     res.Escalation.CreatedAt,
	}
	if m.hooks.OnEscalate != nil {
		m.hooks.OnEscalate(reason, out.PriorityScore, out.Created)
	}

	L.Info(ctx, "article escalated",
		"escalation_id", out.EscalationID,
		"priority", out.PriorityScore,
		"position", out.QueuePosition,
		"created", out.Created,
	)

	m.notify(ctx, L, out, ec)
	return out, nil
}

// Queue lists active escalations, highest priority first.
func (m *Manager) Queue(ctx context.Context, limit int) ([]article.QueueItem, error) {
	return m.store.ListQueue(ctx, limit)
}

func (m *Manager) notify(ctx context.Context, L log.Logger, r *Result, ec Context) {
	if m.notifier == nil {
		r.NoticeSent = true
		return
	}
	err := m.notifier.SendEscalationNotice(ctx, Notice{
		EscalationID:  r.EscalationID,
		ArticleID:     r.ArticleID,
		Title:         ec.Title,
		URL:           ec.URL,
		Reason:        r.Reason,
		PriorityScore: r.PriorityScore,
		Position:      r.QueuePosition,
		Requester:     ec.Requester,
		Note:          ec.Note,
		CreatedAt:     r.CreatedAt,
	})
	if m.hooks.OnNotice != nil {
		m.hooks.OnNotice(err)
	}
	if err != nil {
		L.Error(ctx, err, "escalation notice failed", "escalation_id", r.EscalationID)
		r.NoticeError = fmt.Errorf("%w: %w", article.ErrUpstream, err).Error()
		return
	}
	r.NoticeSent = true
}
