// Package review applies human reviewer decisions to articles in the review
// queue, records them in the audit trail, and triggers downstream actions.
package review

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/content"
)

// Modifications are reviewer edits applied together with the state change.
// Nil fields are left untouched.
type Modifications struct {
	Title      *string  `json:"title,omitempty"`
	Summary    *string  `json:"summary,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func (m *Modifications) empty() bool {
	return m == nil || (m.Title == nil && m.Summary == nil && m.Tags == nil && m.Confidence == nil)
}

// Request is one reviewer decision.
type Request struct {
	ArticleID     string           `json:"article_id"`
	Decision      article.Decision `json:"decision"`
	Reviewer      string           `json:"reviewer"`
	Rationale     string           `json:"rationale,omitempty"`
	Confidence    float64          `json:"confidence"`
	Modifications *Modifications   `json:"modifications,omitempty"`
}

// Validate reports missing or malformed fields.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.ArticleID) == "":
		return fmt.Errorf("%w: article_id is required", article.ErrValidation)
	case strings.TrimSpace(r.Reviewer) == "":
		return fmt.Errorf("%w: reviewer is required", article.ErrValidation)
	case math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1:
		return fmt.Errorf("%w: confidence must be within [0,1]", article.ErrValidation)
	}
	if m := r.Modifications; m != nil {
		if m.Confidence != nil && (math.IsNaN(*m.Confidence) || *m.Confidence < 0 || *m.Confidence > 1) {
			return fmt.Errorf("%w: modified confidence must be within [0,1]", article.ErrValidation)
		}
		if m.Title != nil && strings.TrimSpace(*m.Title) == "" {
			return fmt.Errorf("%w: modified title is empty", article.ErrValidation)
		}
	}
	return nil
}

// Result is the outcome of one applied decision.
type Result struct {
	ArticleID     string           `json:"article_id"`
	Decision      article.Decision `json:"decision"`
	PreviousState article.State    `json:"previous_state"`
	NewState      article.State    `json:"new_state"`
	Version       int              `json:"version"`
	AuditID       string           `json:"audit_id,omitempty"`
	AuditRecorded bool             `json:"audit_recorded"`
	Actions       []ActionResult   `json:"actions"`
	Warnings      []string         `json:"warnings"`
}

// BatchItem is the per-request outcome inside a batch.
type BatchItem struct {
	Index     int     `json:"index"`
	ArticleID string  `json:"article_id"`
	Succeeded bool    `json:"succeeded"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`

	Err error `json:"-"`
}

// BatchResult aggregates ProcessBatchDecisions.
type BatchResult struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Results    []BatchItem   `json:"results"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Hooks are optional callbacks for observability.
type Hooks struct {
	OnDecision func(d article.Decision, seconds float64, err error)
	OnAudit    func(err error)
	OnAction   func(action string, succeeded bool)
}

// Processor applies reviewer decisions.
type Processor struct {
	store   article.Store
	audit   *AuditTrailManager
	actions *DownstreamActionManager
	hooks   Hooks
	logger  log.Logger
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithHooks sets observability callbacks.
func WithHooks(h Hooks) Option {
	return func(p *Processor) { p.hooks = h }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a decision processor. A nil audit manager writes to
// store; a nil action manager triggers nothing.
func NewProcessor(store article.Store, audit *AuditTrailManager, actions *DownstreamActionManager, logger log.Logger, opts ...Option) *Processor {
	if store == nil {
		panic(xerrors.New("review.NewProcessor: store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if actions == nil {
		actions = NewDownstreamActionManager(nil, nil, logger)
	}
	p := &Processor{
		store:   store,
		actions: actions,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if audit == nil {
		audit = NewAuditTrailManager(store, p.now)
	}
	p.audit = audit
	return p
}

// ProcessDecision validates and applies one decision. The state change and
// modifications are written in one conditional update; a concurrent writer
// makes it fail with article.ErrConflict and nothing is applied. Audit and
// downstream failures after the write are reported on the result.
func (p *Processor) ProcessDecision(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := p.process(ctx, req)
	if p.hooks.OnDecision != nil {
		p.hooks.OnDecision(req.Decision, time.Since(start).Seconds(), err)
	}
	return res, err
}

func (p *Processor) process(ctx context.Context, req Request) (*Result, error) {
	req.ArticleID = strings.TrimSpace(req.ArticleID)
	req.Reviewer = strings.TrimSpace(req.Reviewer)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	L := p.logger.With("article_id", req.ArticleID, "decision", req.Decision, "reviewer", req.Reviewer)

	a, ok, err := p.store.Get(ctx, req.ArticleID)
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: article %s", article.ErrNotFound, req.ArticleID)
	}

	// pipeline decisions are legal from INGESTED but never a reviewer's to make
	if !req.Decision.Human() {
		return nil, fmt.Errorf("%w: %q is not a reviewer decision", article.ErrInvalidTransition, req.Decision)
	}
	prev := a.State
	next, err := article.Transition(prev, req.Decision)
	if err != nil {
		return nil, err
	}

	apply(a, req.Modifications)
	a.State = next
	if next != article.StateReview {
		a.Escalation = nil
	}
	a.UpdatedAt = p.now().UTC()

	if err := p.store.Update(ctx, a, a.Version); err != nil {
		return nil, err
	}

	res := &Result{
		ArticleID:     a.ID,
		Decision:      req.Decision,
		PreviousState: prev,
		NewState:      a.State,
		Version:       a.Version,
		Actions:       []ActionResult{},
		Warnings:      []string{},
	}

	rec, err := p.audit.Record(ctx, a, prev, req)
	if p.hooks.OnAudit != nil {
		p.hooks.OnAudit(err)
	}
	res.AuditID = rec.AuditID
	if err != nil {
		L.Warn(ctx, "audit append failed, decision kept", "audit_id", rec.AuditID, "err", err)
		res.Warnings = append(res.Warnings, "audit: "+err.Error())
	} else {
		res.AuditRecorded = true
	}

	res.Actions = p.actions.Trigger(ctx, a, req.Decision, req.Reviewer, req.Rationale)
	for _, ar := range res.Actions {
		if p.hooks.OnAction != nil {
			p.hooks.OnAction(ar.Action, ar.Succeeded)
		}
		if !ar.Succeeded {
			res.Warnings = append(res.Warnings, ar.Action+": "+ar.Error)
		}
	}

	L.Info(ctx, "decision applied",
		"previous_state", prev,
		"new_state", a.State,
		"version", a.Version,
		"audit_recorded", res.AuditRecorded,
		"actions", len(res.Actions),
	)
	return res, nil
}

// ProcessBatchDecisions applies each request independently. A failing item
// never affects its siblings.
func (p *Processor) ProcessBatchDecisions(ctx context.Context, reqs []Request) *BatchResult {
	start := time.Now()
	out := &BatchResult{Total: len(reqs), Results: make([]BatchItem, 0, len(reqs))}

	for i, req := range reqs {
		item := BatchItem{Index: i, ArticleID: req.ArticleID}
		var (
			res *Result
			err error
		)
		if err = ctx.Err(); err == nil {
			res, err = p.ProcessDecision(ctx, req)
		}
		if err != nil {
			item.Err = err
			item.Error = err.Error()
			out.Failed++
		} else {
			item.Succeeded = true
			item.Result = res
			out.Successful++
		}
		out.Results = append(out.Results, item)
	}

	out.Elapsed = time.Since(start)
	p.logger.Info(ctx, "decision batch processed", "total", out.Total, "successful", out.Successful, "failed", out.Failed)
	return out
}

func apply(a *article.Article, m *Modifications) {
	if m.empty() {
		return
	}
	if m.Title != nil {
		a.Title = content.Sanitize(*m.Title)
	}
	if m.Summary != nil {
		a.Summary = content.Sanitize(*m.Summary)
	}
	if m.Tags != nil {
		a.Tags = content.SanitizeAll(m.Tags)
	}
	if m.Confidence != nil {
		a.Confidence = *m.Confidence
	}
}
