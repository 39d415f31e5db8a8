package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/content"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/dedup"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/events"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/guardrail"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/keywords"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/opx"
)

// SystemActor is recorded as the reviewer of automated decisions.
const SystemActor = "sentinel"

// Processing outcomes reported to OnProcessed.
const (
	OutcomeProcessed = "processed"
	OutcomeResumed   = "resumed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// ServiceHooks are optional callbacks for observability.
type ServiceHooks struct {
	OnStage     func(stage string, seconds float64, err error)
	OnLLMCall   func(tokensIn, tokensOut int, seconds float64, err error)
	OnDecision  func(d Decision, relevancy float64)
	OnProcessed func(outcome string)
}

// Deps are the Service collaborators. Publisher may be nil.
type Deps struct {
	Store     article.Store
	Matcher   *keywords.Matcher
	Extractor Extractor
	Dedup     Deduplicator
	Guardrail Guardrail
	Engine    *Engine
	Priority  *escalation.PriorityCalculator
	Escalator Escalator
	Publisher events.Publisher
}

// Service is the business boundary for article ingestion.
type Service struct {
	Deps
	retry      opx.RetryConfig
	llmTimeout time.Duration
	hooks      ServiceHooks
	logger     log.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHooks sets observability callbacks.
func WithHooks(h ServiceHooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithRetry bounds extractor retries.
func WithRetry(cfg opx.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithLLMTimeout bounds each extractor attempt.
func WithLLMTimeout(d time.Duration) Option {
	return func(s *Service) { s.llmTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new ingestion service.
func NewService(deps Deps, logger log.Logger, opts ...Option) *Service {
	switch {
	case deps.Store == nil:
		panic(xerrors.New("triage.NewService: store is required"))
	case deps.Matcher == nil:
		panic(xerrors.New("triage.NewService: keyword matcher is required"))
	case deps.Extractor == nil:
		panic(xerrors.New("triage.NewService: extractor is required"))
	case deps.Dedup == nil:
		panic(xerrors.New("triage.NewService: deduplicator is required"))
	case deps.Guardrail == nil:
		panic(xerrors.New("triage.NewService: guardrail is required"))
	case deps.Escalator == nil:
		panic(xerrors.New("triage.NewService: escalator is required"))
	}
	if deps.Engine == nil {
		deps.Engine = NewEngine(DefaultThresholds(), DefaultFusion())
	}
	if deps.Priority == nil {
		deps.Priority = escalation.NewPriorityCalculator(escalation.DefaultPriorityConfig(), nil)
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		Deps:       deps,
		retry:      opx.RetryConfig{MaxTries: 3},
		llmTimeout: 60 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ArticleID derives a stable ID from a normalized URL so redelivered feed
// items land on the same article.
func ArticleID(urlKey string) string {
	sum := sha256.Sum256([]byte(urlKey))
	return "art_" + hex.EncodeToString(sum[:10])
}

// Get retrieves an article by ID.
func (s *Service) Get(ctx context.Context, id string) (*article.Article, bool, error) {
	return s.Store.Get(ctx, id)
}

// Process ingests one feed item. It is idempotent: an item already past
// INGESTED is skipped, one left INGESTED by an earlier failure is resumed,
// and a REVIEW article whose escalation never landed is re-escalated.
//
// Extractor failures return an article.ErrUpstream error and leave the
// article INGESTED. A version conflict returns article.ErrConflict.
func (s *Service) Process(ctx context.Context, item Item) (*Outcome, error) {
	start := s.now()
	out, err := s.process(ctx, item)

	label := OutcomeFailed
	switch {
	case err != nil:
	case out.Skipped:
		label = OutcomeSkipped
	case out.Resumed:
		label = OutcomeResumed
	default:
		label = OutcomeProcessed
	}
	if s.hooks.OnProcessed != nil {
		s.hooks.OnProcessed(label)
	}
	if out != nil {
		out.Duration = s.now().Sub(start)
	}
	return out, err
}

func (s *Service) process(ctx context.Context, item Item) (*Outcome, error) {
	fresh, err := s.prepare(item)
	if err != nil {
		return nil, err
	}
	L := s.logger.With("article_id", fresh.ID, "url", fresh.URLKey)

	a, created, err := s.load(ctx, fresh)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		ArticleID: a.ID,
		State:     a.State,
		Version:   a.Version,
		Resumed:   !created,
		Warnings:  []string{},
	}

	switch {
	case a.State == article.StateIngested:
		if !created {
			L.Info(ctx, "resuming ingested article")
		}
	case a.State == article.StateReview && a.Escalation == nil && a.TriageDecision == string(DecisionReview):
		L.Warn(ctx, "resuming escalation for article left unqueued")
		out.Decision = DecisionReview
		out.Guardrail = guardrailFrom(a)
		if err := s.escalate(ctx, a, out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		out.Skipped = true
		out.Resumed = false
		out.Decision = Decision(a.TriageDecision)
		out.Reason = fmt.Sprintf("already %s", a.State)
		return out, nil
	}

	return s.triage(ctx, L, a, out)
}

// prepare validates the item and builds the article it would create.
func (s *Service) prepare(item Item) (*article.Article, error) {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", article.ErrValidation)
	}
	key, err := dedup.NormalizeURL(item.URL)
	if err != nil {
		return nil, err
	}
	text, err := content.PlainText(item.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", article.ErrValidation, err)
	}

	id := strings.TrimSpace(item.ID)
	if id == "" {
		id = ArticleID(key)
	}

	a := article.New(id, s.now().UTC())
	a.Title = content.Sanitize(title)
	a.URL = strings.TrimSpace(item.URL)
	a.URLKey = key
	a.Source = strings.TrimSpace(item.Source)
	a.Content = text
	a.Fingerprint = dedup.Fingerprint(text)
	a.PublishedAt = escalation.ParsePublishedAt(item.PublishedAt)
	return a, nil
}

// load returns the stored article for fresh.ID, creating it when absent.
// created is true only when this call inserted it.
func (s *Service) load(ctx context.Context, fresh *article.Article) (a *article.Article, created bool, err error) {
	existing, ok, err := s.Store.Get(ctx, fresh.ID)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return existing, false, nil
	}
	if err := s.Store.Create(ctx, fresh); err != nil {
		if !errors.Is(err, article.ErrConflict) {
			return nil, false, err
		}
		// lost a create race; carry on with the winner's row
		existing, ok, gerr := s.Store.Get(ctx, fresh.ID)
		if gerr != nil || !ok {
			return nil, false, err
		}
		return existing, false, nil
	}
	return fresh, true, nil
}

func (s *Service) triage(ctx context.Context, L log.Logger, a *article.Article, out *Outcome) (*Outcome, error) {
	var kw keywords.Result
	_ = s.stage("keywords", func() error {
		kw = s.Matcher.MatchKeywords(a.Title + "\n" + a.Content)
		return nil
	})

	var ev *Evaluation
	if err := s.stage("evaluate", func() (err error) {
		ev, err = s.evaluate(ctx, a)
		return err
	}); err != nil {
		L.Error(ctx, err, "evaluation failed, article left ingested")
		return nil, err
	}

	rel := s.Engine.Fuse(ev, kw)
	out.Relevance = &rel

	if err := s.stage("dedup", func() (err error) {
		out.Duplicate, err = s.Dedup.Check(ctx, a)
		return err
	}); err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}

	if err := s.stage("guardrail", func() (err error) {
		out.Guardrail, err = s.Guardrail.Check(ctx, a.Title+"\n"+a.Content, rel.Entities)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: guardrail: %w", article.ErrUpstream, err)
	}

	decision := s.Engine.Decide(rel, out.Guardrail)
	// a guardrail failure still goes to a human, duplicate or not
	if out.Duplicate.Duplicate && out.Guardrail.Passed {
		decision = DecisionDrop
	}
	out.Decision = decision
	if s.hooks.OnDecision != nil {
		s.hooks.OnDecision(decision, rel.Score)
	}

	prev := a.State
	next, err := article.Transition(prev, decision.Transition())
	if err != nil {
		return nil, err
	}

	a.State = next
	a.RelevancyScore = rel.Score
	a.Rationale = rel.Rationale
	a.KeywordMatches = keywords.Summarize(kw.Matches)
	a.Entities = rel.Entities
	a.GuardrailFlags = out.Guardrail.Flags
	a.IsDuplicate = out.Duplicate.Duplicate
	a.ClusterID = out.Duplicate.ClusterID
	a.TriageDecision = string(decision)
	a.Confidence = unit(ev.Confidence)
	a.Summary = content.Sanitize(ev.Summary)
	a.Tags = content.SanitizeAll(ev.Tags)
	a.UpdatedAt = s.now().UTC()

	if err := s.stage("persist", func() error {
		return s.Store.Update(ctx, a, a.Version)
	}); err != nil {
		return nil, err
	}
	out.State = a.State
	out.Version = a.Version

	s.audit(ctx, L, a, prev, decision, ev, out)

	L.Info(ctx, "article triaged",
		"decision", decision,
		"relevancy", rel.Score,
		"keyword_matches", rel.KeywordMatches,
		"duplicate", out.Duplicate.Duplicate,
		"guardrail_flags", len(out.Guardrail.Flags),
	)

	switch decision {
	case DecisionReview:
		if err := s.escalate(ctx, a, out); err != nil {
			return nil, err
		}
	case DecisionAutoPublish:
		s.publish(ctx, L, a, out)
	}
	return out, nil
}

func (s *Service) evaluate(ctx context.Context, a *article.Article) (*Evaluation, error) {
	c := Content{ArticleID: a.ID, Title: a.Title, Text: a.Content, URL: a.URL, Source: a.Source}

	call := func(ctx context.Context) (*Evaluation, error) {
		start := time.Now()
		ev, err := s.Extractor.Evaluate(ctx, c)
		if s.hooks.OnLLMCall != nil {
			var in, outTok int
			if ev != nil {
				in, outTok = ev.TokensIn, ev.TokensOut
			}
			s.hooks.OnLLMCall(in, outTok, time.Since(start).Seconds(), err)
		}
		if err != nil {
			wrapped := fmt.Errorf("%w: evaluate: %w", article.ErrUpstream, err)
			// only transport, rate-limit and 5xx failures are worth another attempt
			if !errors.Is(err, article.ErrUpstream) && !errors.Is(err, context.DeadlineExceeded) {
				return nil, opx.Stop(wrapped)
			}
			return nil, wrapped
		}
		if ev == nil {
			return nil, fmt.Errorf("%w: evaluate: empty response", article.ErrUpstream)
		}
		return ev, nil
	}

	retry := s.retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(name string, err error, wait time.Duration) {
			s.logger.Warn(ctx, "retrying operation", "op", name, "article_id", a.ID, "err", err, "wait", wait)
		}
	}

	op := opx.Chain("triage.evaluate", call,
		opx.Tracing[*Evaluation](nil, attribute.String("sentinel.article.id", a.ID)),
		opx.Retry[*Evaluation](retry),
		opx.Timeout[*Evaluation](s.llmTimeout),
	)
	return op(ctx)
}

func (s *Service) audit(ctx context.Context, L log.Logger, a *article.Article, prev article.State, d Decision, ev *Evaluation, out *Outcome) {
	rec := article.DecisionRecord{
		AuditID:       ulid.Make().String(),
		ArticleID:     a.ID,
		Decision:      d.Transition(),
		Reviewer:      SystemActor,
		PreviousState: prev,
		NewState:      a.State,
		Rationale:     a.Rationale,
		Confidence:    unit(ev.Confidence),
		Version:       a.Version,
		Timestamp:     s.now().UTC(),
	}
	if err := s.Store.AppendAudit(ctx, rec); err != nil {
		L.Warn(ctx, "audit append failed", "err", err)
		out.Warnings = append(out.Warnings, "audit: "+err.Error())
	}
}

func (s *Service) escalate(ctx context.Context, a *article.Article, out *Outcome) error {
	reason := EscalationReason(out.Guardrail)
	priority := s.Priority.CalculatePriorityScore(escalation.SignalsFrom(a), reason)

	return s.stage("escalate", func() error {
		res, err := s.Escalator.AddToQueue(ctx, a.ID, reason, priority, escalation.Context{
			Requester: SystemActor,
			Title:     a.Title,
			URL:       a.URL,
		})
		if err != nil {
			return fmt.Errorf("escalate: %w", err)
		}
		out.Escalation = res
		out.Version = res.Version
		if res.NoticeError != "" {
			out.Warnings = append(out.Warnings, "notice: "+res.NoticeError)
		}
		return nil
	})
}

func (s *Service) publish(ctx context.Context, L log.Logger, a *article.Article, out *Outcome) {
	if s.Publisher == nil {
		return
	}
	err := s.stage("publish", func() error {
		e := events.New(events.TopicPublished, a, article.DecisionAutoPublish, SystemActor, a.Rationale, s.now())
		return s.Publisher.Publish(ctx, e)
	})
	if err != nil {
		L.Warn(ctx, "publication event failed", "err", err)
		out.Warnings = append(out.Warnings, "publish: "+err.Error())
	}
}

func (s *Service) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.hooks.OnStage != nil {
		s.hooks.OnStage(name, time.Since(start).Seconds(), err)
	}
	return err
}

func guardrailFrom(a *article.Article) guardrail.Result {
	return guardrail.Result{Passed: len(a.GuardrailFlags) == 0, Flags: a.GuardrailFlags}
}
