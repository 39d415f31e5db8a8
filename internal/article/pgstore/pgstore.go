// Package pgstore provides a PostgreSQL implementation of article.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

var tracer = otel.Tracer("github.com/Virgo-Alpha/Sentinel-sub001/internal/article/pgstore")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

//go:embed schema.sql
var schema string

const pgForeignKeyViolation = "23503"

// Store persists articles in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var articleColumns = []string{
	"id", "state", "title", "url", "url_key", "fingerprint", "source", "content", "summary",
	"tags", "relevancy_score", "rationale", "keyword_matches", "entities", "guardrail_flags",
	"is_duplicate", "cluster_id", "triage_decision", "confidence",
	"escalation_id", "escalation_reason", "escalation_priority", "escalation_requester",
	"escalation_note", "escalated_at", "published_at", "created_at", "updated_at", "version",
}

func start(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves an article and its audit trail by ID.
func (s *Store) Get(ctx context.Context, id string) (*article.Article, bool, error) {
	ctx, span := start(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query, args, err := psql.Select(articleColumns...).From("articles").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("build query: %w", err))
	}
	a, err := scanArticle(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if a == nil {
		return nil, false, nil
	}
	if err := s.loadAudit(ctx, a); err != nil {
		return nil, false, fail(span, err)
	}
	return a, true, nil
}

// Create inserts a new article. It fails with article.ErrConflict if the ID is taken.
func (s *Store) Create(ctx context.Context, a *article.Article) error {
	ctx, span := start(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	if a.Version == 0 {
		a.Version = 1
	}
	cols, vals, err := articleValues(a)
	if err != nil {
		return fail(span, err)
	}
	query, args, err := psql.Insert("articles").Columns(cols...).Values(vals...).
		Suffix("ON CONFLICT (id) DO NOTHING").ToSql()
	if err != nil {
		return fail(span, fmt.Errorf("build insert: %w", err))
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fail(span, fmt.Errorf("insert article: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("%w: article %s already exists", article.ErrConflict, a.ID))
	}
	return nil
}

// Update writes a if the stored version equals expectedVersion, setting it
// to expectedVersion+1. The audit trail and created_at are never touched.
func (s *Store) Update(ctx context.Context, a *article.Article, expectedVersion int) error {
	ctx, span := start(ctx, "pgstore.Update", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("sentinel.article.id", a.ID), attribute.Int("sentinel.article.expected_version", expectedVersion))

	next := *a
	next.Version = expectedVersion + 1
	cols, vals, err := articleValues(&next)
	if err != nil {
		return fail(span, err)
	}
	set := make(map[string]any, len(cols))
	for i, c := range cols {
		if c == "id" || c == "created_at" {
			continue
		}
		set[c] = vals[i]
	}
	query, args, err := psql.Update("articles").SetMap(set).
		Where(sq.Eq{"id": a.ID, "version": expectedVersion}).ToSql()
	if err != nil {
		return fail(span, fmt.Errorf("build update: %w", err))
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fail(span, fmt.Errorf("update article: %w", err))
	}
	if tag.RowsAffected() == 0 {
		var cur int
		err := s.pool.QueryRow(ctx, `SELECT version FROM articles WHERE id = $1`, a.ID).Scan(&cur)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return fail(span, fmt.Errorf("%w: article %s", article.ErrNotFound, a.ID))
		case err != nil:
			return fail(span, fmt.Errorf("read version: %w", err))
		}
		return fail(span, fmt.Errorf("%w: article %s at version %d, expected %d", article.ErrConflict, a.ID, cur, expectedVersion))
	}
	a.Version = next.Version
	return nil
}

// AppendAudit inserts an audit entry. Entries are create-only by AuditID.
func (s *Store) AppendAudit(ctx context.Context, rec article.DecisionRecord) error {
	ctx, span := start(ctx, "pgstore.AppendAudit", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (audit_id, article_id, decision, reviewer, previous_state, new_state, rationale, confidence, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (audit_id) DO NOTHING`,
		rec.AuditID, rec.ArticleID, string(rec.Decision), rec.Reviewer, string(rec.PreviousState),
		string(rec.NewState), rec.Rationale, rec.Confidence, rec.Version, rec.Timestamp,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fail(span, fmt.Errorf("%w: article %s", article.ErrNotFound, rec.ArticleID))
		}
		return fail(span, fmt.Errorf("insert audit entry: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("%w: audit entry %s already exists", article.ErrConflict, rec.AuditID))
	}
	return nil
}

// Escalate marks the article as queued in one conditional UPDATE and appends
// the attempt to the escalation history. An already queued article keeps its
// escalation and takes the higher of the two priorities.
func (s *Store) Escalate(ctx context.Context, esc article.Escalation) (*article.EscalateResult, error) {
	ctx, span := start(ctx, "pgstore.Escalate", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("sentinel.article.id", esc.ArticleID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var (
		res       article.EscalateResult
		reason    string
		requester *string
		note      *string
	)
	err = tx.QueryRow(ctx,
		`UPDATE articles SET
			escalation_id        = COALESCE(escalation_id, $2),
			escalation_reason    = COALESCE(escalation_reason, $3),
			escalation_priority  = GREATEST(COALESCE(escalation_priority, $4), $4),
			escalation_requester = COALESCE(escalation_requester, $5),
			escalation_note      = COALESCE(escalation_note, $6),
			escalated_at         = COALESCE(escalated_at, $7),
			version              = version + 1,
			updated_at           = $8
		 WHERE id = $1 AND state NOT IN ('PUBLISHED', 'ARCHIVED')
		 RETURNING escalation_id, escalation_reason, escalation_priority, escalation_requester,
			escalation_note, escalated_at, version`,
		esc.ArticleID, esc.ID, string(esc.Reason), esc.PriorityScore, esc.Requester, esc.Note,
		esc.CreatedAt, time.Now().UTC(),
	).Scan(&res.Escalation.ID, &reason, &res.Escalation.PriorityScore, &requester, &note,
		&res.Escalation.CreatedAt, &res.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fail(span, s.escalateRefusal(ctx, tx, esc.ArticleID))
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("escalate: %w", err))
	}
	res.Escalation.ArticleID = esc.ArticleID
	res.Escalation.Reason = article.EscalationReason(reason)
	res.Escalation.Requester = deref(requester)
	res.Escalation.Note = deref(note)
	res.Created = res.Escalation.ID == esc.ID

	if _, err := tx.Exec(ctx,
		`INSERT INTO escalations (escalation_id, article_id, reason, priority_score, requester, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		esc.ID, esc.ArticleID, string(esc.Reason), esc.PriorityScore, esc.Requester, esc.Note, esc.CreatedAt,
	); err != nil {
		return nil, fail(span, fmt.Errorf("insert escalation history: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return &res, nil
}

// escalateRefusal explains why the conditional escalation matched no row.
func (s *Store) escalateRefusal(ctx context.Context, tx pgx.Tx, id string) error {
	var state string
	err := tx.QueryRow(ctx, `SELECT state FROM articles WHERE id = $1`, id).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: article %s", article.ErrNotFound, id)
	case err != nil:
		return fmt.Errorf("read state: %w", err)
	}
	return fmt.Errorf("%w: article %s is %s", article.ErrInvalidTransition, id, state)
}

// QueuePosition returns the 1-based position of the article's active escalation.
func (s *Store) QueuePosition(ctx context.Context, articleID string) (int, error) {
	ctx, span := start(ctx, "pgstore.QueuePosition", "SELECT")
	defer span.End()

	var pos *int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 + (
			SELECT COUNT(*) FROM articles o
			WHERE o.escalation_id IS NOT NULL AND o.id <> me.id
			  AND (o.escalation_priority > me.escalation_priority
			       OR (o.escalation_priority = me.escalation_priority AND o.escalated_at < me.escalated_at)
			       OR (o.escalation_priority = me.escalation_priority AND o.escalated_at = me.escalated_at
			           AND o.escalation_id < me.escalation_id)))
		 FROM articles me
		 WHERE me.id = $1 AND me.escalation_id IS NOT NULL`,
		articleID,
	).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && pos == nil) {
		return 0, fail(span, fmt.Errorf("%w: no active escalation for %s", article.ErrNotFound, articleID))
	}
	if err != nil {
		return 0, fail(span, fmt.Errorf("queue position: %w", err))
	}
	return *pos, nil
}

// ListQueue returns active escalations in queue order.
func (s *Store) ListQueue(ctx context.Context, limit int) ([]article.QueueItem, error) {
	ctx, span := start(ctx, "pgstore.ListQueue", "SELECT")
	defer span.End()

	q := psql.Select("id", "title", "state", "escalation_id", "escalation_reason", "escalation_priority",
		"escalation_requester", "escalation_note", "escalated_at").
		From("articles").
		Where(sq.NotEq{"escalation_id": nil}).
		OrderBy("escalation_priority DESC", "escalated_at ASC", "escalation_id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build query: %w", err))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query queue: %w", err))
	}
	defer rows.Close()

	items := make([]article.QueueItem, 0)
	for rows.Next() {
		var (
			it        article.QueueItem
			state     string
			reason    string
			requester *string
			note      *string
		)
		if err := rows.Scan(&it.ArticleID, &it.Title, &state, &it.ID, &reason, &it.PriorityScore,
			&requester, &note, &it.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan queue item: %w", err))
		}
		it.State = article.State(state)
		it.Reason = article.EscalationReason(reason)
		it.Requester = deref(requester)
		it.Note = deref(note)
		it.Position = len(items) + 1
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate queue: %w", err))
	}
	return items, nil
}

// FindByURLKey returns the earliest article with the normalized URL.
func (s *Store) FindByURLKey(ctx context.Context, key string) (*article.Article, bool, error) {
	return s.findFirst(ctx, "pgstore.FindByURLKey", "url_key", key)
}

// FindByFingerprint returns the earliest article with the content fingerprint.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*article.Article, bool, error) {
	return s.findFirst(ctx, "pgstore.FindByFingerprint", "fingerprint", fingerprint)
}

func (s *Store) findFirst(ctx context.Context, name, column, value string) (*article.Article, bool, error) {
	if value == "" {
		return nil, false, nil
	}
	ctx, span := start(ctx, name, "SELECT")
	defer span.End()

	query, args, err := psql.Select(articleColumns...).From("articles").
		Where(sq.Eq{column: value}).OrderBy("created_at ASC", "id ASC").Limit(1).ToSql()
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("build query: %w", err))
	}
	a, err := scanArticle(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// ListRecent returns articles created at or after since, newest first,
// without their audit trails.
func (s *Store) ListRecent(ctx context.Context, since time.Time, limit int) ([]*article.Article, error) {
	ctx, span := start(ctx, "pgstore.ListRecent", "SELECT")
	defer span.End()

	q := psql.Select(articleColumns...).From("articles").
		Where(sq.GtOrEq{"created_at": since}).OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fail(span, fmt.Errorf("build query: %w", err))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query recent: %w", err))
	}
	defer rows.Close()

	out := make([]*article.Article, 0)
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate recent: %w", err))
	}
	return out, nil
}

func (s *Store) loadAudit(ctx context.Context, a *article.Article) error {
	rows, err := s.pool.Query(ctx,
		`SELECT audit_id, decision, reviewer, previous_state, new_state, rationale, confidence, version, created_at
		 FROM audit_entries WHERE article_id = $1 ORDER BY created_at, audit_id`,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	a.AuditTrail = []article.DecisionRecord{}
	for rows.Next() {
		var (
			rec            article.DecisionRecord
			decision       string
			prevState, now string
		)
		if err := rows.Scan(&rec.AuditID, &decision, &rec.Reviewer, &prevState, &now, &rec.Rationale,
			&rec.Confidence, &rec.Version, &rec.Timestamp); err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		rec.ArticleID = a.ID
		rec.Decision = article.Decision(decision)
		rec.PreviousState = article.State(prevState)
		rec.NewState = article.State(now)
		a.AuditTrail = append(a.AuditTrail, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit entries: %w", err)
	}
	return nil
}

// articleValues returns the column values of a in articleColumns order.
func articleValues(a *article.Article) ([]string, []any, error) {
	tags, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	matches := a.KeywordMatches
	if matches == nil {
		matches = []article.KeywordHit{}
	}
	kw, err := json.Marshal(matches)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal keyword matches: %w", err)
	}
	ents, err := json.Marshal(article.NewEntities(a.Entities))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal entities: %w", err)
	}
	flags, err := json.Marshal(nonNil(a.GuardrailFlags))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal guardrail flags: %w", err)
	}

	var (
		escID, escReason, escRequester, escNote *string
		escPriority                             *float64
		escAt                                   *time.Time
	)
	if e := a.Escalation; e != nil {
		reason := string(e.Reason)
		escID, escReason, escRequester, escNote = &e.ID, &reason, &e.Requester, &e.Note
		escPriority, escAt = &e.PriorityScore, &e.CreatedAt
	}
	var published *time.Time
	if !a.PublishedAt.IsZero() {
		published = &a.PublishedAt
	}

	vals := []any{
		a.ID, string(a.State), a.Title, a.URL, a.URLKey, a.Fingerprint, a.Source, a.Content, a.Summary,
		tags, a.RelevancyScore, a.Rationale, kw, ents, flags,
		a.IsDuplicate, a.ClusterID, a.TriageDecision, a.Confidence,
		escID, escReason, escPriority, escRequester,
		escNote, escAt, published, a.CreatedAt, a.UpdatedAt, a.Version,
	}
	return articleColumns, vals, nil
}

// scanArticle scans one articleColumns row. Returns (nil, nil) when no row is found.
func scanArticle(row pgx.Row) (*article.Article, error) {
	var (
		a                                       article.Article
		state                                   string
		tags, kw, ents, flags                   []byte
		escID, escReason, escRequester, escNote *string
		escPriority                             *float64
		escAt, published                        *time.Time
	)
	err := row.Scan(
		&a.ID, &state, &a.Title, &a.URL, &a.URLKey, &a.Fingerprint, &a.Source, &a.Content, &a.Summary,
		&tags, &a.RelevancyScore, &a.Rationale, &kw, &ents, &flags,
		&a.IsDuplicate, &a.ClusterID, &a.TriageDecision, &a.Confidence,
		&escID, &escReason, &escPriority, &escRequester,
		&escNote, &escAt, &published, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan article: %w", err)
	}

	a.State = article.State(state)
	if err := json.Unmarshal(tags, &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(kw, &a.KeywordMatches); err != nil {
		return nil, fmt.Errorf("unmarshal keyword matches: %w", err)
	}
	if err := json.Unmarshal(ents, &a.Entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	if err := json.Unmarshal(flags, &a.GuardrailFlags); err != nil {
		return nil, fmt.Errorf("unmarshal guardrail flags: %w", err)
	}
	a.Tags = nonNil(a.Tags)
	a.GuardrailFlags = nonNil(a.GuardrailFlags)
	if a.KeywordMatches == nil {
		a.KeywordMatches = []article.KeywordHit{}
	}
	a.Entities = article.NewEntities(a.Entities)
	a.AuditTrail = []article.DecisionRecord{}

	if escID != nil {
		a.Escalation = &article.Escalation{
			ID:            *escID,
			ArticleID:     a.ID,
			Reason:        article.EscalationReason(deref(escReason)),
			PriorityScore: derefFloat(escPriority),
			Requester:     deref(escRequester),
			Note:          deref(escNote),
		}
		if escAt != nil {
			a.Escalation.CreatedAt = *escAt
		}
	}
	if published != nil {
		a.PublishedAt = *published
	}
	return &a, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
