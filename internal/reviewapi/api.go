// Package reviewapi is the HTTP surface for ingestion, reviewer decisions
// and the escalation queue.
package reviewapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/review"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 500
	maxBatchSize      = 100
)

// TriageService is the ingestion side.
type TriageService interface {
	Process(ctx context.Context, item triage.Item) (*triage.Outcome, error)
	Get(ctx context.Context, id string) (*article.Article, bool, error)
}

// DecisionService applies reviewer decisions.
type DecisionService interface {
	ProcessDecision(ctx context.Context, req review.Request) (*review.Result, error)
	ProcessBatchDecisions(ctx context.Context, reqs []review.Request) *review.BatchResult
}

// QueueService manages the escalation queue.
type QueueService interface {
	AddToQueue(ctx context.Context, articleID string, reason article.EscalationReason, priority float64, ec escalation.Context) (*escalation.Result, error)
	Queue(ctx context.Context, limit int) ([]article.QueueItem, error)
}

// Deps are the API collaborators. Auth may be nil, in which case the
// reviewer must be named in each request body.
type Deps struct {
	Triage    TriageService
	Decisions DecisionService
	Queue     QueueService
	Priority  *escalation.PriorityCalculator
	Auth      func(http.Handler) http.Handler
}

// API holds dependencies for HTTP handlers.
type API struct {
	Deps
	logger log.Logger
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	switch {
	case deps.Triage == nil:
		panic(xerrors.New("triage service is required"))
	case deps.Decisions == nil:
		panic(xerrors.New("decision service is required"))
	case deps.Queue == nil:
		panic(xerrors.New("queue service is required"))
	}
	if deps.Priority == nil {
		deps.Priority = escalation.NewPriorityCalculator(escalation.DefaultPriorityConfig(), nil)
	}
	return &API{Deps: deps, logger: logger}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.Auth != nil {
			r.Use(a.Auth)
		}
		r.Post("/articles", a.handleIngest)
		r.Get("/articles/{id}", a.handleGetArticle)
		r.Post("/articles/{id}/decision", a.handleDecision)
		r.Post("/articles/{id}/escalate", a.handleEscalate)
		r.Post("/decisions/batch", a.handleBatch)
		r.Get("/queue", a.handleQueue)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Unknown errors are logged
// and reported as a bare 500.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, article.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, article.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, article.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, article.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, article.ErrUpstream):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
		http.Error(w, `{"error":"internal error"}`, status)
		return
	}
	if status == http.StatusBadGateway {
		a.logger.Warn(r.Context(), msg, append(kv, "err", err)...)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", article.ErrValidation, err)
	}
	return nil
}
