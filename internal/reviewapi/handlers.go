package reviewapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/authmw"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/review"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

// reviewer prefers the authenticated identity over anything in the body.
func reviewer(r *http.Request, fromBody string) string {
	if name, ok := authmw.Reviewer(r.Context()); ok {
		return name
	}
	return fromBody
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var item triage.Item
	if err := decode(r, &item); err != nil {
		a.writeError(w, r, err, "decode ingest payload")
		return
	}

	out, err := a.Triage.Process(r.Context(), item)
	if err != nil {
		a.writeError(w, r, err, "ingest failed", "url", item.URL)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sentinel.article.id", out.ArticleID),
		attribute.String("sentinel.article.state", string(out.State)),
	)

	status := http.StatusCreated
	if out.Skipped || out.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (a *API) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.article.id", id))

	art, ok, err := a.Triage.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get article", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("sentinel.article.state", string(art.State)))
	writeJSON(w, http.StatusOK, art)
}

type decisionBody struct {
	Decision      article.Decision      `json:"decision"`
	Reviewer      string                `json:"reviewer,omitempty"`
	Rationale     string                `json:"rationale,omitempty"`
	Confidence    float64               `json:"confidence"`
	Modifications *review.Modifications `json:"modifications,omitempty"`
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sentinel.article.id", id))

	var body decisionBody
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "decode decision payload")
		return
	}

	res, err := a.Decisions.ProcessDecision(r.Context(), review.Request{
		ArticleID:     id,
		Decision:      body.Decision,
		Reviewer:      reviewer(r, body.Reviewer),
		Rationale:     body.Rationale,
		Confidence:    body.Confidence,
		Modifications: body.Modifications,
	})
	if err != nil {
		a.writeError(w, r, err, "decision failed", "id", id, "decision", body.Decision)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchBody struct {
	Decisions []review.Request `json:"decisions"`
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "decode batch payload")
		return
	}
	switch n := len(body.Decisions); {
	case n == 0:
		a.writeError(w, r, fmt.Errorf("%w: decisions is empty", article.ErrValidation), "batch")
		return
	case n > maxBatchSize:
		a.writeError(w, r, fmt.Errorf("%w: %d decisions exceeds the batch limit of %d", article.ErrValidation, n, maxBatchSize), "batch")
		return
	}

	for i := range body.Decisions {
		body.Decisions[i].Reviewer = reviewer(r, body.Decisions[i].Reviewer)
	}
	writeJSON(w, http.StatusOK, a.Decisions.ProcessBatchDecisions(r.Context(), body.Decisions))
}

type escalateBody struct {
	Reason   article.EscalationReason `json:"reason,omitempty"`
	Note     string                   `json:"note,omitempty"`
	Reviewer string                   `json:"reviewer,omitempty"`
}

func (a *API) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("sentinel.article.id", id))

	var body escalateBody
	if err := decode(r, &body); err != nil {
		a.writeError(w, r, err, "decode escalate payload")
		return
	}
	if body.Reason == "" {
		body.Reason = article.ReasonManualReviewRequested
	}

	art, ok, err := a.Triage.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get article", "id", id)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	// only REVIEW articles can be decided, so only they may sit in the queue
	if art.State != article.StateReview {
		a.writeError(w, r, fmt.Errorf("%w: article %s is %s", article.ErrInvalidTransition, id, art.State), "escalate")
		return
	}

	priority := a.Priority.CalculatePriorityScore(escalation.SignalsFrom(art), body.Reason)
	res, err := a.Queue.AddToQueue(r.Context(), id, body.Reason, priority, escalation.Context{
		Requester: reviewer(r, body.Reviewer),
		Note:      body.Note,
		Title:     art.Title,
		URL:       art.URL,
	})
	if err != nil {
		a.writeError(w, r, err, "escalation failed", "id", id, "reason", body.Reason)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueueLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxQueueLimit {
			a.writeError(w, r, fmt.Errorf("%w: limit must be 1..%d", article.ErrValidation, maxQueueLimit), "queue")
			return
		}
		limit = n
	}

	items, err := a.Queue.Queue(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err, "queue listing failed")
		return
	}
	if items == nil {
		items = []article.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}
