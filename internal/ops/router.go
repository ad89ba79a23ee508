// Package ops serves the operational HTTP surface of a worker process:
// health, metrics, consumer lag, dead-letter inspection and replay, and
// the event history of an aggregate.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/deadletter"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/worker"
)

// LagReporter reports consumer group backlog.
type LagReporter interface {
	Lag(ctx context.Context) ([]worker.GroupLag, error)
}

// Replayer re-runs dead-lettered handlers.
type Replayer interface {
	Replay(ctx context.Context, id string) error
	ReplayAll(ctx context.Context, filter deadletter.Filter) (int, error)
}

// Reminder publishes renewal reminders for policies nearing expiry.
type Reminder interface {
	RemindExpiring(ctx context.Context) (int, error)
}

// Deps are the components the routes read from. Nil components disable
// their routes.
type Deps struct {
	Events      store.Store
	DeadLetters deadletter.Queue
	Replayer    Replayer
	Lag         LagReporter
	Reminder    Reminder

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

type handlers struct {
	Deps
}

// NewRouter builds the ops router.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	if d.Lag != nil {
		r.Get("/lag", h.lag)
	}
	if d.DeadLetters != nil {
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", h.listDeadLetters)
			r.Get("/counts", h.countDeadLetters)
			r.Get("/{id}", h.getDeadLetter)
			if d.Replayer != nil {
				r.Post("/replay", h.replayAll)
				r.Post("/{id}/replay", h.replay)
			}
		})
	}
	if d.Events != nil {
		r.Get("/aggregates/{id}/events", h.aggregateEvents)
	}
	if d.Reminder != nil {
		r.Post("/policies/reminders", h.remind)
	}
	return r
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) lag(w http.ResponseWriter, r *http.Request) {
	lag, err := h.Lag.Lag(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusServiceUnavailable, err)
		return
	}
	if lag == nil {
		lag = []worker.GroupLag{}
	}
	writeJSON(w, http.StatusOK, lag)
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}
	recs, err := h.DeadLetters.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]deadLetterView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newDeadLetterView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) countDeadLetters(w http.ResponseWriter, r *http.Request) {
	total, err := h.DeadLetters.Count(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	byType, err := h.DeadLetters.CountByType(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "by_type": byType})
}

func (h *handlers) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	rec, err := h.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, deadletter.ErrNotFound) {
		h.fail(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeadLetterView(rec))
}

func (h *handlers) replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Replayer.Replay(r.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrNotFound):
		h.fail(w, r, http.StatusNotFound, err)
	case errors.Is(err, deadletter.ErrNotReplayable):
		h.fail(w, r, http.StatusConflict, err)
	case err != nil:
		h.fail(w, r, http.StatusBadGateway, err)
	default:
		h.Logger.Info("dead letter replayed", slog.String("dead_letter_id", id))
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
	}
}

func (h *handlers) replayAll(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}
	n, err := h.Replayer.ReplayAll(r.Context(), filter)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

func (h *handlers) aggregateEvents(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.fail(w, r, http.StatusBadRequest, errors.New("from must be a sequence number"))
			return
		}
		from = n
	}
	recs, err := store.Collect(h.Events.Read(r.Context(), chi.URLParam(r, "id"), from))
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]eventView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newEventView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) remind(w http.ResponseWriter, r *http.Request) {
	n, err := h.Reminder.RemindExpiring(r.Context())
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"published": n})
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.Logger.Error("ops request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseFilter(r *http.Request) (deadletter.Filter, error) {
	q := r.URL.Query()
	f := deadletter.Filter{
		Group:     q.Get("group"),
		Handler:   q.Get("handler"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("include_resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("include_resolved must be a boolean")
		}
		f.IncludeResolved = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type deadLetterView struct {
	ID            string          `json:"id"`
	Group         string          `json:"group"`
	Handler       string          `json:"handler"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	MessageID     string          `json:"message_id"`
	ErrorMessage  string          `json:"error_message"`
	ErrorCategory string          `json:"error_category"`
	AttemptCount  int             `json:"attempt_count"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

func newDeadLetterView(rec deadletter.Record) deadLetterView {
	v := deadLetterView{
		ID:            rec.ID,
		Group:         rec.Group,
		Handler:       rec.Handler,
		EventID:       rec.Event.ID,
		EventType:     rec.Event.Type,
		AggregateID:   rec.Event.AggregateID,
		MessageID:     rec.MessageID,
		ErrorMessage:  rec.ErrorMessage,
		ErrorCategory: rec.ErrorCategory,
		AttemptCount:  rec.AttemptCount,
		Payload:       rec.Event.Payload,
		FailedAt:      rec.FailedAt,
	}
	if rec.Resolved() {
		at := rec.ResolvedAt
		v.ResolvedAt = &at
	}
	return v
}

type eventView struct {
	Sequence      uint64          `json:"sequence"`
	ID            string          `json:"event_id"`
	Type          string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Published     bool            `json:"published"`
}

func newEventView(rec store.Record) eventView {
	return eventView{
		Sequence:      rec.Sequence,
		ID:            rec.ID,
		Type:          rec.Type,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		CorrelationID: rec.Metadata.CorrelationID,
		CausationID:   rec.Metadata.CausationID,
		ActorID:       rec.Metadata.ActorID,
		Payload:       rec.Payload,
		OccurredAt:    rec.OccurredAt,
		Published:     !rec.PublishedAt.IsZero(),
	}
}
