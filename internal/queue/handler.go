package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cmarchant/payhook/internal/pkg/ctxlog"
	"github.com/cmarchant/payhook/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Dead-letter listing limits.
const (
	DefaultDeadLetterLimit = 50
	MaxDeadLetterLimit     = 200
)

// ErrUnknownQueue is returned for an unrecognized queue path segment.
var ErrUnknownQueue = errors.New("unknown queue")

// DrainTrigger runs one drain cycle on demand.
type DrainTrigger interface {
	Drain(ctx context.Context) (*Summary, error)
}

// Handler exposes the operator queue API: enqueue, manual drains, stats and
// dead-letter tooling.
type Handler struct {
	stores    map[Kind]Store
	drainers  map[Kind]DrainTrigger
	validator *validator.Validate
}

// NewHandler creates the queue handler.
func NewHandler(emailStore, webhookRetryStore Store, emailDrainer, webhookRetryDrainer DrainTrigger) *Handler {
	return &Handler{
		stores: map[Kind]Store{
			KindEmail:        emailStore,
			KindWebhookRetry: webhookRetryStore,
		},
		drainers: map[Kind]DrainTrigger{
			KindEmail:        emailDrainer,
			KindWebhookRetry: webhookRetryDrainer,
		},
		validator: validator.New(),
	}
}

// RegisterRoutes registers the operator queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queues", func(r chi.Router) {
		r.Post("/email", h.EnqueueEmail)
		r.Route("/{kind}", func(r chi.Router) {
			r.Post("/drain", h.TriggerDrain)
			r.Get("/stats", h.GetStats)
			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/dead-letters/{id}/requeue", h.RequeueDeadLetter)
		})
	})
}

// kindFromURL maps the path segment to a queue kind.
func kindFromURL(segment string) (Kind, error) {
	switch segment {
	case "email":
		return KindEmail, nil
	case "webhook-retries":
		return KindWebhookRetry, nil
	default:
		return "", ErrUnknownQueue
	}
}

type enqueueEmailRequest struct {
	To             string            `json:"to" validate:"required,email"`
	Subject        string            `json:"subject" validate:"required,max=500"`
	Body           string            `json:"body" validate:"required"`
	MaxAttempts    int               `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	InitialDelayMs int64             `json:"initial_delay_ms" validate:"omitempty,min=0"`
	Metadata       map[string]string `json:"metadata"`
}

// EnqueueEmail queues an outbound email.
func (h *Handler) EnqueueEmail(w http.ResponseWriter, r *http.Request) {
	var req enqueueEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if req.MaxAttempts == 0 {
		req.MaxAttempts = 3
	}

	payload, err := json.Marshal(EmailPayload{To: req.To, Subject: req.Subject, Body: req.Body})
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "failed to encode payload")
		return
	}

	id, err := h.stores[KindEmail].Enqueue(r.Context(), EnqueueInput{
		Payload:     payload,
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.InitialDelayMs) * time.Millisecond,
		Metadata:    req.Metadata,
	})
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to enqueue email", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to enqueue")
		return
	}

	ctxlog.FromContext(r.Context()).Info("email enqueued", "item_id", id, "subject", req.Subject)
	httputil.JSON(w, http.StatusCreated, map[string]string{"id": id})
}

// TriggerDrain runs one drain cycle and returns its summary.
func (h *Handler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	kind, err := kindFromURL(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "unknown queue")
		return
	}

	summary, err := h.drainers[kind].Drain(r.Context())
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("manual drain failed", "kind", kind, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "drain failed")
		return
	}

	httputil.JSON(w, http.StatusOK, summary)
}

type statsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`
}

// GetStats returns per-status item counts for one queue.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	kind, err := kindFromURL(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "unknown queue")
		return
	}

	stats, err := h.stores[kind].Stats(r.Context())
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to read queue stats", "kind", kind, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to read stats")
		return
	}

	httputil.JSON(w, http.StatusOK, statsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		DeadLetter: stats.DeadLetter,
	})
}

type deadLetterItem struct {
	ID          string            `json:"id"`
	Payload     json.RawMessage   `json:"payload"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	LastError   string            `json:"last_error"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ListDeadLetters returns dead-lettered items for manual inspection.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	kind, err := kindFromURL(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "unknown queue")
		return
	}

	limit := DefaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(parsed, MaxDeadLetterLimit)
	}

	items, err := h.stores[kind].ListDeadLetters(r.Context(), limit)
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to list dead letters", "kind", kind, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	out := make([]deadLetterItem, 0, len(items))
	for _, item := range items {
		out = append(out, deadLetterItem{
			ID:          item.ID,
			Payload:     item.Payload,
			Attempts:    item.Attempts,
			MaxAttempts: item.MaxAttempts,
			LastError:   item.LastError,
			Metadata:    item.Metadata,
			CreatedAt:   item.CreatedAt,
			UpdatedAt:   item.UpdatedAt,
		})
	}

	httputil.JSON(w, http.StatusOK, map[string]any{"items": out})
}

var requeueErrorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound},
	{Error: ErrItemNotDeadLetter, Status: http.StatusConflict},
}

// RequeueDeadLetter puts a dead-lettered item back in rotation with a fresh
// attempt budget.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	kind, err := kindFromURL(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "unknown queue")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.stores[kind].Requeue(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, requeueErrorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("dead-letter item requeued", "kind", kind, "item_id", id)
	httputil.JSON(w, http.StatusOK, map[string]string{"id": id, "status": string(StatusPending)})
}
