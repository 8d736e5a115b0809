package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cmarchant/payhook/internal/pkg/ctxlog"
	"github.com/cmarchant/payhook/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps inbound webhook bodies. Provider events are small; a
// larger body is not a legitimate delivery.
const maxBodyBytes = 1 << 20

// EventProcessor handles one verified event.
type EventProcessor interface {
	Process(ctx context.Context, env *Envelope) error
}

// Handler exposes the inbound webhook endpoint.
type Handler struct {
	verifier  *Verifier
	processor EventProcessor
}

// NewHandler creates the webhook handler.
func NewHandler(verifier *Verifier, processor EventProcessor) *Handler {
	return &Handler{verifier: verifier, processor: processor}
}

// RegisterRoutes registers the webhook ingestion route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/payments", h.Receive)
}

// Receive verifies, classifies and processes one provider delivery. Any
// 2xx-acknowledged outcome returns `{"received": true}`; non-2xx tells the
// provider to redeliver.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		recordDelivery("rejected_body")
		httputil.Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		recordDelivery("rejected_signature")
		ctxlog.FromContext(r.Context()).Warn("webhook signature rejected", "error", err)
		httputil.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		recordDelivery("rejected_envelope")
		ctxlog.FromContext(r.Context()).Warn("malformed event envelope", "error", err)
		httputil.Error(w, http.StatusBadRequest, "malformed event")
		return
	}

	ctx := ctxlog.With(r.Context(), "event_id", env.ID, "event_type", env.Type)
	ctxlog.FromContext(ctx).Info("webhook event received")

	if err := h.processor.Process(ctx, env); err != nil {
		recordDelivery("failed")
		// Redelivery is safe: everything before the transition is
		// idempotent, and completed transitions return nil.
		if errors.Is(err, context.Canceled) {
			httputil.Error(w, httpStatusClientClosedRequest, "request cancelled")
			return
		}
		ctxlog.FromContext(ctx).Error("event processing failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	recordDelivery("acknowledged")
	httputil.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

// 499 in the nginx convention.
const httpStatusClientClosedRequest = 499
