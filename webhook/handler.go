package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/xraph/tally"
)

// MaxBodyBytes bounds a webhook request body.
const MaxBodyBytes = 65536

// SignatureHeader carries the Stripe signature.
const SignatureHeader = "Stripe-Signature"

// Handler serves the webhook endpoint. Responses follow the provider's
// retry contract: 400 for deliveries that are not authentic, 500 for
// transient failures the provider should retry, 200 for everything else
// including rejected events.
type Handler struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewHandler creates the HTTP endpoint for r.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{reconciler: r, logger: r.logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	out, err := h.reconciler.Handle(req.Context(), body, req.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, tally.ErrSignatureInvalid), errors.Is(err, tally.ErrMalformedEvent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid webhook"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"status":   out.Status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
