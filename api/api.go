// Package api exposes the ledger over HTTP: account balances and
// transaction logs, priced usage debits, and the Stripe webhook endpoint.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/webhook"
)

// MaxRequestBytes bounds a JSON request body.
const MaxRequestBytes = 1 << 20

// Handler serves the HTTP routes.
type Handler struct {
	ledger     *tally.Ledger
	reconciler *webhook.Reconciler
	logger     *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithReconciler mounts the webhook endpoint.
func WithReconciler(r *webhook.Reconciler) Option {
	return func(h *Handler) { h.reconciler = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates the HTTP surface for l.
func NewHandler(l *tally.Ledger, opts ...Option) *Handler {
	h := &Handler{ledger: l, logger: l.Logger()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers every endpoint under basePath on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, basePath string) {
	base := strings.TrimRight(basePath, "/")
	if h.reconciler != nil {
		mux.Handle("POST "+base+"/webhooks/stripe", webhook.NewHandler(h.reconciler))
	}
	mux.HandleFunc("POST "+base+"/v1/accounts", h.handleOpenAccount)
	mux.HandleFunc("GET "+base+"/v1/accounts/{id}/balance", h.handleBalance)
	mux.HandleFunc("GET "+base+"/v1/accounts/{id}/transactions", h.handleTransactions)
	mux.HandleFunc("POST "+base+"/v1/usage", h.handleUsage)
}

// ---------- POST /v1/accounts ----------

type openAccountRequest struct {
	Kind     account.Kind      `json:"kind"`
	OwnerID  string            `json:"owner_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.ledger.OpenAccount(r.Context(), req.Kind, req.OwnerID, tally.AccountOpts{Metadata: req.Metadata})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ---------- GET /v1/accounts/{id}/balance ----------

type balanceResponse struct {
	AccountID id.AccountID `json:"account_id"`
	Balance   tally.Money  `json:"balance"`
	Display   string       `json:"display"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathAccountID(w, r)
	if !ok {
		return
	}
	bal, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: bal, Display: bal.String()})
}

// ---------- GET /v1/accounts/{id}/transactions ----------

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathAccountID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := account.ListOpts{Type: account.TxType(q.Get("type"))}
	for key, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + key})
			return
		}
		*dst = n
	}
	if opts.Type != "" && !opts.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown transaction type"})
		return
	}

	txs, err := h.ledger.Transactions(r.Context(), accountID, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*account.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// ---------- POST /v1/usage ----------

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req tally.Usage
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID.IsNil() || req.ModelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id and model_id are required"})
		return
	}
	rec, err := h.ledger.Charge(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------- helpers ----------

func pathAccountID(w http.ResponseWriter, r *http.Request) (id.AccountID, bool) {
	accountID, err := id.ParseAccountID(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return id.AccountID{}, false
	}
	return accountID, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// StatusFor maps a ledger error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, tally.ErrUnknownModel),
		errors.Is(err, tally.ErrInvalidInput),
		errors.Is(err, tally.ErrInvalidAmount),
		errors.Is(err, tally.ErrCurrencyMismatch),
		errors.Is(err, tally.ErrNoResolver):
		return http.StatusBadRequest
	case errors.Is(err, tally.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case tally.IsNotFound(err):
		return http.StatusNotFound
	case tally.IsRetryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("api: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
