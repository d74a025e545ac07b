/*
backend.go - The upstream REST contract, served from a desk.Backend

PURPOSE:
  remote.Client speaks this contract. Serving it from the local store
  lets one process act as the upstream for desks running elsewhere, and
  lets the client be tested against the real thing.

ENDPOINTS (mounted under /backend):
  GET    /transactions/{id}
  GET    /transactions/{id}/payments
  GET    /transactions/{id}/extensions
  GET    /transactions/{id}/audit-logs?limit=N
  POST   /actions/{kind}/{targetID}/eligibility
  POST   /actions/{kind}/{targetID}/commit         {reason, admin_pin}
  POST   /bulk-redemptions                         batch document

  Lists are bare JSON arrays. A rule blocking a commit answers 422 with
  the reason in the body.

SEE ALSO:
  - remote/client.go: the client side
  - store/backend.go: the rules behind these endpoints
*/
package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/desk"
	"github.com/warp/pawn-desk/pawn"
)

// BackendHandler serves the upstream contract.
type BackendHandler struct {
	Backend desk.Backend
	Logger  *slog.Logger
}

func NewBackendHandler(b desk.Backend, logger *slog.Logger) *BackendHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackendHandler{Backend: b, Logger: logger}
}

// Routes returns the contract as a router. Callers mount it and put the
// operator in the context first (ActorFromHeaders).
func (b *BackendHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/transactions/{id}", b.getTransaction)
	r.Get("/transactions/{id}/payments", b.getPayments)
	r.Get("/transactions/{id}/extensions", b.getExtensions)
	r.Get("/transactions/{id}/audit-logs", b.getAuditLogs)
	r.Post("/actions/{kind}/{targetID}/eligibility", b.postEligibility)
	r.Post("/actions/{kind}/{targetID}/commit", b.postCommit)
	r.Post("/bulk-redemptions", b.postBulk)
	return r
}

// =============================================================================
// READS
// =============================================================================

func (b *BackendHandler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := b.Backend.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (b *BackendHandler) getPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := b.Backend.Payments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	if ps == nil {
		ps = []pawn.Payment{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (b *BackendHandler) getExtensions(w http.ResponseWriter, r *http.Request) {
	es, err := b.Backend.Extensions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	if es == nil {
		es = []pawn.Extension{}
	}
	writeJSON(w, http.StatusOK, es)
}

func (b *BackendHandler) getAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			v := &pawn.ValidationError{}
			v.Add("limit", "must be a positive integer")
			writeDomainError(w, b.Logger, v)
			return
		}
		limit = n
	}
	entries, err := b.Backend.AuditEntries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	if entries == nil {
		entries = []pawn.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// ACTIONS AND BULK
// =============================================================================

func (b *BackendHandler) postEligibility(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	e, err := b.Backend.CheckEligibility(r.Context(), kind, chi.URLParam(r, "targetID"))
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (b *BackendHandler) postCommit(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	var approval action.Approval
	if err := decode(r, &approval); err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	approval.Reason = sanitize(approval.Reason)

	res, err := b.Backend.Commit(r.Context(), kind, chi.URLParam(r, "targetID"), approval)
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (b *BackendHandler) postBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := pawn.ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing "+HeaderActorID+" header", nil)
		return
	}
	var batch bulk.Batch
	if err := decode(r, &batch); err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	for id, d := range batch.Discounts {
		d.Reason = sanitize(d.Reason)
		batch.Discounts[id] = d
	}
	res, err := b.Backend.SubmitBulkRedemption(r.Context(), actor, batch)
	if err != nil {
		writeDomainError(w, b.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
