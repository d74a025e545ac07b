/*
handlers.go - HTTP handlers for the operator desk

PURPOSE:
  Exposes the desk (timeline, effective status, reversible actions and
  the bulk redemption form) as a JSON API for a presentation layer.
  Every request runs against the desk of the operator in its headers.

ENDPOINTS:
  Transactions:
    GET    /api/transactions/{id}/timeline   Merged timeline, status, offered actions
    GET    /api/transactions/{id}/status     Effective status

  Actions ({kind} = payment_reversal | extension_cancellation | transaction_void):
    GET    /api/actions/{kind}               Open dialog, if any
    POST   /api/actions/{kind}/initiate      Open a dialog for a target
    POST   /api/actions/{kind}/approve       Commit with reason and admin PIN
    POST   /api/actions/{kind}/cancel        Close the dialog

  Bulk:
    POST   /api/bulk/totals                  Recompute totals for a batch form
    POST   /api/bulk/submit                  Submit the batch
    GET    /api/bulk/result                  Last submission report

REQUEST FLOW:
  1. Resolve the operator's desk
  2. Decode and validate input
  3. Call the desk intent
  4. Serialize response
  5. Map errors onto HTTP statuses (respond.go)

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: Missing operator, rejected admin PIN
  - 403: Operator lacks the role
  - 404: Transaction or target not found
  - 409: Already processed, or a commit is in flight
  - 422: Business rule blocks the action
  - 504: Commit timed out (retry with the same dialog)

SEE ALSO:
  - dto.go: Request/response data structures
  - backend.go: Upstream contract served from a store
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/desk"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Desks     *Registry
	Scenarios *ScenarioLoader
	Logger    *slog.Logger
}

// NewHandler creates a handler serving desks from reg. scenarios may be nil.
func NewHandler(reg *Registry, scenarios *ScenarioLoader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Desks: reg, Scenarios: scenarios, Logger: logger}
}

func (h *Handler) deskFor(r *http.Request) *desk.Desk {
	actor, _ := pawn.ActorFrom(r.Context())
	return h.Desks.Desk(actor)
}

func kindParam(r *http.Request) (action.Kind, error) {
	k, err := action.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		v := &pawn.ValidationError{}
		v.Add("kind", err.Error())
		return "", v
	}
	return k, nil
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetTimeline returns the merged view of one transaction.
// GET /api/transactions/{id}/timeline
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	v, err := h.deskFor(r).View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetStatus returns the effective status.
// GET /api/transactions/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.deskFor(r).EffectiveStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusDTO{
		TransactionID:   id,
		EffectiveStatus: status,
		CanProcess:      pawn.CanProcessActions(status),
	})
}

// =============================================================================
// ACTION HANDLERS
// =============================================================================

// GetAction returns the open dialog of a kind.
// GET /api/actions/{kind}
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	req, ok, err := h.deskFor(r).CurrentAction(kind)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, ActionDTO{})
		return
	}
	writeJSON(w, http.StatusOK, ActionDTO{Request: &req})
}

// InitiateAction opens a dialog. A denied eligibility check is a dialog
// state, not an HTTP error.
// POST /api/actions/{kind}/initiate
func (h *Handler) InitiateAction(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	var in InitiateRequest
	if err := decode(r, &in); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}

	req, err := h.deskFor(r).InitiateAction(r.Context(), kind, in.TransactionID, in.TargetID)
	var inel *pawn.IneligibleError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ActionDTO{Request: &req})
	case errors.As(err, &inel) && req.State == action.StateEligibilityDenied:
		writeJSON(w, http.StatusOK, ActionDTO{Request: &req, Message: inel.Reason})
	default:
		writeDomainError(w, h.Logger, err)
	}
}

// ApproveAction commits the open dialog.
// POST /api/actions/{kind}/approve
func (h *Handler) ApproveAction(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	var in ApproveRequest
	if err := decode(r, &in); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}

	out, err := h.deskFor(r).ApproveAction(r.Context(), kind, action.Approval{
		Reason:   sanitize(in.Reason),
		AdminPIN: in.AdminPIN,
	})
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionDTO{Request: &out.Request, Notification: &out.Notification})
}

// CancelAction closes the dialog.
// POST /api/actions/{kind}/cancel
func (h *Handler) CancelAction(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	if err := h.deskFor(r).CancelAction(kind); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionDTO{})
}

// =============================================================================
// BULK HANDLERS
// =============================================================================

// applyBatch replaces the desk's batch with the form in.
func (h *Handler) applyBatch(r *http.Request, d *desk.Desk, in BatchRequest) error {
	ctx := r.Context()
	if err := d.LoadBatch(ctx, nil); err != nil {
		return err
	}
	if err := d.LoadBatch(ctx, in.TransactionIDs); err != nil {
		return err
	}
	for id, amount := range in.OverdueFeeOverrides {
		if err := d.SetOverdueFeeOverride(id, amount); err != nil {
			return err
		}
	}
	for id, disc := range in.Discounts {
		if err := d.AddDiscount(id, disc.Amount, sanitize(disc.Reason)); err != nil {
			return err
		}
	}
	d.SetAdminPIN(in.AdminPIN)
	return nil
}

// BulkTotals recomputes totals for a batch form.
// POST /api/bulk/totals
func (h *Handler) BulkTotals(w http.ResponseWriter, r *http.Request) {
	var in BatchRequest
	if err := decode(r, &in); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	d := h.deskFor(r)
	if err := h.applyBatch(r, d, in); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchDTO{Totals: d.BatchTotals()})
}

// BulkSubmit submits a batch form. Partial success is a 200; the
// per-item errors are in the result.
// POST /api/bulk/submit
func (h *Handler) BulkSubmit(w http.ResponseWriter, r *http.Request) {
	var in BatchRequest
	if err := decode(r, &in); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	d := h.deskFor(r)
	if err := h.applyBatch(r, d, in); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	res, err := d.SubmitBatch(r.Context())
	if err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchDTO{Totals: d.BatchTotals(), Result: &res})
}

// BulkResult returns the last submission report.
// GET /api/bulk/result
func (h *Handler) BulkResult(w http.ResponseWriter, r *http.Request) {
	d := h.deskFor(r)
	res, ok := d.LastBatchResult()
	if !ok {
		writeError(w, http.StatusNotFound, "No batch submitted yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, BatchDTO{Totals: d.BatchTotals(), Result: &res})
}
