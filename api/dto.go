/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types that
  already carry JSON tags (desk.View, action.Request, bulk.Totals,
  bulk.Result) are returned as is; everything operators type in goes
  through a *Request type first.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  decode (respond.go), which validates and returns field problems as a 400.
  Free text (reasons) is stripped of markup before it reaches a desk.

SEE ALSO:
  - handlers.go: Uses these types
  - backend.go: Upstream contract types
*/
package api

import (
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// InitiateRequest opens an action dialog.
type InitiateRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,max=64"`
	TargetID      string `json:"target_id" validate:"required,max=64"`
}

// ApproveRequest commits the open dialog.
type ApproveRequest struct {
	Reason   string `json:"reason" validate:"required,max=500"`
	AdminPIN string `json:"admin_pin" validate:"required,max=32"`
}

// DiscountDTO is a discount as typed into the batch form.
type DiscountDTO struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Reason string `json:"reason" validate:"max=500"`
}

// BatchRequest is the whole bulk form. Amounts are strings, as typed.
type BatchRequest struct {
	TransactionIDs      []string               `json:"transaction_ids" validate:"required,min=1,max=50,unique,dive,required,max=64"`
	OverdueFeeOverrides map[string]string      `json:"overdue_fee_overrides" validate:"omitempty,dive,numeric"`
	Discounts           map[string]DiscountDTO `json:"discounts" validate:"omitempty,dive"`
	AdminPIN            string                 `json:"admin_pin" validate:"max=32"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// StatusDTO answers GET /api/transactions/{id}/status.
type StatusDTO struct {
	TransactionID   string      `json:"transaction_id"`
	EffectiveStatus pawn.Status `json:"effective_status"`
	CanProcess      bool        `json:"can_process_actions"`
}

// ActionDTO answers the action endpoints. Request is nil when no dialog is open.
type ActionDTO struct {
	Request      *action.Request      `json:"request"`
	Notification *action.Notification `json:"notification,omitempty"`
	Message      string               `json:"message,omitempty"`
}

// BatchDTO answers the bulk endpoints.
type BatchDTO struct {
	Totals bulk.Totals  `json:"totals"`
	Result *bulk.Result `json:"result,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// FieldProblemDTO is one invalid field.
type FieldProblemDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error    string            `json:"error"`
	Details  string            `json:"details,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Problems []FieldProblemDTO `json:"problems,omitempty"`
}
