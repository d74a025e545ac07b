/*
Package bulk computes and submits multi-transaction redemptions.

PURPOSE:
  An operator picks up to 50 loans, optionally replaces each one's overdue
  fee with a manual figure and grants discounts, then redeems them in one
  call. The totals shown before submission must match what each loan would
  cost if redeemed on its own.

ARITHMETIC:
  The stored current balance already contains the overdue fee the backend
  last computed. A manual override replaces that component:

    due = max(0, current - existingOverdueFee + overrideFee - discount)

  Without an override, overrideFee = existingOverdueFee.

VALIDATION:
  - at most 50 transactions, no duplicates
  - a discount with amount > 0 needs a reason
  - one admin PIN per batch, required only when a valid discount exists

SEE ALSO:
  - aggregate.go: per-line and batch totals
  - session.go: the editable batch and its submission
*/
package bulk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/pawn"
)

// MaxBatchSize is the most transactions one submission may carry.
const MaxBatchSize = 50

// Discount is an admin-approved reduction on one transaction.
type Discount struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// Valid reports whether the discount will be applied: positive amount and
// a non-blank reason.
func (d Discount) Valid() bool {
	return d.Amount.IsPositive() && strings.TrimSpace(d.Reason) != ""
}

// Batch is the redemption being prepared.
type Batch struct {
	ID                  string                     `json:"batch_id,omitempty"`
	TransactionIDs      []string                   `json:"transaction_ids" validate:"required,min=1,max=50,unique,dive,required"`
	OverdueFeeOverrides map[string]decimal.Decimal `json:"overdue_fee_overrides,omitempty"`
	Discounts           map[string]Discount        `json:"discounts,omitempty"`
	AdminPIN            string                     `json:"admin_pin,omitempty"`
}

// Contains reports whether id is part of the batch.
func (b Batch) Contains(id string) bool {
	for _, x := range b.TransactionIDs {
		if x == id {
			return true
		}
	}
	return false
}

// HasValidDiscount reports whether any discount will be applied.
func (b Batch) HasValidDiscount() bool {
	for _, d := range b.Discounts {
		if d.Valid() {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no maps or slices with b.
func (b Batch) Clone() Batch {
	out := b
	out.TransactionIDs = append([]string(nil), b.TransactionIDs...)
	if b.OverdueFeeOverrides != nil {
		out.OverdueFeeOverrides = make(map[string]decimal.Decimal, len(b.OverdueFeeOverrides))
		for k, v := range b.OverdueFeeOverrides {
			out.OverdueFeeOverrides[k] = v
		}
	}
	if b.Discounts != nil {
		out.Discounts = make(map[string]Discount, len(b.Discounts))
		for k, v := range b.Discounts {
			out.Discounts[k] = v
		}
	}
	return out
}

// Submission is the payload sent to the backend: discounts that would not
// apply are dropped, reasons are trimmed, and the PIN is only sent when a
// discount needs it. A batch id is assigned if missing.
func (b Batch) Submission() Batch {
	out := b.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Discounts = nil
	for id, d := range b.Discounts {
		if !d.Valid() {
			continue
		}
		if out.Discounts == nil {
			out.Discounts = make(map[string]Discount)
		}
		out.Discounts[id] = Discount{Amount: d.Amount, Reason: strings.TrimSpace(d.Reason)}
	}
	if out.Discounts == nil {
		out.AdminPIN = ""
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = validator.New()

// Validate checks b before submission. Every problem is reported at once
// as a *pawn.ValidationError.
func Validate(b Batch) error {
	problems := &pawn.ValidationError{}

	if err := validate.Struct(b); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate batch: %w", err)
		}
		for _, fe := range fieldErrs {
			problems.Add("transaction_ids", describeTag(fe))
		}
	}

	for id, fee := range b.OverdueFeeOverrides {
		if fee.IsNegative() {
			problems.Add("overdue_fee_overrides."+id, "must not be negative")
		}
		if !b.Contains(id) {
			problems.Add("overdue_fee_overrides."+id, "transaction is not in the batch")
		}
	}

	for id, d := range b.Discounts {
		if d.Amount.IsNegative() {
			problems.Add("discounts."+id+".amount", "must not be negative")
		}
		if d.Amount.IsPositive() && strings.TrimSpace(d.Reason) == "" {
			problems.Add("discounts."+id+".reason", "a reason is required for a discount")
		}
		if !b.Contains(id) {
			problems.Add("discounts."+id, "transaction is not in the batch")
		}
	}

	if b.HasValidDiscount() && strings.TrimSpace(b.AdminPIN) == "" {
		problems.Add("admin_pin", "admin PIN is required when a discount is applied")
	}

	return problems.OrNil()
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Field() == "TransactionIDs" {
			return "at least one transaction is required"
		}
		return "transaction id must not be empty"
	case "min":
		return "at least one transaction is required"
	case "max":
		return fmt.Sprintf("at most %d transactions per batch", MaxBatchSize)
	case "unique":
		return "transaction ids must be unique"
	}
	return fmt.Sprintf("failed %q rule", fe.Tag())
}
