package action

import (
	"fmt"
	"time"

	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// STRATEGY - Per-kind behaviour plugged into the Engine
// =============================================================================

// PatchInput is everything a strategy needs to build an optimistic patch.
type PatchInput struct {
	Snapshot pawn.Transaction
	TargetID string
	Result   CommitResult
	Reason   string
	Now      time.Time
}

// Strategy captures how one action kind differs from the others.
type Strategy struct {
	Kind  Kind
	Title string

	// RequireAdmin rejects non-admins before any backend call.
	RequireAdmin bool

	// RequireProcessableStatus rejects targets whose transaction no longer
	// accepts actions (effective status outside active/overdue/extended).
	RequireProcessableStatus bool

	// SameDayGate limits the action to targets dated within the current
	// business day. Display-level only; the backend enforces its own rule.
	SameDayGate bool

	// Locate finds the target in the snapshot and returns its event time.
	// ErrNotFound when missing, ErrConflict when already processed.
	Locate func(tx pawn.Transaction, targetID string) (pawn.Timestamp, error)

	// Patch returns a new transaction reflecting the committed action.
	Patch func(in PatchInput) pawn.Transaction

	// Describe renders the success notification body.
	Describe func(in PatchInput, patched pawn.Transaction) string
}

// =============================================================================
// PAYMENT REVERSAL
// =============================================================================

// PaymentReversal reverses a single payment. adminPrecheck controls
// whether non-admins are stopped locally or left to the eligibility check.
func PaymentReversal(adminPrecheck bool) Strategy {
	return Strategy{
		Kind:         KindPaymentReversal,
		Title:        "Payment Reversed",
		RequireAdmin: adminPrecheck,
		SameDayGate:  true,
		Locate: func(tx pawn.Transaction, id string) (pawn.Timestamp, error) {
			p, ok := tx.Payment(id)
			if !ok {
				return pawn.Timestamp{}, fmt.Errorf("payment %s: %w", id, pawn.ErrNotFound)
			}
			if p.IsReversed {
				return pawn.Timestamp{}, fmt.Errorf("payment %s already reversed: %w", id, pawn.ErrConflict)
			}
			return p.OccurredAt(), nil
		},
		Patch:    patchReversal,
		Describe: describeReversal,
	}
}

func patchReversal(in PatchInput) pawn.Transaction {
	out := in.Snapshot.Clone()

	refunded := in.Result.RefundedAmount
	for i := range out.Payments {
		if out.Payments[i].ID != in.TargetID {
			continue
		}
		out.Payments[i].IsReversed = true
		out.Payments[i].ReversalReason = in.Reason
		out.Payments[i].ReversedAt = pawn.At(in.Now)
		if refunded.IsZero() {
			refunded = out.Payments[i].Amount
		}
	}

	if in.Result.Balances != nil {
		out.Balances = *in.Result.Balances
	} else {
		out.Balances.Current = out.Balances.Current.Add(refunded)
	}

	switch {
	case in.Result.RestoredStatus != "":
		out.StoredStatus = in.Result.RestoredStatus
	case out.StoredStatus == pawn.StatusRedeemed:
		out.StoredStatus = statusByMaturity(out.MaturityDate, in.Now)
	}
	return out
}

func describeReversal(in PatchInput, patched pawn.Transaction) string {
	amount := in.Result.RefundedAmount
	if amount.IsZero() {
		if p, ok := in.Snapshot.Payment(in.TargetID); ok {
			amount = p.Amount
		}
	}
	return fmt.Sprintf("Payment of %s reversed. Balance restored to %s.",
		pawn.FormatMoney(amount), pawn.FormatMoney(patched.Balances.Current))
}

// =============================================================================
// EXTENSION CANCELLATION
// =============================================================================

func ExtensionCancellation() Strategy {
	return Strategy{
		Kind:                     KindExtensionCancellation,
		Title:                    "Extension Cancelled",
		RequireAdmin:             true,
		RequireProcessableStatus: true,
		SameDayGate:              true,
		Locate: func(tx pawn.Transaction, id string) (pawn.Timestamp, error) {
			e, ok := tx.Extension(id)
			if !ok {
				return pawn.Timestamp{}, fmt.Errorf("extension %s: %w", id, pawn.ErrNotFound)
			}
			if e.IsCancelled {
				return pawn.Timestamp{}, fmt.Errorf("extension %s already cancelled: %w", id, pawn.ErrConflict)
			}
			return e.OccurredAt(), nil
		},
		Patch:    patchCancellation,
		Describe: describeCancellation,
	}
}

func patchCancellation(in PatchInput) pawn.Transaction {
	out := in.Snapshot.Clone()

	restored := in.Result.RestoredMaturityDate
	for i := range out.Extensions {
		if out.Extensions[i].ID != in.TargetID {
			continue
		}
		out.Extensions[i].IsCancelled = true
		out.Extensions[i].CancellationReason = in.Reason
		if restored.IsZero() {
			restored = out.Extensions[i].PreviousMaturityDate
		}
	}
	if !restored.IsZero() {
		out.MaturityDate = restored
	}
	if in.Result.Balances != nil {
		out.Balances = *in.Result.Balances
	}

	switch {
	case in.Result.RestoredStatus != "":
		out.StoredStatus = in.Result.RestoredStatus
	case out.StoredStatus == pawn.StatusExtended && !pawn.HasActiveExtension(out.Extensions):
		out.StoredStatus = statusByMaturity(out.MaturityDate, in.Now)
	}
	return out
}

func describeCancellation(in PatchInput, patched pawn.Transaction) string {
	fee := in.Result.RefundedAmount
	if fee.IsZero() {
		if e, ok := in.Snapshot.Extension(in.TargetID); ok {
			fee = e.Fee
		}
	}
	msg := fmt.Sprintf("Extension cancelled. Fee of %s refunded.", pawn.FormatMoney(fee))
	if d := patched.MaturityDate.DateString(); d != "" {
		msg += fmt.Sprintf(" Maturity date restored to %s.", d)
	}
	return msg
}

// =============================================================================
// TRANSACTION VOID
// =============================================================================

func TransactionVoid() Strategy {
	return Strategy{
		Kind:                     KindTransactionVoid,
		Title:                    "Transaction Voided",
		RequireAdmin:             true,
		RequireProcessableStatus: true,
		Locate: func(tx pawn.Transaction, id string) (pawn.Timestamp, error) {
			if tx.ID != id {
				return pawn.Timestamp{}, fmt.Errorf("transaction %s: %w", id, pawn.ErrNotFound)
			}
			if tx.StoredStatus == pawn.StatusVoided {
				return pawn.Timestamp{}, fmt.Errorf("transaction %s already voided: %w", id, pawn.ErrConflict)
			}
			return pawn.Timestamp{}, nil
		},
		Patch: func(in PatchInput) pawn.Transaction {
			out := in.Snapshot.Clone()
			out.StoredStatus = pawn.StatusVoided
			if in.Result.Balances != nil {
				out.Balances = *in.Result.Balances
			}
			return out
		},
		Describe: func(in PatchInput, patched pawn.Transaction) string {
			return fmt.Sprintf("Transaction voided. Status set to %s.", patched.StoredStatus)
		},
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func statusByMaturity(maturity pawn.Timestamp, now time.Time) pawn.Status {
	if !maturity.IsZero() && maturity.Time.Before(now) {
		return pawn.StatusOverdue
	}
	return pawn.StatusActive
}
