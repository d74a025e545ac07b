/*
Package timeline merges payments, extensions and audit-log entries into one
newest-first activity feed per transaction.

PURPOSE:
  The backend keeps three independent sources for what happened to a loan.
  Operators want one list. This package normalizes the sources into a
  single Event shape, removes audit rows that duplicate or contradict the
  payment records, and orders the result with business tie-breaks.

PIPELINE:
  raw payments ─┐
  raw extensions┼──▶ Normalize ──▶ Merge ──▶ []Event (newest first)
  raw audits ───┘         │            │
                          │            ├─ collapse redemption + payment audits
                          │            └─ order: time desc, priority inside tie window
                          └─ sequence numbers, epoch for bad dates

GUARANTEES:
  - Pure: no I/O, no mutation of inputs
  - Total: every input produces a list, nothing panics

SEE ALSO:
  - normalize.go: source -> Event
  - merge.go: collapsing and ordering
*/
package timeline

import (
	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// EVENT
// =============================================================================

type Kind string

const (
	KindPayment   Kind = "payment"
	KindExtension Kind = "extension"
	KindAudit     Kind = "audit"
)

// Event is one row of the merged timeline. Exactly one of Payment,
// Extension or Audit is set, matching Kind.
type Event struct {
	Kind          Kind           `json:"kind"`
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id,omitempty"`
	OccurredAt    pawn.Timestamp `json:"occurred_at"`
	ActorID       string         `json:"actor_id,omitempty"`

	Payment   *PaymentDetail   `json:"payment,omitempty"`
	Extension *ExtensionDetail `json:"extension,omitempty"`
	Audit     *AuditDetail     `json:"audit,omitempty"`
}

type PaymentDetail struct {
	Amount         decimal.Decimal `json:"amount"`
	SequenceIndex  int             `json:"sequence_index"`
	IsReversed     bool            `json:"is_reversed"`
	ReversalReason string          `json:"reversal_reason,omitempty"`
}

type ExtensionDetail struct {
	Months             int             `json:"months"`
	Fee                decimal.Decimal `json:"fee"`
	SequenceIndex      int             `json:"sequence_index"`
	IsCancelled        bool            `json:"is_cancelled"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	NewMaturityDate    pawn.Timestamp  `json:"new_maturity_date"`
}

type AuditDetail struct {
	ActionType    string `json:"action_type"`
	ActionSummary string `json:"action_summary"`
	PreviousValue string `json:"previous_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
	Details       string `json:"details,omitempty"`
	RelatedID     string `json:"related_id,omitempty"`

	// Collapsed marks an event synthesized from a redemption audit and
	// its payment-processed twin.
	Collapsed bool `json:"collapsed,omitempty"`
}

// IsReversedPayment reports whether e is a payment that has been reversed.
func (e Event) IsReversedPayment() bool {
	return e.Kind == KindPayment && e.Payment != nil && e.Payment.IsReversed
}

// SequenceIndex returns the payment or extension number, 0 for audits.
func (e Event) SequenceIndex() int {
	switch {
	case e.Payment != nil:
		return e.Payment.SequenceIndex
	case e.Extension != nil:
		return e.Extension.SequenceIndex
	}
	return 0
}
