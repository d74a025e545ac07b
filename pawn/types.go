/*
Package pawn holds the domain model shared by the timeline, action, and bulk engines.

PURPOSE:
  The backend owns every pawn transaction. This package describes the
  snapshot the desk reads from it: the transaction, its payments and
  extensions, its audit trail, and its running balances. Nothing here
  talks to storage; snapshots are values and are copied, never edited in place.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: one pawn loan with its stored status and balances
  - Payment / Extension: child records owned by the backend
  - AuditEntry: a free-form line from the backend audit log
  - Balances: principal, interest, overdue fee and current balance

DESIGN PRINCIPLES:
  1. Snapshots: optimistic patches are built on a Clone(), the source is never mutated
  2. Precision: money uses decimal.Decimal
  3. Lenient wire input: timestamps decode through Timestamp

SEE ALSO:
  - status.go: effective status derivation
  - calendar.go: business-day boundaries
  - rawlist.go: array-or-wrapper list decoding
*/
package pawn

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusActive    Status = "active"
	StatusOverdue   Status = "overdue"
	StatusExtended  Status = "extended"
	StatusRedeemed  Status = "redeemed"
	StatusSold      Status = "sold"
	StatusHold      Status = "hold"
	StatusForfeited Status = "forfeited"
	StatusDamaged   Status = "damaged"
	StatusVoided    Status = "voided"
	StatusCanceled  Status = "canceled"
)

var knownStatuses = map[Status]bool{
	StatusActive: true, StatusOverdue: true, StatusExtended: true, StatusRedeemed: true,
	StatusSold: true, StatusHold: true, StatusForfeited: true, StatusDamaged: true,
	StatusVoided: true, StatusCanceled: true,
}

// Valid reports whether s is one of the stored statuses the backend emits.
func (s Status) Valid() bool { return knownStatuses[s] }

// =============================================================================
// BALANCES
// =============================================================================

// Balances are the amounts the backend last computed for a transaction.
// Current already includes OverdueFee.
type Balances struct {
	Principal  decimal.Decimal `json:"principal_balance"`
	Interest   decimal.Decimal `json:"interest_balance"`
	OverdueFee decimal.Decimal `json:"overdue_fee"`
	Current    decimal.Decimal `json:"current_balance"`
}

// =============================================================================
// CHILD RECORDS
// =============================================================================

type Payment struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transaction_id"`
	Amount         decimal.Decimal `json:"payment_amount"`
	PaymentDate    Timestamp       `json:"payment_date"`
	CreatedAt      Timestamp       `json:"created_at"`
	IsReversed     bool            `json:"is_voided"`
	ReversalReason string          `json:"reversal_reason,omitempty"`
	ReversedAt     Timestamp       `json:"reversed_at"`
	CreatedBy      string          `json:"created_by,omitempty"`
}

// OccurredAt prefers the dedicated payment date and falls back to creation time.
func (p Payment) OccurredAt() Timestamp {
	if !p.PaymentDate.IsZero() {
		return p.PaymentDate
	}
	return p.CreatedAt
}

type Extension struct {
	ID                   string          `json:"id"`
	TransactionID        string          `json:"transaction_id"`
	Months               int             `json:"extension_months"`
	Fee                  decimal.Decimal `json:"extension_fee"`
	ExtensionDate        Timestamp       `json:"extension_date"`
	CreatedAt            Timestamp       `json:"created_at"`
	PreviousMaturityDate Timestamp       `json:"previous_maturity_date"`
	NewMaturityDate      Timestamp       `json:"new_maturity_date"`
	IsCancelled          bool            `json:"is_cancelled"`
	CancellationReason   string          `json:"cancellation_reason,omitempty"`
	CreatedBy            string          `json:"created_by,omitempty"`
}

// OccurredAt prefers the extension date and falls back to creation time.
func (e Extension) OccurredAt() Timestamp {
	if !e.ExtensionDate.IsZero() {
		return e.ExtensionDate
	}
	return e.CreatedAt
}

// AuditEntry is one row of the backend audit log for a transaction.
// ActionType is machine-ish ("payment_processed"), ActionSummary is the
// human line ("Payment Processed"). Either may be empty.
type AuditEntry struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"related_id"`
	ActionType    string    `json:"action_type"`
	ActionSummary string    `json:"action_summary"`
	PreviousValue string    `json:"previous_value,omitempty"`
	NewValue      string    `json:"new_value,omitempty"`
	Details       string    `json:"details,omitempty"`
	ActorID       string    `json:"user_id,omitempty"`
	CreatedAt     Timestamp `json:"created_at"`
}

// =============================================================================
// TRANSACTION
// =============================================================================

type Transaction struct {
	ID                    string          `json:"id"`
	StoredStatus          Status          `json:"status"`
	LoanAmount            decimal.Decimal `json:"loan_amount"`
	MonthlyInterestAmount decimal.Decimal `json:"monthly_interest_amount"`
	MaturityDate          Timestamp       `json:"maturity_date"`
	Payments              []Payment       `json:"payments"`
	Extensions            []Extension     `json:"extensions"`
	Balances              Balances        `json:"balances"`
}

// Clone returns a copy whose slices do not alias the receiver's.
func (t Transaction) Clone() Transaction {
	out := t
	if t.Payments != nil {
		out.Payments = append([]Payment(nil), t.Payments...)
	}
	if t.Extensions != nil {
		out.Extensions = append([]Extension(nil), t.Extensions...)
	}
	return out
}

// Payment returns the payment with the given id.
func (t Transaction) Payment(id string) (Payment, bool) {
	for _, p := range t.Payments {
		if p.ID == id {
			return p, true
		}
	}
	return Payment{}, false
}

// Extension returns the extension with the given id.
func (t Transaction) Extension(id string) (Extension, bool) {
	for _, e := range t.Extensions {
		if e.ID == id {
			return e, true
		}
	}
	return Extension{}, false
}

// EffectiveStatus is shorthand for EffectiveStatus(t.StoredStatus, t.Extensions).
func (t Transaction) EffectiveStatus() Status {
	return EffectiveStatus(t.StoredStatus, t.Extensions)
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleAdmin Role = "admin"
	RoleClerk Role = "clerk"
)

// Actor is the operator driving the desk.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
