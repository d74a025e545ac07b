/*
Package action runs reversible back-office actions through one shared state machine.

PURPOSE:
  Reversing a payment, cancelling an extension and voiding a transaction
  follow the same workflow: ask the backend whether the action is allowed,
  collect a reason and an admin PIN, commit, then show the expected result
  before the next authoritative fetch. Only the per-kind details differ, and
  those live in a Strategy.

STATE MACHINE:
  ┌──────┐ initiate ┌────────────────────┐ eligible ┌──────────────────┐
  │ Idle │────────▶ │ EligibilityPending │────────▶ │ AwaitingApproval │◀─┐
  └──────┘          └────────────────────┘          └──────────────────┘  │
     ▲                        │ ineligible           │ approve   │ cancel │ bad PIN /
     │                        ▼                      ▼           ▼        │ timeout
     │              ┌───────────────────┐      ┌────────────┐  Idle      │
     │              │ EligibilityDenied │      │ Submitting │────────────┘
     │              └───────────────────┘      └────────────┘
     │                                            │        │
     │                                   success  ▼        ▼ terminal error
     └──────────── dismiss ──────────── Succeeded        Failed

CONCURRENCY:
  One Engine per action kind. A request that is Submitting cannot be
  re-entered: initiating the same kind and target again is a no-op and a
  second approve returns ErrActionInProgress. Different targets and
  different kinds proceed independently.

SEE ALSO:
  - engine.go: transitions
  - strategies.go: payment reversal, extension cancellation, transaction void
  - classify.go: failure classification
*/
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// KINDS AND STATES
// =============================================================================

type Kind string

const (
	KindPaymentReversal       Kind = "payment_reversal"
	KindExtensionCancellation Kind = "extension_cancellation"
	KindTransactionVoid       Kind = "transaction_void"
)

// Kinds lists every action kind in display order.
var Kinds = []Kind{KindPaymentReversal, KindExtensionCancellation, KindTransactionVoid}

// ParseKind accepts the wire names above.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

type State string

const (
	StateIdle               State = "idle"
	StateEligibilityPending State = "eligibility_pending"
	StateEligibilityDenied  State = "eligibility_denied"
	StateAwaitingApproval   State = "awaiting_approval"
	StateSubmitting         State = "submitting"
	StateSucceeded          State = "succeeded"
	StateFailed             State = "failed"
)

// ProcessingKey identifies an in-flight commit: "<kind>-<id>".
func ProcessingKey(kind Kind, targetID string) string {
	return fmt.Sprintf("%s-%s", kind, targetID)
}

var (
	ErrNoActiveRequest   = errors.New("no active request")
	ErrSuperseded        = errors.New("request superseded by a newer one")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// =============================================================================
// COLLABORATOR CONTRACT
// =============================================================================

// Eligibility is the backend's answer to "may this action run now?".
type Eligibility struct {
	IsEligible bool             `json:"is_eligible"`
	Reason     string           `json:"reason,omitempty"`
	Warnings   []string         `json:"warnings"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Date       pawn.Timestamp   `json:"date"`
	Extra      map[string]any   `json:"extra,omitempty"`
}

// Approval is what the operator types into the confirmation dialog.
type Approval struct {
	Reason   string `json:"reason"`
	AdminPIN string `json:"admin_pin"`
}

// CommitResult carries what the backend reports after applying an
// action. Zero fields mean "not reported"; strategies fall back to the
// snapshot.
type CommitResult struct {
	RefundedAmount       decimal.Decimal `json:"refunded_amount"`
	RestoredStatus       pawn.Status     `json:"restored_status,omitempty"`
	RestoredMaturityDate pawn.Timestamp  `json:"restored_maturity_date"`
	Balances             *pawn.Balances  `json:"balances,omitempty"`
	Message              string          `json:"message,omitempty"`
}

// Service is the backend side of every action kind.
//
//go:generate mockgen -destination=mocks/mock_service.go -package=mock_action -source=types.go
type Service interface {
	CheckEligibility(ctx context.Context, kind Kind, targetID string) (Eligibility, error)
	Commit(ctx context.Context, kind Kind, targetID string, approval Approval) (CommitResult, error)
}

// Invalidator drops cached data for a transaction after a commit.
type Invalidator interface {
	Invalidate(ctx context.Context, transactionID string)
}

// =============================================================================
// REQUEST AND OUTCOME
// =============================================================================

// Request is the observable state of one action attempt. The admin PIN is
// never kept; the reason survives a retryable failure.
type Request struct {
	ID            string       `json:"id"`
	Kind          Kind         `json:"kind"`
	TransactionID string       `json:"transaction_id"`
	TargetID      string       `json:"target_id"`
	ActorID       string       `json:"actor_id"`
	State         State        `json:"state"`
	Eligibility   *Eligibility `json:"eligibility,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Failure       FailureClass `json:"failure,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Notification is the success toast shown after a commit.
type Notification struct {
	Kind        Kind   `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Outcome is returned by a successful Approve.
type Outcome struct {
	Request      Request          `json:"request"`
	Patched      pawn.Transaction `json:"patched"`
	Notification Notification     `json:"notification"`
}
