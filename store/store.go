/*
store.go - Backend rules shared by every storage implementation

PURPOSE:
  The desk treats its backend as a collaborator: it asks whether an
  action is allowed, commits it, and submits bulk redemptions. This file
  holds the rules a backend applies, independent of where rows live, so
  the in-memory and SQLite stores answer identically.

ELIGIBILITY:
  payment_reversal        payment not reversed, taken this business day,
                          actor is an admin
  extension_cancellation  extension not cancelled, the latest live one,
                          made this business day, loan still processable
  transaction_void        loan processable, no live payments

COMMIT:
  Rules.Apply re-checks eligibility, then returns the changed transaction,
  what to report to the desk, and the audit rows to append. Stores persist
  the Change atomically.

CREDENTIALS:
  Admin PINs are stored as bcrypt hashes. Any admin's PIN approves an
  action; the approving admin is recorded in the audit details.

SEE ALSO:
  - store/memory/memory.go: in-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
*/
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/pawn"
	"golang.org/x/crypto/bcrypt"
)

// Audit action types written by the stores.
const (
	AuditPaymentReversed     = "payment_reversed"
	AuditExtensionCancelled  = "extension_cancelled"
	AuditTransactionVoided   = "transaction_voided"
	AuditPaymentProcessed    = "payment_processed"
	AuditRedemptionCompleted = "redemption_completed"
	AuditOverdueFeeAdjusted  = "overdue_fee_adjusted"
	AuditDiscountApplied     = "discount_applied"
)

// Rules evaluates and applies actions on transaction snapshots.
type Rules struct {
	Calendar pawn.BusinessCalendar
	Now      func() time.Time
}

func (r Rules) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r Rules) calendar() pawn.BusinessCalendar {
	if r.Calendar.Location == nil {
		return pawn.DefaultCalendar()
	}
	return r.Calendar
}

// Change is the result of applying an action to one transaction.
type Change struct {
	Transaction pawn.Transaction
	Result      action.CommitResult
	Audit       []pawn.AuditEntry
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

// Eligibility answers whether actor may run kind on targetID within tx.
// Missing or already-processed targets are errors, not ineligibility.
func (r Rules) Eligibility(tx pawn.Transaction, kind action.Kind, targetID string, actor pawn.Actor) (action.Eligibility, error) {
	switch kind {
	case action.KindPaymentReversal:
		return r.reversalEligibility(tx, targetID, actor)
	case action.KindExtensionCancellation:
		return r.cancellationEligibility(tx, targetID, actor)
	case action.KindTransactionVoid:
		return r.voidEligibility(tx, targetID, actor)
	}
	return action.Eligibility{}, fmt.Errorf("action kind %q: %w", kind, pawn.ErrNotFound)
}

func (r Rules) reversalEligibility(tx pawn.Transaction, id string, actor pawn.Actor) (action.Eligibility, error) {
	p, ok := tx.Payment(id)
	if !ok {
		return action.Eligibility{}, fmt.Errorf("payment %s: %w", id, pawn.ErrNotFound)
	}
	if p.IsReversed {
		return action.Eligibility{}, fmt.Errorf("payment %s already reversed: %w", id, pawn.ErrConflict)
	}
	amount := p.Amount
	e := action.Eligibility{IsEligible: true, Amount: &amount, Date: p.OccurredAt(), Warnings: []string{}}
	switch {
	case !actor.IsAdmin():
		e.IsEligible, e.Reason = false, "Only admins can reverse payments"
	case !r.calendar().WithinToday(p.OccurredAt(), r.now()):
		e.IsEligible, e.Reason = false, "Payments can only be reversed on the business day they were taken"
	}
	if e.IsEligible && tx.StoredStatus == pawn.StatusRedeemed {
		e.Warnings = append(e.Warnings, "Reversing this payment reopens the redeemed loan")
	}
	return e, nil
}

func (r Rules) cancellationEligibility(tx pawn.Transaction, id string, actor pawn.Actor) (action.Eligibility, error) {
	ext, ok := tx.Extension(id)
	if !ok {
		return action.Eligibility{}, fmt.Errorf("extension %s: %w", id, pawn.ErrNotFound)
	}
	if ext.IsCancelled {
		return action.Eligibility{}, fmt.Errorf("extension %s already cancelled: %w", id, pawn.ErrConflict)
	}
	fee := ext.Fee
	e := action.Eligibility{
		IsEligible: true,
		Amount:     &fee,
		Date:       ext.OccurredAt(),
		Warnings:   []string{},
		Extra: map[string]any{
			"previous_maturity_date": ext.PreviousMaturityDate.DateString(),
			"new_maturity_date":      ext.NewMaturityDate.DateString(),
		},
	}
	switch {
	case !actor.IsAdmin():
		e.IsEligible, e.Reason = false, "Only admins can cancel extensions"
	case !pawn.CanProcessActions(tx.EffectiveStatus()):
		e.IsEligible, e.Reason = false, fmt.Sprintf("Transaction is %s and cannot be changed", tx.EffectiveStatus())
	case latestActiveExtension(tx.Extensions) != id:
		e.IsEligible, e.Reason = false, "Only the most recent extension can be cancelled"
	case !r.calendar().WithinToday(ext.OccurredAt(), r.now()):
		e.IsEligible, e.Reason = false, "Extensions can only be cancelled on the business day they were made"
	}
	return e, nil
}

func (r Rules) voidEligibility(tx pawn.Transaction, id string, actor pawn.Actor) (action.Eligibility, error) {
	if tx.ID != id {
		return action.Eligibility{}, fmt.Errorf("transaction %s: %w", id, pawn.ErrNotFound)
	}
	if tx.StoredStatus == pawn.StatusVoided {
		return action.Eligibility{}, fmt.Errorf("transaction %s already voided: %w", id, pawn.ErrConflict)
	}
	e := action.Eligibility{IsEligible: true, Date: pawn.At(r.now()), Warnings: []string{}}
	switch {
	case !actor.IsAdmin():
		e.IsEligible, e.Reason = false, "Only admins can void transactions"
	case !pawn.CanProcessActions(tx.EffectiveStatus()):
		e.IsEligible, e.Reason = false, fmt.Sprintf("Transaction is %s and cannot be voided", tx.EffectiveStatus())
	case livePayments(tx.Payments) > 0:
		e.IsEligible, e.Reason = false, "Reverse all payments before voiding the transaction"
	}
	if e.IsEligible && pawn.HasActiveExtension(tx.Extensions) {
		e.Warnings = append(e.Warnings, "Active extensions will be voided with the transaction")
	}
	return e, nil
}

// =============================================================================
// APPLY
// =============================================================================

// Apply re-checks eligibility and builds the change for a committed action.
// approverID is the admin whose PIN was accepted.
func (r Rules) Apply(tx pawn.Transaction, kind action.Kind, targetID string, actor pawn.Actor, approverID, reason string) (Change, error) {
	elig, err := r.Eligibility(tx, kind, targetID, actor)
	if err != nil {
		return Change{}, err
	}
	if !elig.IsEligible {
		return Change{}, &pawn.IneligibleError{Reason: elig.Reason}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		v := &pawn.ValidationError{}
		v.Add("reason", "a reason is required")
		return Change{}, v
	}

	now := r.now()
	out := tx.Clone()
	var change Change

	switch kind {
	case action.KindPaymentReversal:
		change = r.applyReversal(out, targetID, now, reason)
	case action.KindExtensionCancellation:
		change = r.applyCancellation(out, targetID, now, reason)
	case action.KindTransactionVoid:
		change = r.applyVoid(out, now, reason)
	}
	for i := range change.Audit {
		change.Audit[i].ActorID = actor.ID
		if approverID != "" && approverID != actor.ID {
			change.Audit[i].Details = strings.TrimSpace(change.Audit[i].Details + " Approved by " + approverID + ".")
		}
	}
	b := change.Transaction.Balances
	change.Result.Balances = &b
	return change, nil
}

func (r Rules) applyReversal(tx pawn.Transaction, id string, now time.Time, reason string) Change {
	var amount decimal.Decimal
	for i := range tx.Payments {
		if tx.Payments[i].ID == id {
			tx.Payments[i].IsReversed = true
			tx.Payments[i].ReversalReason = reason
			tx.Payments[i].ReversedAt = pawn.At(now)
			amount = tx.Payments[i].Amount
		}
	}

	before := tx.Balances.Current
	tx.Balances.Principal = tx.Balances.Principal.Add(amount)
	tx.Balances.Current = tx.Balances.Current.Add(amount)

	previous := tx.StoredStatus
	if tx.StoredStatus == pawn.StatusRedeemed {
		tx.StoredStatus = statusByMaturity(tx.MaturityDate, now)
	}

	return Change{
		Transaction: tx,
		Result: action.CommitResult{
			RefundedAmount: amount,
			RestoredStatus: restored(previous, tx.StoredStatus),
			Message: fmt.Sprintf("Payment of %s reversed. Balance restored to %s.",
				pawn.FormatMoney(amount), pawn.FormatMoney(tx.Balances.Current)),
		},
		Audit: []pawn.AuditEntry{newAudit(tx.ID, now, AuditPaymentReversed, "Payment Reversed",
			before.StringFixed(2), tx.Balances.Current.StringFixed(2),
			fmt.Sprintf("Payment %s of %s reversed: %s.", id, pawn.FormatMoney(amount), reason))},
	}
}

func (r Rules) applyCancellation(tx pawn.Transaction, id string, now time.Time, reason string) Change {
	var ext pawn.Extension
	for i := range tx.Extensions {
		if tx.Extensions[i].ID == id {
			tx.Extensions[i].IsCancelled = true
			tx.Extensions[i].CancellationReason = reason
			ext = tx.Extensions[i]
		}
	}

	before := tx.MaturityDate
	if !ext.PreviousMaturityDate.IsZero() {
		tx.MaturityDate = ext.PreviousMaturityDate
	}
	previous := tx.StoredStatus
	if tx.StoredStatus == pawn.StatusExtended && !pawn.HasActiveExtension(tx.Extensions) {
		tx.StoredStatus = statusByMaturity(tx.MaturityDate, now)
	}

	msg := fmt.Sprintf("Extension cancelled. Fee of %s refunded.", pawn.FormatMoney(ext.Fee))
	if d := tx.MaturityDate.DateString(); d != "" {
		msg += fmt.Sprintf(" Maturity date restored to %s.", d)
	}
	return Change{
		Transaction: tx,
		Result: action.CommitResult{
			RefundedAmount:       ext.Fee,
			RestoredStatus:       restored(previous, tx.StoredStatus),
			RestoredMaturityDate: tx.MaturityDate,
			Message:              msg,
		},
		Audit: []pawn.AuditEntry{newAudit(tx.ID, now, AuditExtensionCancelled, "Extension Cancelled",
			before.DateString(), tx.MaturityDate.DateString(),
			fmt.Sprintf("Extension %s cancelled, fee %s refunded: %s.", id, pawn.FormatMoney(ext.Fee), reason))},
	}
}

func (r Rules) applyVoid(tx pawn.Transaction, now time.Time, reason string) Change {
	previous := tx.StoredStatus
	tx.StoredStatus = pawn.StatusVoided
	for i := range tx.Extensions {
		if !tx.Extensions[i].IsCancelled {
			tx.Extensions[i].IsCancelled = true
			tx.Extensions[i].CancellationReason = "transaction voided"
		}
	}
	return Change{
		Transaction: tx,
		Result: action.CommitResult{
			RestoredStatus: pawn.StatusVoided,
			Message:        fmt.Sprintf("Transaction voided. Status set to %s.", pawn.StatusVoided),
		},
		Audit: []pawn.AuditEntry{newAudit(tx.ID, now, AuditTransactionVoided, "Transaction Voided",
			string(previous), string(pawn.StatusVoided), reason)},
	}
}

// =============================================================================
// REDEMPTION
// =============================================================================

// Redeem pays off tx in full using the batch's override and discount for
// it. The new payment is appended to the transaction.
func (r Rules) Redeem(tx pawn.Transaction, b bulk.Batch, actor pawn.Actor) (Change, bulk.ItemResult, error) {
	status := tx.EffectiveStatus()
	if !pawn.CanProcessActions(status) {
		return Change{}, bulk.ItemResult{}, &pawn.IneligibleError{Reason: fmt.Sprintf("Transaction is %s and cannot be redeemed", status)}
	}

	line := bulk.Aggregate(bulk.Batch{
		TransactionIDs:      []string{tx.ID},
		OverdueFeeOverrides: b.OverdueFeeOverrides,
		Discounts:           b.Discounts,
	}, map[string]pawn.Transaction{tx.ID: tx}).Lines[0]

	now := r.now()
	out := tx.Clone()
	var audits []pawn.AuditEntry

	if !line.OverdueFee.Equal(line.ExistingOverdueFee) {
		audits = append(audits, newAudit(tx.ID, now, AuditOverdueFeeAdjusted, "Overdue Fee Adjusted",
			line.ExistingOverdueFee.StringFixed(2), line.OverdueFee.StringFixed(2), "Manual overdue fee override."))
	}
	if d, ok := b.Discounts[tx.ID]; ok && d.Valid() {
		audits = append(audits, newAudit(tx.ID, now, AuditDiscountApplied, "Discount Applied",
			"", line.Discount.StringFixed(2), strings.TrimSpace(d.Reason)))
	}

	payment := pawn.Payment{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Amount:        line.Due,
		PaymentDate:   pawn.At(now),
		CreatedAt:     pawn.At(now),
		CreatedBy:     actor.ID,
	}
	out.Payments = append(out.Payments, payment)
	audits = append(audits,
		newAudit(tx.ID, now, AuditPaymentProcessed, "Payment Processed",
			line.Due.StringFixed(2), "0.00", fmt.Sprintf("Payment of %s received.", pawn.FormatMoney(line.Due))),
		newAudit(tx.ID, now, AuditRedemptionCompleted, "Redemption Completed",
			string(status), string(pawn.StatusRedeemed), "All amounts paid in full. Items ready for pickup"),
	)
	for i := range audits {
		audits[i].ActorID = actor.ID
	}

	out.StoredStatus = pawn.StatusRedeemed
	out.Balances = pawn.Balances{
		Principal:  decimal.Zero,
		Interest:   decimal.Zero,
		OverdueFee: decimal.Zero,
		Current:    decimal.Zero,
	}

	return Change{Transaction: out, Audit: audits},
		bulk.ItemResult{TransactionID: tx.ID, AmountPaid: line.Due, Status: pawn.StatusRedeemed},
		nil
}

// =============================================================================
// CREDENTIALS
// =============================================================================

// HashPIN returns the bcrypt hash stored for an admin PIN.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(h), nil
}

// VerifyPIN returns the id of the admin whose PIN matches. hashes is keyed
// by admin id.
func VerifyPIN(hashes map[string]string, pin string) (string, error) {
	if strings.TrimSpace(pin) == "" {
		return "", pawn.ErrInvalidCredential
	}
	ids := make([]string, 0, len(hashes))
	for id := range hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		err := bcrypt.CompareHashAndPassword([]byte(hashes[id]), []byte(pin))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", fmt.Errorf("verify pin for %s: %w", id, err)
		}
	}
	return "", pawn.ErrInvalidCredential
}

// =============================================================================
// HELPERS
// =============================================================================

func newAudit(txID string, now time.Time, actionType, summary, prev, next, details string) pawn.AuditEntry {
	return pawn.AuditEntry{
		ID:            uuid.NewString(),
		TransactionID: txID,
		ActionType:    actionType,
		ActionSummary: summary,
		PreviousValue: prev,
		NewValue:      next,
		Details:       details,
		CreatedAt:     pawn.At(now),
	}
}

func latestActiveExtension(exts []pawn.Extension) string {
	var (
		id     string
		latest pawn.Timestamp
	)
	for _, e := range exts {
		if e.IsCancelled {
			continue
		}
		if id == "" || e.OccurredAt().After(latest) {
			id, latest = e.ID, e.OccurredAt()
		}
	}
	return id
}

func livePayments(ps []pawn.Payment) int {
	n := 0
	for _, p := range ps {
		if !p.IsReversed {
			n++
		}
	}
	return n
}

func restored(before, after pawn.Status) pawn.Status {
	if before == after {
		return ""
	}
	return after
}

func statusByMaturity(maturity pawn.Timestamp, now time.Time) pawn.Status {
	if !maturity.IsZero() && maturity.Time.Before(now) {
		return pawn.StatusOverdue
	}
	return pawn.StatusActive
}
