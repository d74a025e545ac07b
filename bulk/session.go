package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// SUBMISSION CONTRACT
// =============================================================================

// Submitter sends a batch to the backend in a single call.
type Submitter interface {
	SubmitBulkRedemption(ctx context.Context, actor pawn.Actor, b Batch) (Result, error)
}

// ItemResult is one redeemed transaction.
type ItemResult struct {
	TransactionID string          `json:"transaction_id"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Status        pawn.Status     `json:"status"`
}

// ItemError is one transaction the backend could not redeem.
type ItemError struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"error"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("transaction %s: %s", e.TransactionID, e.Message)
}

// Result is the backend's report. Mixed outcomes are normal, not an error.
type Result struct {
	BatchID              string          `json:"batch_id,omitempty"`
	SuccessCount         int             `json:"success_count"`
	ErrorCount           int             `json:"error_count"`
	TotalAmountProcessed decimal.Decimal `json:"total_amount_processed"`
	Results              []ItemResult    `json:"results"`
	Errors               []ItemError     `json:"errors"`
}

// Partial reports whether some but not all transactions were redeemed.
func (r Result) Partial() bool { return r.SuccessCount > 0 && r.ErrorCount > 0 }

// =============================================================================
// SESSION - The batch an operator is editing
// =============================================================================

// Session holds one bulk redemption dialog. Totals are recomputed on every
// edit; submitting never changes them, so a partial failure renders next to
// the figures the operator approved.
type Session struct {
	submitter Submitter
	logger    *slog.Logger

	mu         sync.Mutex
	batch      Batch
	txs        map[string]pawn.Transaction
	totals     Totals
	last       *Result
	submitting bool
}

func NewSession(submitter Submitter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		submitter: submitter,
		logger:    logger,
		txs:       make(map[string]pawn.Transaction),
		batch: Batch{
			OverdueFeeOverrides: make(map[string]decimal.Decimal),
			Discounts:           make(map[string]Discount),
		},
	}
	s.recompute()
	return s
}

// Load replaces the batch membership with txs, in order. Overrides and
// discounts for transactions that remain are kept.
func (s *Session) Load(txs []pawn.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(txs))
	s.batch.TransactionIDs = s.batch.TransactionIDs[:0]
	s.txs = make(map[string]pawn.Transaction, len(txs))
	for _, tx := range txs {
		if keep[tx.ID] {
			continue
		}
		keep[tx.ID] = true
		s.batch.TransactionIDs = append(s.batch.TransactionIDs, tx.ID)
		s.txs[tx.ID] = tx.Clone()
	}
	for id := range s.batch.OverdueFeeOverrides {
		if !keep[id] {
			delete(s.batch.OverdueFeeOverrides, id)
		}
	}
	for id := range s.batch.Discounts {
		if !keep[id] {
			delete(s.batch.Discounts, id)
		}
	}
	s.batch.ID = ""
	s.last = nil
	s.recompute()
}

// Remove drops id and anything entered for it.
func (s *Session) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.batch.TransactionIDs[:0]
	for _, x := range s.batch.TransactionIDs {
		if x != id {
			ids = append(ids, x)
		}
	}
	s.batch.TransactionIDs = ids
	delete(s.txs, id)
	delete(s.batch.OverdueFeeOverrides, id)
	delete(s.batch.Discounts, id)
	s.recompute()
}

// AddDiscount sets the discount for id. A zero amount clears it.
func (s *Session) AddDiscount(id string, amount decimal.Decimal, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(id); err != nil {
		return err
	}
	if amount.IsNegative() {
		return fieldError("discounts."+id+".amount", "must not be negative")
	}
	if amount.IsZero() {
		delete(s.batch.Discounts, id)
	} else {
		s.batch.Discounts[id] = Discount{Amount: amount, Reason: reason}
	}
	s.recompute()
	return nil
}

// SetOverdueFeeOverride replaces the overdue fee for id. A nil amount
// restores the backend's figure.
func (s *Session) SetOverdueFeeOverride(id string, amount *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(id); err != nil {
		return err
	}
	if amount == nil {
		delete(s.batch.OverdueFeeOverrides, id)
		s.recompute()
		return nil
	}
	if amount.IsNegative() {
		return fieldError("overdue_fee_overrides."+id, "must not be negative")
	}
	s.batch.OverdueFeeOverrides[id] = *amount
	s.recompute()
	return nil
}

// SetAdminPIN records the batch-level PIN.
func (s *Session) SetAdminPIN(pin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch.AdminPIN = pin
}

// Totals returns the figures for the current batch.
func (s *Session) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// Batch returns a copy of the batch being edited.
func (s *Session) Batch() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch.Clone()
}

// LastResult returns the most recent submission report.
func (s *Session) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Submit validates the batch and sends it. Validation failures never reach
// the backend. The PIN is cleared after every attempt.
func (s *Session) Submit(ctx context.Context, actor pawn.Actor) (Result, error) {
	s.mu.Lock()
	if s.submitting {
		s.mu.Unlock()
		return Result{}, pawn.ErrActionInProgress
	}
	if err := Validate(s.batch); err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	payload := s.batch.Submission()
	s.batch.ID = payload.ID
	s.submitting = true
	s.mu.Unlock()

	log := s.logger.With(slog.String("batch_id", payload.ID), slog.Int("size", len(payload.TransactionIDs)))
	log.Debug("submitting bulk redemption")

	res, err := s.submitter.SubmitBulkRedemption(ctx, actor, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	s.batch.AdminPIN = ""
	if err != nil {
		log.Warn("bulk redemption failed", slog.Any("error", err))
		return Result{}, fmt.Errorf("submit batch %s: %w", payload.ID, err)
	}
	if res.BatchID == "" {
		res.BatchID = payload.ID
	}
	s.last = &res
	if res.ErrorCount > 0 {
		log.Warn("bulk redemption finished with errors",
			slog.Int("success_count", res.SuccessCount),
			slog.Int("error_count", res.ErrorCount))
	} else {
		log.Info("bulk redemption finished", slog.Int("success_count", res.SuccessCount))
	}
	return res, nil
}

func (s *Session) editable(id string) error {
	if s.submitting {
		return pawn.ErrActionInProgress
	}
	if !s.batch.Contains(id) {
		return fmt.Errorf("transaction %s in batch: %w", id, pawn.ErrNotFound)
	}
	return nil
}

func (s *Session) recompute() {
	s.totals = Aggregate(s.batch, s.txs)
}

func fieldError(field, message string) error {
	v := &pawn.ValidationError{}
	v.Add(field, message)
	return v
}
