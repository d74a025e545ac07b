package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// REPOSITORY - What a storage implementation provides
// =============================================================================

// Repository persists transactions, their child records and audit log.
type Repository interface {
	// Transaction returns the snapshot with Payments and Extensions filled.
	Transaction(ctx context.Context, id string) (pawn.Transaction, error)
	Payments(ctx context.Context, transactionID string) ([]pawn.Payment, error)
	Extensions(ctx context.Context, transactionID string) ([]pawn.Extension, error)
	// AuditEntries returns up to limit entries, newest first.
	AuditEntries(ctx context.Context, transactionID string, limit int) ([]pawn.AuditEntry, error)

	// Owner returns the transaction id a target of kind belongs to.
	Owner(ctx context.Context, kind action.Kind, targetID string) (string, error)

	// AdminPINs returns bcrypt hashes keyed by admin id.
	AdminPINs(ctx context.Context) (map[string]string, error)

	// Update loads the transaction, calls fn and persists the Change it
	// returns, all under one lock or database transaction.
	Update(ctx context.Context, transactionID string, fn func(pawn.Transaction) (Change, error)) (Change, error)
}

// =============================================================================
// BACKEND - Repository plus rules, as the desk's collaborator
// =============================================================================

// Backend serves reads from its Repository and implements the action and
// bulk collaborator contracts on top of it. The acting operator comes from
// the context (pawn.WithActor).
type Backend struct {
	Repository
	Rules  Rules
	Logger *slog.Logger
}

func NewBackend(repo Repository, rules Rules, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{Repository: repo, Rules: rules, Logger: logger}
}

func actorOf(ctx context.Context) (pawn.Actor, error) {
	a, ok := pawn.ActorFrom(ctx)
	if !ok {
		return pawn.Actor{}, fmt.Errorf("no operator on request: %w", pawn.ErrPermissionDenied)
	}
	return a, nil
}

// CheckEligibility implements action.Service.
func (b *Backend) CheckEligibility(ctx context.Context, kind action.Kind, targetID string) (action.Eligibility, error) {
	actor, err := actorOf(ctx)
	if err != nil {
		return action.Eligibility{}, err
	}
	txID, err := b.Owner(ctx, kind, targetID)
	if err != nil {
		return action.Eligibility{}, err
	}
	tx, err := b.Transaction(ctx, txID)
	if err != nil {
		return action.Eligibility{}, err
	}
	return b.Rules.Eligibility(tx, kind, targetID, actor)
}

// Commit implements action.Service.
func (b *Backend) Commit(ctx context.Context, kind action.Kind, targetID string, approval action.Approval) (action.CommitResult, error) {
	actor, err := actorOf(ctx)
	if err != nil {
		return action.CommitResult{}, err
	}
	hashes, err := b.AdminPINs(ctx)
	if err != nil {
		return action.CommitResult{}, err
	}
	approver, err := VerifyPIN(hashes, approval.AdminPIN)
	if err != nil {
		b.Logger.Warn("admin pin rejected", slog.String("kind", string(kind)), slog.String("actor_id", actor.ID))
		return action.CommitResult{}, err
	}
	txID, err := b.Owner(ctx, kind, targetID)
	if err != nil {
		return action.CommitResult{}, err
	}

	change, err := b.Update(ctx, txID, func(tx pawn.Transaction) (Change, error) {
		return b.Rules.Apply(tx, kind, targetID, actor, approver, approval.Reason)
	})
	if err != nil {
		return action.CommitResult{}, err
	}
	b.Logger.Info("action applied",
		slog.String("kind", string(kind)),
		slog.String("transaction_id", txID),
		slog.String("target_id", targetID),
		slog.String("actor_id", actor.ID),
		slog.String("approver_id", approver))
	return change.Result, nil
}

// SubmitBulkRedemption implements bulk.Submitter. Each transaction is
// redeemed on its own; one failing does not stop the others.
func (b *Backend) SubmitBulkRedemption(ctx context.Context, actor pawn.Actor, batch bulk.Batch) (bulk.Result, error) {
	if err := bulk.Validate(batch); err != nil {
		return bulk.Result{}, err
	}
	if batch.HasValidDiscount() {
		hashes, err := b.AdminPINs(ctx)
		if err != nil {
			return bulk.Result{}, err
		}
		if _, err := VerifyPIN(hashes, batch.AdminPIN); err != nil {
			return bulk.Result{}, err
		}
	}

	res := bulk.Result{
		BatchID:              batch.ID,
		TotalAmountProcessed: decimal.Zero,
		Results:              []bulk.ItemResult{},
		Errors:               []bulk.ItemError{},
	}
	for _, id := range batch.TransactionIDs {
		var item bulk.ItemResult
		_, err := b.Update(ctx, id, func(tx pawn.Transaction) (Change, error) {
			change, it, err := b.Rules.Redeem(tx, batch, actor)
			item = it
			return change, err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return bulk.Result{}, err
			}
			res.ErrorCount++
			res.Errors = append(res.Errors, bulk.ItemError{TransactionID: id, Message: action.UserMessage(err)})
			b.Logger.Warn("redemption failed", slog.String("transaction_id", id), slog.Any("error", err))
			continue
		}
		res.SuccessCount++
		res.TotalAmountProcessed = res.TotalAmountProcessed.Add(item.AmountPaid)
		res.Results = append(res.Results, item)
	}
	return res, nil
}
