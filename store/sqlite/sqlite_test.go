package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/store"
	"github.com/warp/pawn-desk/store/sqlite"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fixture() pawn.Transaction {
	return pawn.Transaction{
		ID:                    "tx-1",
		StoredStatus:          pawn.StatusExtended,
		LoanAmount:            dec("500"),
		MonthlyInterestAmount: dec("25"),
		MaturityDate:          pawn.At(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)),
		Payments: []pawn.Payment{
			{ID: "p-1", Amount: dec("120.50"), PaymentDate: pawn.At(now.Add(-time.Hour)), CreatedBy: "clerk-1"},
			{ID: "p-2", Amount: dec("30"), CreatedAt: pawn.At(now.AddDate(0, 0, -2))},
		},
		Extensions: []pawn.Extension{
			{
				ID:                   "e-1",
				Months:               1,
				Fee:                  dec("45"),
				ExtensionDate:        pawn.At(now.Add(-10 * time.Minute)),
				PreviousMaturityDate: pawn.At(time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)),
				NewMaturityDate:      pawn.At(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)),
			},
		},
		Balances: pawn.Balances{Principal: dec("500"), Interest: dec("25"), Current: dec("525")},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// GIVEN: a stored transaction with children
	require.NoError(t, s.PutTransaction(ctx, fixture()))

	// WHEN: it is read back
	tx, err := s.Transaction(ctx, "tx-1")
	require.NoError(t, err)

	// THEN: every field survives
	assert.Equal(t, pawn.StatusExtended, tx.StoredStatus)
	assert.True(t, tx.LoanAmount.Equal(dec("500")))
	assert.Equal(t, "2026-04-01", tx.MaturityDate.DateString())
	assert.True(t, tx.Balances.Current.Equal(dec("525")))
	require.Len(t, tx.Payments, 2)
	assert.Equal(t, "p-1", tx.Payments[0].ID)
	assert.Equal(t, "tx-1", tx.Payments[0].TransactionID)
	assert.True(t, tx.Payments[0].Amount.Equal(dec("120.50")))
	assert.True(t, tx.Payments[0].PaymentDate.Equal(pawn.At(now.Add(-time.Hour))))
	assert.Equal(t, "clerk-1", tx.Payments[0].CreatedBy)
	assert.True(t, tx.Payments[1].PaymentDate.IsZero())
	require.Len(t, tx.Extensions, 1)
	assert.Equal(t, "2026-03-20", tx.Extensions[0].PreviousMaturityDate.DateString())
	assert.False(t, tx.Extensions[0].IsCancelled)

	payments, err := s.Payments(ctx, "tx-1")
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Transaction(ctx, "missing")
	assert.ErrorIs(t, err, pawn.ErrNotFound)

	_, err = s.Extensions(ctx, "missing")
	assert.ErrorIs(t, err, pawn.ErrNotFound)

	_, err = s.Owner(ctx, action.KindPaymentReversal, "p-x")
	assert.ErrorIs(t, err, pawn.ErrNotFound)
}

func TestStore_Owner(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutTransaction(ctx, fixture()))

	id, err := s.Owner(ctx, action.KindPaymentReversal, "p-2")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", id)

	id, err = s.Owner(ctx, action.KindExtensionCancellation, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", id)

	id, err = s.Owner(ctx, action.KindTransactionVoid, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", id)
}

func TestStore_AuditNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutTransaction(ctx, fixture()))

	// GIVEN: three entries, one with a sub-second time
	require.NoError(t, s.AppendAudit(ctx,
		pawn.AuditEntry{ID: "a-1", TransactionID: "tx-1", ActionType: "payment_processed", CreatedAt: pawn.At(now.Add(-2 * time.Hour))},
		pawn.AuditEntry{ID: "a-2", TransactionID: "tx-1", ActionType: "extension_created", CreatedAt: pawn.At(now.Add(500 * time.Millisecond))},
		pawn.AuditEntry{ID: "a-3", TransactionID: "tx-1", ActionType: "note", ActorID: "clerk-1", CreatedAt: pawn.At(now)},
	))

	// WHEN: two are requested
	entries, err := s.AuditEntries(ctx, "tx-1", 2)
	require.NoError(t, err)

	// THEN: the newest two come back in order
	require.Len(t, entries, 2)
	assert.Equal(t, "a-2", entries[0].ID)
	assert.Equal(t, "a-3", entries[1].ID)
	assert.Equal(t, "clerk-1", entries[1].ActorID)

	all, err := s.AuditEntries(ctx, "tx-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_DuplicateAuditIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	entry := pawn.AuditEntry{ID: "a-1", TransactionID: "tx-1", ActionType: "note", CreatedAt: pawn.At(now)}

	require.NoError(t, s.AppendAudit(ctx, entry))
	assert.ErrorIs(t, s.AppendAudit(ctx, entry), pawn.ErrConflict)
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutTransaction(ctx, fixture()))

	// WHEN: the change function fails after editing its copy
	_, err := s.Update(ctx, "tx-1", func(tx pawn.Transaction) (store.Change, error) {
		tx.StoredStatus = pawn.StatusVoided
		return store.Change{Transaction: tx}, pawn.ErrConflict
	})
	require.ErrorIs(t, err, pawn.ErrConflict)

	// THEN: nothing was written
	tx, err := s.Transaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, pawn.StatusExtended, tx.StoredStatus)
}

func TestStore_BackendCancelsExtension(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutTransaction(ctx, fixture()))
	hash, err := store.HashPIN("1234")
	require.NoError(t, err)
	require.NoError(t, s.PutAdmin(ctx, "admin-1", hash))

	rules := store.Rules{Calendar: pawn.DefaultCalendar(), Now: func() time.Time { return now }}
	backend := store.NewBackend(s, rules, nil)
	ctx = pawn.WithActor(ctx, pawn.Actor{ID: "admin-1", Role: pawn.RoleAdmin})

	// WHEN: the extension is cancelled through the backend
	res, err := backend.Commit(ctx, action.KindExtensionCancellation, "e-1",
		action.Approval{Reason: "Customer changed mind", AdminPIN: "1234"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Message)

	// THEN: the flag, the maturity and the audit row are persisted together
	tx, err := s.Transaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, tx.Extensions[0].IsCancelled)
	assert.Equal(t, "Customer changed mind", tx.Extensions[0].CancellationReason)
	assert.Equal(t, "2026-03-20", tx.MaturityDate.DateString())
	assert.Equal(t, pawn.StatusActive, tx.StoredStatus)

	entries, err := s.AuditEntries(ctx, "tx-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditExtensionCancelled, entries[0].ActionType)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutTransaction(ctx, fixture()))
	require.NoError(t, s.PutAdmin(ctx, "admin-1", "hash"))

	require.NoError(t, s.Reset(ctx))

	_, err := s.Transaction(ctx, "tx-1")
	assert.ErrorIs(t, err, pawn.ErrNotFound)
	admins, err := s.AdminPINs(ctx)
	require.NoError(t, err)
	assert.Empty(t, admins)
}
