package desk_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/desk"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/store"
	"github.com/warp/pawn-desk/store/memory"
	"github.com/warp/pawn-desk/timeline"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

var (
	admin = pawn.Actor{ID: "admin-1", Role: pawn.RoleAdmin}
	clerk = pawn.Actor{ID: "clerk-1", Role: pawn.RoleClerk}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func clock() time.Time { return now }

func redeemedTx() pawn.Transaction {
	return pawn.Transaction{
		ID:           "tx-1",
		StoredStatus: pawn.StatusRedeemed,
		MaturityDate: pawn.At(now.AddDate(0, 1, 0)),
		Payments: []pawn.Payment{
			{ID: "p-1", TransactionID: "tx-1", Amount: dec("120"), PaymentDate: pawn.At(now.Add(-time.Hour))},
			{ID: "p-old", TransactionID: "tx-1", Amount: dec("30"), PaymentDate: pawn.At(now.AddDate(0, 0, -2))},
		},
		Balances: pawn.Balances{Principal: dec("400"), Interest: dec("100"), Current: dec("500")},
	}
}

func activeTx(id string, current string) pawn.Transaction {
	return pawn.Transaction{
		ID:           id,
		StoredStatus: pawn.StatusActive,
		MaturityDate: pawn.At(now.AddDate(0, 1, 0)),
		Balances:     pawn.Balances{Principal: dec(current), Current: dec(current)},
	}
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingInvalidator) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newDesk(t *testing.T, actor pawn.Actor, txs ...pawn.Transaction) (*desk.Desk, *memory.Memory, *recordingInvalidator) {
	t.Helper()
	mem := memory.New()
	for _, tx := range txs {
		mem.Put(tx)
	}
	hash, err := store.HashPIN("1234")
	require.NoError(t, err)
	mem.PutAdmin("admin-1", hash)

	backend := store.NewBackend(mem, store.Rules{Calendar: pawn.DefaultCalendar(), Now: clock}, nil)
	inv := &recordingInvalidator{}
	d := desk.New(desk.Config{
		Actor:       actor,
		Backend:     backend,
		Invalidator: inv,
		Calendar:    pawn.DefaultCalendar(),
		Now:         clock,
	})
	return d, mem, inv
}

// malformedReader reports the payments list as unreadable.
type malformedReader struct {
	desk.Reader
}

func (malformedReader) Payments(context.Context, string) ([]pawn.Payment, error) {
	return nil, fmt.Errorf("payments: %w", pawn.ErrMalformedInput)
}

type failingReader struct {
	desk.Reader
}

func (failingReader) Extensions(context.Context, string) ([]pawn.Extension, error) {
	return nil, errors.New("connection reset")
}

// =============================================================================
// QUERIES
// =============================================================================

func TestView_MergesAndOffersActions(t *testing.T) {
	// GIVEN: a redeemed loan with a payment from today and one from two days ago
	d, mem, _ := newDesk(t, admin, redeemedTx())
	mem.AppendAudit(pawn.AuditEntry{
		ID: "a-1", TransactionID: "tx-1", ActionType: "note", ActionSummary: "Customer called",
		CreatedAt: pawn.At(now.Add(-30 * time.Minute)),
	})

	// WHEN: the view is loaded
	v, err := d.View(context.Background(), "tx-1")
	require.NoError(t, err)

	// THEN: events are newest first
	require.Len(t, v.Timeline, 3)
	assert.Equal(t, timeline.KindAudit, v.Timeline[0].Kind)
	assert.Equal(t, "p-1", v.Timeline[1].ID)
	assert.Equal(t, "p-old", v.Timeline[2].ID)
	assert.Equal(t, pawn.StatusRedeemed, v.EffectiveStatus)

	// AND: only today's payment can be reversed, and a redeemed loan cannot be voided
	assert.Equal(t, map[string][]action.Kind{"p-1": {action.KindPaymentReversal}}, v.Offered)
}

func TestView_ClerkSeesNoAdminActions(t *testing.T) {
	d, _, _ := newDesk(t, clerk, activeTx("tx-a", "500"))

	v, err := d.View(context.Background(), "tx-a")
	require.NoError(t, err)
	assert.Empty(t, v.Offered)

	d, _, _ = newDesk(t, admin, activeTx("tx-a", "500"))
	v, err = d.View(context.Background(), "tx-a")
	require.NoError(t, err)
	assert.Equal(t, []action.Kind{action.KindTransactionVoid}, v.Offered["tx-a"])
}

func TestView_ExtendedEffectiveStatus(t *testing.T) {
	tx := activeTx("tx-e", "500")
	tx.Extensions = []pawn.Extension{{ID: "e-1", Fee: dec("45"), ExtensionDate: pawn.At(now.Add(-time.Hour))}}
	d, _, _ := newDesk(t, admin, tx)

	status, err := d.EffectiveStatus(context.Background(), "tx-e")
	require.NoError(t, err)
	assert.Equal(t, pawn.StatusExtended, status)
}

func TestView_MalformedListDegradesToEmpty(t *testing.T) {
	mem := memory.New()
	mem.Put(redeemedTx())
	backend := store.NewBackend(mem, store.Rules{Now: clock}, nil)

	d := desk.New(desk.Config{
		Actor:   admin,
		Backend: backend,
		Reader:  malformedReader{Reader: backend},
		Now:     clock,
	})

	v, err := d.View(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Empty(t, v.Transaction.Payments)
	assert.Empty(t, v.Timeline)
}

func TestView_OtherReadErrorsPropagate(t *testing.T) {
	mem := memory.New()
	mem.Put(redeemedTx())
	backend := store.NewBackend(mem, store.Rules{Now: clock}, nil)

	d := desk.New(desk.Config{Actor: admin, Backend: backend, Reader: failingReader{Reader: backend}, Now: clock})

	_, err := d.View(context.Background(), "tx-1")
	assert.ErrorContains(t, err, "connection reset")

	_, err = d.View(context.Background(), "missing")
	assert.ErrorIs(t, err, pawn.ErrNotFound)
}

// =============================================================================
// ACTIONS
// =============================================================================

func TestReversal_EndToEnd(t *testing.T) {
	ctx := context.Background()
	d, _, inv := newDesk(t, admin, redeemedTx())

	var invalidated []string
	unsubscribe := d.OnTimelineInvalidated(func(id string) { invalidated = append(invalidated, id) })
	defer unsubscribe()
	var outcomes []action.Outcome
	d.OnActionSucceeded(func(o action.Outcome) { outcomes = append(outcomes, o) })

	// GIVEN: the operator opens the reversal dialog
	req, err := d.InitiateAction(ctx, action.KindPaymentReversal, "tx-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, action.StateAwaitingApproval, req.State)
	require.NotNil(t, req.Eligibility)
	assert.NotEmpty(t, req.Eligibility.Warnings)

	// WHEN: a wrong PIN is entered first
	_, err = d.ApproveAction(ctx, action.KindPaymentReversal, action.Approval{Reason: "Entered twice", AdminPIN: "0000"})
	require.ErrorIs(t, err, pawn.ErrInvalidCredential)
	current, ok, err := d.CurrentAction(action.KindPaymentReversal)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, action.StateAwaitingApproval, current.State)

	// AND: then the right one
	out, err := d.ApproveAction(ctx, action.KindPaymentReversal, action.Approval{Reason: "Entered twice", AdminPIN: "1234"})
	require.NoError(t, err)

	// THEN: the notification carries the backend balance
	assert.Equal(t, "Payment of $120.00 reversed. Balance restored to $620.00.", out.Notification.Description)
	assert.Equal(t, pawn.StatusActive, out.Patched.StoredStatus)
	assert.Equal(t, []string{"tx-1"}, invalidated)
	assert.Equal(t, []string{"tx-1"}, inv.seen())
	require.Len(t, outcomes, 1)

	// AND: a fresh view shows the reversal and its audit row
	v, err := d.View(ctx, "tx-1")
	require.NoError(t, err)
	p, _ := v.Transaction.Payment("p-1")
	assert.True(t, p.IsReversed)
	assert.Equal(t, pawn.StatusActive, v.EffectiveStatus)
	assert.NotContains(t, v.Offered, "p-1")
	assert.Equal(t, timeline.KindAudit, v.Timeline[0].Kind)
}

func TestCancelAction_ClosesDialog(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDesk(t, admin, activeTx("tx-a", "500"))

	_, err := d.InitiateAction(ctx, action.KindTransactionVoid, "tx-a", "tx-a")
	require.NoError(t, err)
	require.NoError(t, d.CancelAction(action.KindTransactionVoid))

	_, ok, err := d.CurrentAction(action.KindTransactionVoid)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.ApproveAction(ctx, action.KindTransactionVoid, action.Approval{Reason: "x", AdminPIN: "1234"})
	assert.ErrorIs(t, err, action.ErrNoActiveRequest)
}

func TestInitiate_UnknownKind(t *testing.T) {
	d, _, _ := newDesk(t, admin, activeTx("tx-a", "500"))

	_, err := d.InitiateAction(context.Background(), action.Kind("refund"), "tx-a", "tx-a")
	assert.ErrorIs(t, err, pawn.ErrNotFound)
}

// =============================================================================
// BULK
// =============================================================================

func TestBatch_EndToEnd(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newDesk(t, admin, activeTx("tx-a", "500"), activeTx("tx-b", "300"), redeemedTx())

	var invalidated []string
	d.OnTimelineInvalidated(func(id string) { invalidated = append(invalidated, id) })

	// GIVEN: two redeemable loans and one already redeemed
	require.NoError(t, d.LoadBatch(ctx, []string{"tx-a", "tx-b", "tx-1"}))
	totals := d.BatchTotals()
	assert.Len(t, totals.Lines, 2)
	require.Len(t, totals.Excluded, 1)
	assert.True(t, totals.Due.Equal(dec("800")))

	// WHEN: a discount and an override are applied
	require.NoError(t, d.AddDiscount("tx-a", "20", "Loyal customer"))
	require.NoError(t, d.SetOverdueFeeOverride("tx-b", "15"))
	assert.True(t, d.BatchTotals().Due.Equal(dec("795")))

	// AND: the batch is submitted without a PIN
	_, err := d.SubmitBatch(ctx)
	var verr *pawn.ValidationError
	require.ErrorAs(t, err, &verr)

	d.SetAdminPIN("1234")
	res, err := d.SubmitBatch(ctx)
	require.NoError(t, err)

	// THEN: the redeemable loans went through and the redeemed one is reported
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.ErrorCount)
	assert.True(t, res.Partial())
	assert.True(t, res.TotalAmountProcessed.Equal(dec("795")))
	assert.ElementsMatch(t, []string{"tx-a", "tx-b"}, invalidated)

	tx, err := mem.Transaction(ctx, "tx-a")
	require.NoError(t, err)
	assert.Equal(t, pawn.StatusRedeemed, tx.StoredStatus)

	last, ok := d.LastBatchResult()
	require.True(t, ok)
	assert.Equal(t, res.BatchID, last.BatchID)
}

func TestBatch_InputValidation(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDesk(t, admin, activeTx("tx-a", "500"))
	require.NoError(t, d.LoadBatch(ctx, []string{"tx-a"}))

	var verr *pawn.ValidationError
	require.ErrorAs(t, d.AddDiscount("tx-a", "abc", "x"), &verr)
	assert.Equal(t, "discounts.tx-a.amount", verr.Problems[0].Field)

	require.NoError(t, d.SetOverdueFeeOverride("tx-a", "12.50"))
	require.NoError(t, d.SetOverdueFeeOverride("tx-a", ""))
	assert.Empty(t, d.Batch().OverdueFeeOverrides)

	ids := make([]string, 51)
	for i := range ids {
		ids[i] = fmt.Sprintf("tx-%d", i)
	}
	require.ErrorAs(t, d.LoadBatch(ctx, ids), &verr)

	assert.ErrorIs(t, d.LoadBatch(ctx, []string{"missing"}), pawn.ErrNotFound)
}
