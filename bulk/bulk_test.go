package bulk_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func loan(id string, status pawn.Status, principal, interest, fee string) pawn.Transaction {
	p, i, f := dec(principal), dec(interest), dec(fee)
	return pawn.Transaction{
		ID:           id,
		StoredStatus: status,
		Balances: pawn.Balances{
			Principal:  p,
			Interest:   i,
			OverdueFee: f,
			Current:    p.Add(i).Add(f),
		},
	}
}

type fakeSubmitter struct {
	got    []bulk.Batch
	result bulk.Result
	err    error
}

func (f *fakeSubmitter) SubmitBulkRedemption(_ context.Context, _ pawn.Actor, b bulk.Batch) (bulk.Result, error) {
	f.got = append(f.got, b)
	return f.result, f.err
}

var clerk = pawn.Actor{ID: "u-1", Role: pawn.RoleClerk}

// =============================================================================
// ARITHMETIC
// =============================================================================

func TestLineDue_OverrideReplacesExistingFee(t *testing.T) {
	// GIVEN: current 500 (fee 50 inside), override 100, discount 30
	// THEN: 500 - 50 + 100 - 30 = 520

	due := bulk.LineDue(dec("500"), dec("50"), dec("100"), dec("30"))
	assert.True(t, due.Equal(dec("520")), "got %s", due)
}

func TestLineDue_NeverNegative(t *testing.T) {
	due := bulk.LineDue(dec("100"), dec("0"), dec("0"), dec("250"))
	assert.True(t, due.IsZero())
}

func TestAggregate_Totals(t *testing.T) {
	txs := map[string]pawn.Transaction{
		"t1": loan("t1", pawn.StatusOverdue, "400", "50", "50"),
		"t2": loan("t2", pawn.StatusActive, "200", "20", "0"),
		"t3": loan("t3", pawn.StatusRedeemed, "0", "0", "0"),
	}
	b := bulk.Batch{
		TransactionIDs:      []string{"t1", "t2", "t3", "t4"},
		OverdueFeeOverrides: map[string]decimal.Decimal{"t1": dec("100")},
		Discounts:           map[string]bulk.Discount{"t1": {Amount: dec("30"), Reason: "loyal"}},
	}

	totals := bulk.Aggregate(b, txs)

	require.Equal(t, 2, totals.Count())
	assert.Equal(t, "t1", totals.Lines[0].TransactionID)
	assert.True(t, totals.Lines[0].Due.Equal(dec("520")))
	assert.True(t, totals.Lines[1].Due.Equal(dec("220")))

	assert.True(t, totals.Principal.Equal(dec("600")))
	assert.True(t, totals.Interest.Equal(dec("70")))
	assert.True(t, totals.OverdueFee.Equal(dec("100")))
	assert.True(t, totals.Discount.Equal(dec("30")))
	assert.True(t, totals.Due.Equal(dec("740")))

	require.Len(t, totals.Excluded, 2)
	assert.Equal(t, bulk.Exclusion{TransactionID: "t3", Status: pawn.StatusRedeemed, Reason: bulk.ReasonNotRedeemable}, totals.Excluded[0])
	assert.Equal(t, "t4", totals.Excluded[1].TransactionID)
	assert.Equal(t, bulk.ReasonNotLoaded, totals.Excluded[1].Reason)
}

func TestAggregate_ExtendedUsesEffectiveStatus(t *testing.T) {
	tx := loan("t1", pawn.StatusActive, "100", "10", "0")
	tx.Extensions = []pawn.Extension{{ID: "e1"}}

	totals := bulk.Aggregate(bulk.Batch{TransactionIDs: []string{"t1"}}, map[string]pawn.Transaction{"t1": tx})

	require.Len(t, totals.Lines, 1)
	assert.Equal(t, pawn.StatusExtended, totals.Lines[0].Status)
}

func TestAggregate_DiscountWithoutReasonNotApplied(t *testing.T) {
	// GIVEN: a discount of 40 whose reason is blank
	// WHEN: totals are computed
	// THEN: the line shows it pending and the totals match what would be submitted

	b := bulk.Batch{
		TransactionIDs: []string{"t1"},
		Discounts:      map[string]bulk.Discount{"t1": {Amount: dec("40"), Reason: "  "}},
	}
	txs := map[string]pawn.Transaction{"t1": loan("t1", pawn.StatusActive, "450", "50", "0")}

	totals := bulk.Aggregate(b, txs)

	require.Len(t, totals.Lines, 1)
	assert.True(t, totals.Lines[0].DiscountPending)
	assert.True(t, totals.Lines[0].Discount.IsZero())
	assert.True(t, totals.Due.Equal(dec("500")), "got %s", totals.Due)
	assert.Empty(t, b.Submission().Discounts)

	b.Discounts["t1"] = bulk.Discount{Amount: dec("40"), Reason: "scratched"}
	totals = bulk.Aggregate(b, txs)
	assert.False(t, totals.Lines[0].DiscountPending)
	assert.True(t, totals.Due.Equal(dec("460")), "got %s", totals.Due)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate_DiscountWithoutReasonRejected(t *testing.T) {
	// GIVEN: a discount of 40 with a blank reason
	// WHEN: validating
	// THEN: validation error naming the reason field, not silently dropped

	b := bulk.Batch{
		TransactionIDs: []string{"t1"},
		Discounts:      map[string]bulk.Discount{"t1": {Amount: dec("40"), Reason: "  "}},
	}

	err := bulk.Validate(b)

	require.ErrorIs(t, err, pawn.ErrValidation)
	var v *pawn.ValidationError
	require.True(t, errors.As(err, &v))
	require.Len(t, v.Problems, 1)
	assert.Equal(t, "discounts.t1.reason", v.Problems[0].Field)
}

func TestValidate_PINRequiredOncePerBatch(t *testing.T) {
	// GIVEN: two transactions, one with a valid discount, no PIN
	// THEN: exactly one PIN problem; with the PIN the batch passes

	b := bulk.Batch{
		TransactionIDs: []string{"t1", "t2"},
		Discounts:      map[string]bulk.Discount{"t1": {Amount: dec("25"), Reason: "damaged box"}},
	}

	err := bulk.Validate(b)
	var v *pawn.ValidationError
	require.True(t, errors.As(err, &v))
	require.Len(t, v.Problems, 1)
	assert.Equal(t, "admin_pin", v.Problems[0].Field)

	b.AdminPIN = "1234"
	assert.NoError(t, bulk.Validate(b))
}

func TestValidate_NoPINWithoutDiscount(t *testing.T) {
	b := bulk.Batch{
		TransactionIDs: []string{"t1", "t2"},
		Discounts:      map[string]bulk.Discount{"t1": {Amount: dec("0"), Reason: ""}},
	}
	assert.NoError(t, bulk.Validate(b))
}

func TestValidate_BatchShape(t *testing.T) {
	tooMany := make([]string, bulk.MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("t%d", i)
	}

	tests := []struct {
		name string
		ids  []string
	}{
		{"empty", nil},
		{"too many", tooMany},
		{"duplicates", []string{"t1", "t1"}},
		{"blank id", []string{"t1", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bulk.Validate(bulk.Batch{TransactionIDs: tt.ids})
			assert.ErrorIs(t, err, pawn.ErrValidation)
		})
	}

	assert.NoError(t, bulk.Validate(bulk.Batch{TransactionIDs: tooMany[:bulk.MaxBatchSize]}))
}

func TestSubmission_StripsInvalidDiscountsAndPIN(t *testing.T) {
	b := bulk.Batch{
		TransactionIDs: []string{"t1"},
		Discounts:      map[string]bulk.Discount{"t1": {Amount: dec("0"), Reason: "x"}},
		AdminPIN:       "1234",
	}

	out := b.Submission()

	assert.NotEmpty(t, out.ID)
	assert.Empty(t, out.Discounts)
	assert.Empty(t, out.AdminPIN)
	assert.Equal(t, "1234", b.AdminPIN)
}

// =============================================================================
// SESSION
// =============================================================================

func TestSession_EndToEnd_PartialSuccess(t *testing.T) {
	// GIVEN: two loans, one discounted with reason, PIN entered once
	// WHEN: the backend redeems one and rejects the other
	// THEN: result is partial and the displayed totals are unchanged

	ctx := context.Background()
	sub := &fakeSubmitter{result: bulk.Result{
		SuccessCount:         1,
		ErrorCount:           1,
		TotalAmountProcessed: dec("420"),
		Results:              []bulk.ItemResult{{TransactionID: "t1", AmountPaid: dec("420"), Status: pawn.StatusRedeemed}},
		Errors:               []bulk.ItemError{{TransactionID: "t2", Message: "status changed"}},
	}}
	s := bulk.NewSession(sub, nil)
	s.Load([]pawn.Transaction{
		loan("t1", pawn.StatusActive, "400", "40", "0"),
		loan("t2", pawn.StatusOverdue, "200", "20", "10"),
	})

	require.NoError(t, s.AddDiscount("t1", dec("20"), "repeat customer"))
	require.NoError(t, s.SetOverdueFeeOverride("t2", ptr(dec("0"))))
	s.SetAdminPIN("1234")

	before := s.Totals()
	assert.True(t, before.Due.Equal(dec("640")), "got %s", before.Due)

	res, err := s.Submit(ctx, clerk)
	require.NoError(t, err)

	assert.True(t, res.Partial())
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, before, s.Totals())

	require.Len(t, sub.got, 1)
	assert.Equal(t, "1234", sub.got[0].AdminPIN)
	assert.Equal(t, []string{"t1", "t2"}, sub.got[0].TransactionIDs)

	last, ok := s.LastResult()
	require.True(t, ok)
	assert.Equal(t, res, last)
	assert.Empty(t, s.Batch().AdminPIN)
}

func TestSession_ValidationNeverReachesBackend(t *testing.T) {
	sub := &fakeSubmitter{}
	s := bulk.NewSession(sub, nil)
	s.Load([]pawn.Transaction{loan("t1", pawn.StatusActive, "100", "10", "0")})
	require.NoError(t, s.AddDiscount("t1", dec("40"), ""))

	_, err := s.Submit(context.Background(), clerk)

	assert.ErrorIs(t, err, pawn.ErrValidation)
	assert.Empty(t, sub.got)
}

func TestSession_TransportErrorKeepsTotals(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("connection reset")}
	s := bulk.NewSession(sub, nil)
	s.Load([]pawn.Transaction{loan("t1", pawn.StatusActive, "100", "10", "0")})
	before := s.Totals()

	_, err := s.Submit(context.Background(), clerk)

	require.Error(t, err)
	assert.Equal(t, before, s.Totals())
	_, ok := s.LastResult()
	assert.False(t, ok)
}

func TestSession_EditsRequireMembership(t *testing.T) {
	s := bulk.NewSession(&fakeSubmitter{}, nil)
	s.Load([]pawn.Transaction{loan("t1", pawn.StatusActive, "100", "10", "5")})

	assert.ErrorIs(t, s.AddDiscount("t9", dec("1"), "x"), pawn.ErrNotFound)
	assert.ErrorIs(t, s.AddDiscount("t1", dec("-1"), "x"), pawn.ErrValidation)
	assert.ErrorIs(t, s.SetOverdueFeeOverride("t1", ptr(dec("-5"))), pawn.ErrValidation)

	require.NoError(t, s.SetOverdueFeeOverride("t1", ptr(dec("20"))))
	assert.True(t, s.Totals().Due.Equal(dec("130")))
	require.NoError(t, s.SetOverdueFeeOverride("t1", nil))
	assert.True(t, s.Totals().Due.Equal(dec("115")))

	s.Remove("t1")
	assert.Equal(t, 0, s.Totals().Count())
}
