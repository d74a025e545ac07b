package pawn_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// EFFECTIVE STATUS
// =============================================================================

func TestEffectiveStatus_ActiveWithLiveExtension_IsExtended(t *testing.T) {
	got := pawn.EffectiveStatus(pawn.StatusActive, []pawn.Extension{{ID: "e1", IsCancelled: false}})
	assert.Equal(t, pawn.StatusExtended, got)
}

func TestEffectiveStatus_ActiveWithCancelledExtension_StaysActive(t *testing.T) {
	got := pawn.EffectiveStatus(pawn.StatusActive, []pawn.Extension{{ID: "e1", IsCancelled: true}})
	assert.Equal(t, pawn.StatusActive, got)
}

func TestEffectiveStatus_OverdueWithLiveExtension_IsExtended(t *testing.T) {
	got := pawn.EffectiveStatus(pawn.StatusOverdue, []pawn.Extension{{IsCancelled: true}, {IsCancelled: false}})
	assert.Equal(t, pawn.StatusExtended, got)
}

func TestEffectiveStatus_TerminalStatusesIgnoreExtensions(t *testing.T) {
	for _, s := range []pawn.Status{pawn.StatusRedeemed, pawn.StatusVoided, pawn.StatusForfeited, pawn.StatusHold} {
		got := pawn.EffectiveStatus(s, []pawn.Extension{{IsCancelled: false}})
		assert.Equal(t, s, got, "status %s", s)
	}
}

func TestCanProcessActions(t *testing.T) {
	assert.True(t, pawn.CanProcessActions(pawn.StatusActive))
	assert.True(t, pawn.CanProcessActions(pawn.StatusOverdue))
	assert.True(t, pawn.CanProcessActions(pawn.StatusExtended))
	assert.False(t, pawn.CanProcessActions(pawn.StatusRedeemed))
	assert.False(t, pawn.CanProcessActions(pawn.StatusVoided))
}

func TestTransactionClone_DoesNotAliasChildren(t *testing.T) {
	orig := pawn.Transaction{
		ID:         "tx-1",
		Payments:   []pawn.Payment{{ID: "p1"}},
		Extensions: []pawn.Extension{{ID: "e1"}},
	}
	clone := orig.Clone()
	clone.Payments[0].IsReversed = true
	clone.Extensions[0].IsCancelled = true

	assert.False(t, orig.Payments[0].IsReversed)
	assert.False(t, orig.Extensions[0].IsCancelled)
}

// =============================================================================
// BUSINESS CALENDAR
// =============================================================================

func TestBusinessCalendar_BeforeCutoverBelongsToPreviousDay(t *testing.T) {
	cal := pawn.BusinessCalendar{Location: time.UTC, CutoverHour: 4}

	lateNight := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)
	afterCutover := time.Date(2026, 3, 11, 5, 0, 0, 0, time.UTC)

	assert.True(t, cal.SameBusinessDay(lateNight, earlyMorning), "02:00 is still yesterday's business day")
	assert.False(t, cal.SameBusinessDay(earlyMorning, afterCutover))
}

func TestBusinessCalendar_WithinTodayRejectsZero(t *testing.T) {
	cal := pawn.DefaultCalendar()
	assert.False(t, cal.WithinToday(pawn.Timestamp{}, time.Now()))
}

func TestNewBusinessCalendar_RejectsBadInput(t *testing.T) {
	_, err := pawn.NewBusinessCalendar("UTC", 24)
	assert.Error(t, err)

	_, err = pawn.NewBusinessCalendar("Nowhere/Atlantis", 4)
	assert.Error(t, err)
}

// =============================================================================
// WIRE DECODING
// =============================================================================

func TestTimestamp_UnparseableDecodesToZero(t *testing.T) {
	var p pawn.Payment
	err := json.Unmarshal([]byte(`{"id":"p1","payment_date":"not-a-date","created_at":"2026-03-10 12:00:00"}`), &p)
	require.NoError(t, err)

	assert.True(t, p.PaymentDate.IsZero())
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), p.OccurredAt().Time)
}

func TestDecodeList_AcceptsArrayAndWrapper(t *testing.T) {
	fromArray, err := pawn.DecodeList[pawn.Payment]([]byte(`[{"id":"p1"},{"id":"p2"}]`))
	require.NoError(t, err)
	assert.Len(t, fromArray, 2)

	fromWrapper, err := pawn.DecodeList[pawn.Payment]([]byte(`{"payments":[{"id":"p1"}]}`))
	require.NoError(t, err)
	require.Len(t, fromWrapper, 1)
	assert.Equal(t, "p1", fromWrapper[0].ID)

	fromItems, err := pawn.DecodeList[pawn.Extension]([]byte(`{"items":[{"id":"e1"}]}`))
	require.NoError(t, err)
	assert.Len(t, fromItems, 1)
}

func TestDecodeList_NullIsEmpty(t *testing.T) {
	items, err := pawn.DecodeList[pawn.Payment]([]byte(`null`))
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestDecodeList_UnknownShapeDegradesToEmpty(t *testing.T) {
	for _, raw := range []string{`{"count":3}`, `"oops"`, `42`, `[1,2`} {
		items, err := pawn.DecodeList[pawn.Payment]([]byte(raw))
		assert.True(t, errors.Is(err, pawn.ErrMalformedInput), "input %s", raw)
		assert.Empty(t, items, "input %s", raw)
	}
}

func TestRawList_NeverFailsUnmarshal(t *testing.T) {
	var list pawn.RawList[pawn.AuditEntry]
	require.NoError(t, json.Unmarshal([]byte(`{"weird":true}`), &list))
	assert.True(t, list.Malformed)
	assert.Empty(t, list.Items)
}

// =============================================================================
// ERRORS AND MONEY
// =============================================================================

func TestIneligibleError_UnwrapsToSentinel(t *testing.T) {
	err := error(&pawn.IneligibleError{Reason: "outside same-day window"})
	assert.True(t, errors.Is(err, pawn.ErrIneligible))
	assert.Contains(t, err.Error(), "outside same-day window")
}

func TestValidationError_OrNil(t *testing.T) {
	v := &pawn.ValidationError{}
	assert.NoError(t, v.OrNil())

	v.Add("discounts.tx-1.reason", "reason is required")
	err := v.OrNil()
	require.Error(t, err)
	assert.True(t, errors.Is(err, pawn.ErrValidation))
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "$120.00", pawn.FormatMoney(decimal.NewFromInt(120)))
	assert.Equal(t, "$45.50", pawn.FormatMoney(decimal.RequireFromString("45.5")))
	assert.Equal(t, "-$5.00", pawn.FormatMoney(decimal.NewFromInt(-5)))
}
