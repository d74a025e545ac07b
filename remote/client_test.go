package remote_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/remote"
)

func serve(t *testing.T, routes map[string]http.HandlerFunc) *remote.Client {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return remote.New(srv.URL + "/")
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func TestClient_ListShapes(t *testing.T) {
	c := serve(t, map[string]http.HandlerFunc{
		"GET /transactions/tx-1/payments":   reply(200, `{"payments":[{"id":"p-1","payment_amount":"120.00","payment_date":"2026-03-10 14:00:00"}]}`),
		"GET /transactions/tx-1/extensions": reply(200, `[{"id":"e-1","extension_fee":"45","is_cancelled":false}]`),
		"GET /transactions/tx-1/audit-logs": reply(200, `{"audit_logs":null}`),
		"GET /transactions/tx-2/payments":   reply(200, `{"unexpected":true}`),
	})
	ctx := context.Background()

	// GIVEN/WHEN: a wrapped list
	payments, err := c.Payments(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Amount.Equal(decimal.RequireFromString("120")))
	assert.Equal(t, "2026-03-10", payments[0].PaymentDate.DateString())

	// AND: a bare array
	extensions, err := c.Extensions(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, extensions, 1)
	assert.Equal(t, "e-1", extensions[0].ID)

	// AND: a null list
	audits, err := c.AuditEntries(ctx, "tx-1", 100)
	require.NoError(t, err)
	assert.Empty(t, audits)

	// THEN: an unknown shape is malformed and empty
	payments, err = c.Payments(ctx, "tx-2")
	assert.ErrorIs(t, err, pawn.ErrMalformedInput)
	assert.Empty(t, payments)
}

func TestClient_SendsActorAndApproval(t *testing.T) {
	var gotActor, gotRole string
	var gotApproval action.Approval
	c := serve(t, map[string]http.HandlerFunc{
		"POST /actions/payment_reversal/p-1/commit": func(w http.ResponseWriter, r *http.Request) {
			gotActor = r.Header.Get(remote.HeaderActorID)
			gotRole = r.Header.Get(remote.HeaderActorRole)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotApproval))
			reply(200, `{"refunded_amount":"120","restored_status":"active","message":"done"}`)(w, r)
		},
	})

	ctx := pawn.WithActor(context.Background(), pawn.Actor{ID: "admin-1", Role: pawn.RoleAdmin})
	res, err := c.Commit(ctx, action.KindPaymentReversal, "p-1", action.Approval{Reason: "dup", AdminPIN: "1234"})
	require.NoError(t, err)

	assert.Equal(t, "admin-1", gotActor)
	assert.Equal(t, "admin", gotRole)
	assert.Equal(t, action.Approval{Reason: "dup", AdminPIN: "1234"}, gotApproval)
	assert.True(t, res.RefundedAmount.Equal(decimal.RequireFromString("120")))
	assert.Equal(t, pawn.StatusActive, res.RestoredStatus)
}

func TestClient_StatusMapping(t *testing.T) {
	c := serve(t, map[string]http.HandlerFunc{
		"POST /actions/payment_reversal/p-401/commit": reply(401, `{"error":"Invalid admin PIN"}`),
		"POST /actions/payment_reversal/p-403/commit": reply(403, `{"error":"forbidden"}`),
		"POST /actions/payment_reversal/p-404/commit": reply(404, `{"error":"not found"}`),
		"POST /actions/payment_reversal/p-409/commit": reply(409, `{"error":"already reversed"}`),
		"POST /actions/payment_reversal/p-422/commit": reply(422, `{"error":"not eligible","reason":"Payment is from a previous business day"}`),
		"POST /actions/payment_reversal/p-400/commit": reply(400, `{"error":"validation failed","problems":[{"field":"reason","message":"required"}]}`),
		"POST /actions/payment_reversal/p-500/commit": reply(500, `oops`),
	})
	ctx := context.Background()
	commit := func(target string) error {
		_, err := c.Commit(ctx, action.KindPaymentReversal, target, action.Approval{Reason: "x", AdminPIN: "1"})
		return err
	}

	assert.ErrorIs(t, commit("p-401"), pawn.ErrInvalidCredential)
	assert.Equal(t, action.FailureRetryable, action.Classify(commit("p-401")))
	assert.ErrorIs(t, commit("p-403"), pawn.ErrPermissionDenied)
	assert.ErrorIs(t, commit("p-404"), pawn.ErrNotFound)
	assert.ErrorIs(t, commit("p-409"), pawn.ErrConflict)

	err := commit("p-422")
	assert.ErrorIs(t, err, pawn.ErrConflict)
	assert.Equal(t, "Payment is from a previous business day", action.UserMessage(err))

	var verr *pawn.ValidationError
	require.ErrorAs(t, commit("p-400"), &verr)
	assert.Equal(t, "reason", verr.Problems[0].Field)

	err = commit("p-500")
	require.Error(t, err)
	assert.Equal(t, action.FailureTerminal, action.Classify(err))
}

func TestClient_BulkCarriesActor(t *testing.T) {
	var gotActor string
	var gotBatch bulk.Batch
	c := serve(t, map[string]http.HandlerFunc{
		"POST /bulk-redemptions": func(w http.ResponseWriter, r *http.Request) {
			gotActor = r.Header.Get(remote.HeaderActorID)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
			reply(200, `{"batch_id":"b-1","success_count":1,"error_count":1,"total_amount_processed":"500",
				"results":[{"transaction_id":"tx-a","amount_paid":"500","status":"redeemed"}],
				"errors":[{"transaction_id":"tx-b","error":"Transaction is redeemed and cannot be redeemed"}]}`)(w, r)
		},
	})

	res, err := c.SubmitBulkRedemption(context.Background(), pawn.Actor{ID: "clerk-1"}, bulk.Batch{ID: "b-1", TransactionIDs: []string{"tx-a", "tx-b"}})
	require.NoError(t, err)

	assert.Equal(t, "clerk-1", gotActor)
	assert.Equal(t, []string{"tx-a", "tx-b"}, gotBatch.TransactionIDs)
	assert.True(t, res.Partial())
	assert.Equal(t, "tx-b", res.Errors[0].TransactionID)
}

func TestClient_TransactionNotFound(t *testing.T) {
	c := serve(t, map[string]http.HandlerFunc{})

	_, err := c.Transaction(context.Background(), "missing")
	assert.ErrorIs(t, err, pawn.ErrNotFound)
}
