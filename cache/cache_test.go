package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pawn-desk/cache"
	"github.com/warp/pawn-desk/pawn"
)

// countingReader serves a fixed transaction and counts backend calls.
type countingReader struct {
	mu    sync.Mutex
	calls map[string]int
	tx    pawn.Transaction
	audit []pawn.AuditEntry
	err   error
	block chan struct{}
}

func newCountingReader() *countingReader {
	return &countingReader{
		calls: make(map[string]int),
		tx: pawn.Transaction{
			ID:           "tx-1",
			StoredStatus: pawn.StatusActive,
			MaturityDate: pawn.At(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)),
			Payments:     []pawn.Payment{{ID: "p-1", Amount: decimal.RequireFromString("120.50")}},
			Balances:     pawn.Balances{Current: decimal.RequireFromString("500")},
		},
		audit: []pawn.AuditEntry{{ID: "a-1", TransactionID: "tx-1", ActionType: "note"}},
	}
}

func (c *countingReader) hit(name string) error {
	c.mu.Lock()
	c.calls[name]++
	err, block := c.err, c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (c *countingReader) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *countingReader) Transaction(_ context.Context, id string) (pawn.Transaction, error) {
	if err := c.hit("transaction"); err != nil {
		return pawn.Transaction{}, err
	}
	return c.tx.Clone(), nil
}

func (c *countingReader) Payments(context.Context, string) ([]pawn.Payment, error) {
	if err := c.hit("payments"); err != nil {
		return nil, err
	}
	return c.tx.Payments, nil
}

func (c *countingReader) Extensions(context.Context, string) ([]pawn.Extension, error) {
	if err := c.hit("extensions"); err != nil {
		return nil, err
	}
	return c.tx.Extensions, nil
}

func (c *countingReader) AuditEntries(_ context.Context, _ string, limit int) ([]pawn.AuditEntry, error) {
	if err := c.hit("audit"); err != nil {
		return nil, err
	}
	return c.audit, nil
}

func stores(t *testing.T) map[string]cache.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]cache.Store{
		"memory": cache.NewMemory(time.Minute, time.Minute),
		"redis":  cache.NewRedis(client),
	}
}

func TestReader_CachesUntilInvalidated(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend := newCountingReader()
			r := cache.NewReader(backend, store, time.Minute, nil)

			// GIVEN: a transaction read twice
			first, err := r.Transaction(ctx, "tx-1")
			require.NoError(t, err)
			second, err := r.Transaction(ctx, "tx-1")
			require.NoError(t, err)

			// THEN: the backend was asked once and the copy round-trips
			assert.Equal(t, 1, backend.count("transaction"))
			assert.Equal(t, first.ID, second.ID)
			assert.True(t, second.Payments[0].Amount.Equal(decimal.RequireFromString("120.50")))
			assert.Equal(t, "2026-04-01", second.MaturityDate.DateString())
			hits, misses := r.Stats()
			assert.Equal(t, int64(1), hits)
			assert.Equal(t, int64(1), misses)

			// WHEN: the transaction changes
			r.Invalidate(ctx, "tx-1")
			_, err = r.Transaction(ctx, "tx-1")
			require.NoError(t, err)

			// THEN: it is fetched again
			assert.Equal(t, 2, backend.count("transaction"))
		})
	}
}

func TestReader_AuditLimitIsPartOfKey(t *testing.T) {
	ctx := context.Background()
	backend := newCountingReader()
	r := cache.NewReader(backend, cache.NewMemory(time.Minute, time.Minute), time.Minute, nil)

	_, err := r.AuditEntries(ctx, "tx-1", 100)
	require.NoError(t, err)
	_, err = r.AuditEntries(ctx, "tx-1", 10)
	require.NoError(t, err)
	entries, err := r.AuditEntries(ctx, "tx-1", 100)
	require.NoError(t, err)

	assert.Equal(t, 2, backend.count("audit"))
	require.Len(t, entries, 1)
	assert.Equal(t, "a-1", entries[0].ID)
}

func TestReader_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	backend := newCountingReader()
	backend.err = pawn.ErrMalformedInput
	r := cache.NewReader(backend, cache.NewMemory(time.Minute, time.Minute), time.Minute, nil)

	_, err := r.Payments(ctx, "tx-1")
	require.ErrorIs(t, err, pawn.ErrMalformedInput)

	backend.mu.Lock()
	backend.err = nil
	backend.mu.Unlock()

	ps, err := r.Payments(ctx, "tx-1")
	require.NoError(t, err)
	assert.Len(t, ps, 1)
	assert.Equal(t, 2, backend.count("payments"))
}

func TestReader_CallerStopsWaitingOnCancel(t *testing.T) {
	backend := newCountingReader()
	backend.block = make(chan struct{})
	defer close(backend.block)
	r := cache.NewReader(backend, cache.NewMemory(time.Minute, time.Minute), time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Extensions(ctx, "tx-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestReader_ReadsThroughWhenStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	backend := newCountingReader()
	r := cache.NewReader(backend, cache.NewRedis(client), time.Minute, nil)

	tx, err := r.Transaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)

	// invalidation against a dead store only logs
	r.Invalidate(context.Background(), "tx-1")
}

func TestMemory_Incr(t *testing.T) {
	ctx := context.Background()
	m := cache.NewMemory(time.Minute, time.Minute)

	n, err := m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	raw, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw))

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrMiss)
}
