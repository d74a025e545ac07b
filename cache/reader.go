/*
Package cache puts a read-through cache in front of a desk.Reader.

PURPOSE:
  Every open transaction screen reads the same four lists. The cache
  keeps them for a short TTL, collapses concurrent misses for the same
  key into one backend call and drops a transaction's entries when the
  desk reports it changed.

KEYS:
  pawn:<txID>:version            counter, bumped by Invalidate
  pawn:<txID>:v<N>:transaction   JSON snapshot
  pawn:<txID>:v<N>:payments
  pawn:<txID>:v<N>:extensions
  pawn:<txID>:v<N>:audit:<limit>

  Invalidation never deletes. Bumping the version makes every older key
  unreachable and the TTL reclaims it. With the Redis store this works
  across desk processes.

ERRORS:
  Loader errors are returned and never cached. If the store itself fails
  the read goes straight to the backend.

SEE ALSO:
  - cache/store.go: go-cache and Redis stores
  - desk/desk.go: Config.Reader and Config.Invalidator
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/warp/pawn-desk/desk"
	"github.com/warp/pawn-desk/pawn"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how stale a cached list can be without an invalidation.
const DefaultTTL = 30 * time.Second

// Reader is a caching desk.Reader. It also implements action.Invalidator.
type Reader struct {
	next   desk.Reader
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

var _ desk.Reader = (*Reader)(nil)

func NewReader(next desk.Reader, store Store, ttl time.Duration, logger *slog.Logger) *Reader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{next: next, store: store, ttl: ttl, logger: logger}
}

// Stats reports cache hits and misses since creation.
func (r *Reader) Stats() (hits, misses int64) {
	return r.hits.Load(), r.misses.Load()
}

func (r *Reader) Transaction(ctx context.Context, id string) (pawn.Transaction, error) {
	tx, err := fetch(ctx, r, id, "transaction", func(ctx context.Context) (pawn.Transaction, error) {
		return r.next.Transaction(ctx, id)
	})
	return tx.Clone(), err
}

func (r *Reader) Payments(ctx context.Context, transactionID string) ([]pawn.Payment, error) {
	ps, err := fetch(ctx, r, transactionID, "payments", func(ctx context.Context) ([]pawn.Payment, error) {
		return r.next.Payments(ctx, transactionID)
	})
	return append([]pawn.Payment(nil), ps...), err
}

func (r *Reader) Extensions(ctx context.Context, transactionID string) ([]pawn.Extension, error) {
	es, err := fetch(ctx, r, transactionID, "extensions", func(ctx context.Context) ([]pawn.Extension, error) {
		return r.next.Extensions(ctx, transactionID)
	})
	return append([]pawn.Extension(nil), es...), err
}

func (r *Reader) AuditEntries(ctx context.Context, transactionID string, limit int) ([]pawn.AuditEntry, error) {
	part := "audit:" + strconv.Itoa(limit)
	es, err := fetch(ctx, r, transactionID, part, func(ctx context.Context) ([]pawn.AuditEntry, error) {
		return r.next.AuditEntries(ctx, transactionID, limit)
	})
	return append([]pawn.AuditEntry(nil), es...), err
}

// Invalidate bumps the transaction's version. Store failures are logged;
// entries then expire with their TTL.
func (r *Reader) Invalidate(ctx context.Context, transactionID string) {
	if _, err := r.store.Incr(ctx, versionKey(transactionID)); err != nil {
		r.logger.Warn("cache invalidation failed",
			slog.String("transaction_id", transactionID),
			slog.Any("error", err))
	}
}

// =============================================================================
// INTERNALS
// =============================================================================

func versionKey(txID string) string {
	return fmt.Sprintf("pawn:%s:version", txID)
}

func (r *Reader) key(ctx context.Context, txID, part string) (string, error) {
	var ver int64
	raw, err := r.store.Get(ctx, versionKey(txID))
	switch {
	case errors.Is(err, ErrMiss):
	case err != nil:
		return "", err
	default:
		if ver, err = strconv.ParseInt(string(raw), 10, 64); err != nil {
			return "", fmt.Errorf("cache: version for %s: %w", txID, err)
		}
	}
	return fmt.Sprintf("pawn:%s:v%d:%s", txID, ver, part), nil
}

// fetch serves key from the store or loads it once for all concurrent
// callers. A caller whose ctx ends stops waiting; the shared load goes on.
func fetch[T any](ctx context.Context, r *Reader, txID, part string, load func(context.Context) (T, error)) (T, error) {
	var zero T

	key, err := r.key(ctx, txID, part)
	if err != nil {
		r.logger.Warn("cache unavailable, reading through", slog.String("transaction_id", txID), slog.Any("error", err))
		return load(ctx)
	}

	raw, err := r.store.Get(ctx, key)
	if err == nil {
		var v T
		if jsonErr := json.Unmarshal(raw, &v); jsonErr == nil {
			r.hits.Add(1)
			return v, nil
		}
	} else if !errors.Is(err, ErrMiss) {
		r.logger.Warn("cache get failed", slog.String("key", key), slog.Any("error", err))
	}
	r.misses.Add(1)

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		v, err := load(detached)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(v); err == nil {
			if err := r.store.Set(detached, key, raw, r.ttl); err != nil {
				r.logger.Warn("cache set failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
