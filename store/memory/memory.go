// Package memory provides an in-memory store.Repository (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/store"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[string]pawn.Transaction
	audits       map[string][]pawn.AuditEntry
	owners       map[ownerKey]string
	admins       map[string]string
}

type ownerKey struct {
	Kind     action.Kind
	TargetID string
}

func New() *Memory {
	return &Memory{
		transactions: make(map[string]pawn.Transaction),
		audits:       make(map[string][]pawn.AuditEntry),
		owners:       make(map[ownerKey]string),
		admins:       make(map[string]string),
	}
}

var _ store.Repository = (*Memory)(nil)

// =============================================================================
// SEEDING
// =============================================================================

// Put stores tx with its payments and extensions, replacing any previous copy.
func (m *Memory) Put(tx pawn.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(tx.Clone())
}

// AppendAudit adds audit rows as if the backend had written them.
func (m *Memory) AppendAudit(entries ...pawn.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.audits[e.TransactionID] = append(m.audits[e.TransactionID], e)
	}
}

// PutAdmin registers an admin with an already hashed PIN.
func (m *Memory) PutAdmin(id, pinHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[id] = pinHash
}

func (m *Memory) putLocked(tx pawn.Transaction) {
	m.transactions[tx.ID] = tx
	m.owners[ownerKey{action.KindTransactionVoid, tx.ID}] = tx.ID
	for _, p := range tx.Payments {
		m.owners[ownerKey{action.KindPaymentReversal, p.ID}] = tx.ID
	}
	for _, e := range tx.Extensions {
		m.owners[ownerKey{action.KindExtensionCancellation, e.ID}] = tx.ID
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) Transaction(_ context.Context, id string) (pawn.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return pawn.Transaction{}, fmt.Errorf("transaction %s: %w", id, pawn.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (m *Memory) Payments(ctx context.Context, transactionID string) ([]pawn.Payment, error) {
	tx, err := m.Transaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return tx.Payments, nil
}

func (m *Memory) Extensions(ctx context.Context, transactionID string) ([]pawn.Extension, error) {
	tx, err := m.Transaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return tx.Extensions, nil
}

// AuditEntries returns up to limit entries, newest first. limit <= 0 means all.
func (m *Memory) AuditEntries(_ context.Context, transactionID string, limit int) ([]pawn.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := append([]pawn.AuditEntry(nil), m.audits[transactionID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *Memory) Owner(_ context.Context, kind action.Kind, targetID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.owners[ownerKey{kind, targetID}]
	if !ok {
		return "", fmt.Errorf("%s target %s: %w", kind, targetID, pawn.ErrNotFound)
	}
	return id, nil
}

func (m *Memory) AdminPINs(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.admins))
	for k, v := range m.admins {
		out[k] = v
	}
	return out, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Update applies fn under the write lock. Nothing is stored if fn fails.
func (m *Memory) Update(ctx context.Context, transactionID string, fn func(pawn.Transaction) (store.Change, error)) (store.Change, error) {
	if err := ctx.Err(); err != nil {
		return store.Change{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[transactionID]
	if !ok {
		return store.Change{}, fmt.Errorf("transaction %s: %w", transactionID, pawn.ErrNotFound)
	}
	change, err := fn(tx.Clone())
	if err != nil {
		return store.Change{}, err
	}
	m.putLocked(change.Transaction.Clone())
	m.audits[transactionID] = append(m.audits[transactionID], change.Audit...)
	return change, nil
}
