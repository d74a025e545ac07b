/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	pawn loans for demos and manual testing. Each scenario is dated
	relative to the moment it is loaded, so "taken today" stays true.

AVAILABLE SCENARIOS:

	same-day-reversal:  Loan redeemed by a payment taken an hour ago
	extension-cancel:   Loan extended this morning, on top of an older extension
	bulk-redemption:    Three overdue loans with fees, plus one already sold
	fresh-void:         Loan written today, no payments yet

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Seed the admin account with the configured PIN
 3. Put each transaction with its payments and extensions
 4. Append the audit rows a real history would have produced
 5. Invalidate cached reads for every seeded transaction

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "bulk-redemption"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - store/sqlite/sqlite.go: the Seeder implementation
  - cmd/server/main.go: DEMO_SCENARIO loads one at startup
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/store"
)

// Seeder is the write side a scenario needs from a store.
type Seeder interface {
	Reset(ctx context.Context) error
	PutTransaction(ctx context.Context, tx pawn.Transaction) error
	PutAdmin(ctx context.Context, id, pinHash string) error
	AppendAudit(ctx context.Context, entries ...pawn.AuditEntry) error
}

// DemoAdminID is the admin account every scenario seeds.
const DemoAdminID = "admin-1"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "same-day-reversal",
		Name:        "Same-Day Reversal",
		Description: "Loan redeemed by a payment taken an hour ago; reversing it reopens the loan",
	},
	{
		ID:          "extension-cancel",
		Name:        "Extension Cancellation",
		Description: "Loan extended this morning on top of last month's extension",
	},
	{
		ID:          "bulk-redemption",
		Name:        "Bulk Redemption",
		Description: "Three overdue loans with overdue fees, and one sold loan that cannot be redeemed",
	},
	{
		ID:          "fresh-void",
		Name:        "Fresh Void",
		Description: "Loan written today with no payments, ready to void",
	},
}

type scenarioFunc func(now time.Time) ([]pawn.Transaction, []pawn.AuditEntry)

var scenarioLoaders = map[string]scenarioFunc{
	"same-day-reversal": sameDayReversal,
	"extension-cancel":  extensionCancel,
	"bulk-redemption":   bulkRedemption,
	"fresh-void":        freshVoid,
}

// =============================================================================
// LOADER
// =============================================================================

// ScenarioLoader resets a store and seeds one scenario into it.
type ScenarioLoader struct {
	seeder      Seeder
	invalidator action.Invalidator
	adminPIN    string
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	current string
}

// NewScenarioLoader seeds through s. inv may be nil when nothing caches reads.
func NewScenarioLoader(s Seeder, inv action.Invalidator, adminPIN string, logger *slog.Logger) *ScenarioLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScenarioLoader{seeder: s, invalidator: inv, adminPIN: adminPIN, logger: logger, now: time.Now}
}

// Current returns the id of the loaded scenario, or "".
func (l *ScenarioLoader) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Load replaces the store contents with scenario id.
func (l *ScenarioLoader) Load(ctx context.Context, id string) error {
	build, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("scenario %q: %w", id, pawn.ErrNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.seeder.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	hash, err := store.HashPIN(l.adminPIN)
	if err != nil {
		return err
	}
	if err := l.seeder.PutAdmin(ctx, DemoAdminID, hash); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	txs, audits := build(l.now().UTC())
	for _, tx := range txs {
		if err := l.seeder.PutTransaction(ctx, tx); err != nil {
			return fmt.Errorf("seed %s: %w", tx.ID, err)
		}
	}
	if err := l.seeder.AppendAudit(ctx, audits...); err != nil {
		return fmt.Errorf("seed audit: %w", err)
	}
	if l.invalidator != nil {
		for _, tx := range txs {
			l.invalidator.Invalidate(ctx, tx.ID)
		}
	}

	l.current = id
	l.logger.Info("scenario loaded", slog.String("scenario", id), slog.Int("transactions", len(txs)))
	return nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	current := h.Scenarios.Current()
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and seeds the chosen scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeError(w, http.StatusNotFound, "Scenarios are not available with a remote backend", nil)
		return
	}
	var in LoadScenarioRequest
	if err := decode(r, &in); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	if err := h.Scenarios.Load(r.Context(), in.ScenarioID); err != nil {
		writeDomainError(w, h.Logger, err)
		return
	}
	for _, s := range scenarios {
		if s.ID == in.ScenarioID {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
}

// =============================================================================
// SCENARIO BUILDERS
// =============================================================================

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func audit(id, txID string, at time.Time, typ, summary, prev, next, details string) pawn.AuditEntry {
	return pawn.AuditEntry{
		ID:            id,
		TransactionID: txID,
		ActionType:    typ,
		ActionSummary: summary,
		PreviousValue: prev,
		NewValue:      next,
		Details:       details,
		ActorID:       "clerk-1",
		CreatedAt:     pawn.At(at),
	}
}

func sameDayReversal(now time.Time) ([]pawn.Transaction, []pawn.AuditEntry) {
	opened := now.AddDate(0, -1, -2)
	paid := now.Add(-time.Hour)
	tx := pawn.Transaction{
		ID:                    "PT-1001",
		StoredStatus:          pawn.StatusRedeemed,
		LoanAmount:            amt("500"),
		MonthlyInterestAmount: amt("25"),
		MaturityDate:          pawn.At(now.AddDate(0, 0, 28)),
		Payments: []pawn.Payment{
			{ID: "PAY-1", TransactionID: "PT-1001", Amount: amt("50"), PaymentDate: pawn.At(now.AddDate(0, 0, -10)), CreatedBy: "clerk-1"},
			{ID: "PAY-2", TransactionID: "PT-1001", Amount: amt("475"), PaymentDate: pawn.At(paid), CreatedBy: "clerk-1"},
		},
		Balances: pawn.Balances{Principal: decimal.Zero, Interest: decimal.Zero, OverdueFee: decimal.Zero, Current: decimal.Zero},
	}
	return []pawn.Transaction{tx}, []pawn.AuditEntry{
		audit("AUD-1001-1", tx.ID, opened, "transaction_created", "Transaction Created", "", "active", "Loan of $500.00 issued."),
		audit("AUD-1001-2", tx.ID, now.AddDate(0, 0, -10), store.AuditPaymentProcessed, "Payment Processed", "525.00", "475.00", "Payment of $50.00 received."),
		audit("AUD-1001-3", tx.ID, paid, store.AuditPaymentProcessed, "Payment Processed", "475.00", "0.00", "Payment of $475.00 received."),
		audit("AUD-1001-4", tx.ID, paid, store.AuditRedemptionCompleted, "Redemption Completed", "active", "redeemed", "All amounts paid in full. Items ready for pickup"),
	}
}

func extensionCancel(now time.Time) ([]pawn.Transaction, []pawn.AuditEntry) {
	firstAt := now.AddDate(0, -1, 0)
	secondAt := now.Add(-2 * time.Hour)
	m0 := now.AddDate(0, 0, 5)
	m1 := m0.AddDate(0, 1, 0)
	m2 := m1.AddDate(0, 1, 0)
	tx := pawn.Transaction{
		ID:                    "PT-2001",
		StoredStatus:          pawn.StatusExtended,
		LoanAmount:            amt("800"),
		MonthlyInterestAmount: amt("40"),
		MaturityDate:          pawn.At(m2),
		Extensions: []pawn.Extension{
			{ID: "EXT-1", TransactionID: "PT-2001", Months: 1, Fee: amt("40"), ExtensionDate: pawn.At(firstAt),
				PreviousMaturityDate: pawn.At(m0), NewMaturityDate: pawn.At(m1), CreatedBy: "clerk-1"},
			{ID: "EXT-2", TransactionID: "PT-2001", Months: 1, Fee: amt("40"), ExtensionDate: pawn.At(secondAt),
				PreviousMaturityDate: pawn.At(m1), NewMaturityDate: pawn.At(m2), CreatedBy: "clerk-1"},
		},
		Balances: pawn.Balances{Principal: amt("800"), Interest: amt("40"), OverdueFee: decimal.Zero, Current: amt("840")},
	}
	return []pawn.Transaction{tx}, []pawn.AuditEntry{
		audit("AUD-2001-1", tx.ID, now.AddDate(0, -2, 0), "transaction_created", "Transaction Created", "", "active", "Loan of $800.00 issued."),
		audit("AUD-2001-2", tx.ID, firstAt, "extension_created", "Extension Created", m0.Format("2006-01-02"), m1.Format("2006-01-02"), "Extended 1 month for $40.00."),
		audit("AUD-2001-3", tx.ID, secondAt, "extension_created", "Extension Created", m1.Format("2006-01-02"), m2.Format("2006-01-02"), "Extended 1 month for $40.00."),
	}
}

func bulkRedemption(now time.Time) ([]pawn.Transaction, []pawn.AuditEntry) {
	overdue := func(id, principal, interest, fee string) pawn.Transaction {
		p, i, f := amt(principal), amt(interest), amt(fee)
		return pawn.Transaction{
			ID:                    id,
			StoredStatus:          pawn.StatusOverdue,
			LoanAmount:            p,
			MonthlyInterestAmount: i,
			MaturityDate:          pawn.At(now.AddDate(0, 0, -12)),
			Balances:              pawn.Balances{Principal: p, Interest: i, OverdueFee: f, Current: p.Add(i).Add(f)},
		}
	}
	txs := []pawn.Transaction{
		overdue("PT-3001", "300", "30", "15"),
		overdue("PT-3002", "450", "45", "22.50"),
		overdue("PT-3003", "120", "12", "6"),
		{
			ID:                    "PT-3004",
			StoredStatus:          pawn.StatusSold,
			LoanAmount:            amt("200"),
			MonthlyInterestAmount: amt("20"),
			MaturityDate:          pawn.At(now.AddDate(0, -3, 0)),
			Balances:              pawn.Balances{Principal: decimal.Zero, Interest: decimal.Zero, OverdueFee: decimal.Zero, Current: decimal.Zero},
		},
	}
	var audits []pawn.AuditEntry
	for _, tx := range txs {
		audits = append(audits, audit("AUD-"+tx.ID, tx.ID, now.AddDate(0, -2, 0), "transaction_created", "Transaction Created",
			"", "active", fmt.Sprintf("Loan of %s issued.", pawn.FormatMoney(tx.LoanAmount))))
	}
	return txs, audits
}

func freshVoid(now time.Time) ([]pawn.Transaction, []pawn.AuditEntry) {
	opened := now.Add(-30 * time.Minute)
	tx := pawn.Transaction{
		ID:                    "PT-4001",
		StoredStatus:          pawn.StatusActive,
		LoanAmount:            amt("250"),
		MonthlyInterestAmount: amt("12.50"),
		MaturityDate:          pawn.At(now.AddDate(0, 1, 0)),
		Balances:              pawn.Balances{Principal: amt("250"), Interest: decimal.Zero, OverdueFee: decimal.Zero, Current: amt("250")},
	}
	return []pawn.Transaction{tx}, []pawn.AuditEntry{
		audit("AUD-4001-1", tx.ID, opened, "transaction_created", "Transaction Created", "", "active", "Loan of $250.00 issued."),
	}
}
