/*
Package desk is the surface a presentation layer talks to.

PURPOSE:
  One Desk per operator. It reads transactions through a Reader, merges
  their activity into a timeline, runs the three reversible actions and
  the bulk redemption dialog, and tells subscribers when a transaction's
  data went stale.

QUERIES:
  View, Timeline, EffectiveStatus, BatchTotals, OfferedActions

INTENTS:
  InitiateAction, ApproveAction, CancelAction
  LoadBatch, AddDiscount, SetOverdueFeeOverride, SetAdminPIN, SubmitBatch

REFRESH:
  There is no global refresh broadcast. Callers register with
  OnTimelineInvalidated and refetch the transaction they are showing.

SEE ALSO:
  - action/engine.go: the state machine behind the action intents
  - bulk/session.go: the batch behind the bulk intents
  - cache/reader.go: a caching Reader that also implements Invalidator
*/
package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/timeline"
)

// DefaultAuditLimit is how many audit entries a timeline fetches.
const DefaultAuditLimit = 100

// Reader loads transaction data from a backend.
type Reader interface {
	Transaction(ctx context.Context, id string) (pawn.Transaction, error)
	Payments(ctx context.Context, transactionID string) ([]pawn.Payment, error)
	Extensions(ctx context.Context, transactionID string) ([]pawn.Extension, error)
	AuditEntries(ctx context.Context, transactionID string, limit int) ([]pawn.AuditEntry, error)
}

// Backend is everything a Desk needs from one collaborator.
type Backend interface {
	Reader
	action.Service
	bulk.Submitter
}

type Config struct {
	Actor   pawn.Actor
	Backend Backend

	// Reader overrides Backend for reads, e.g. a cache in front of it.
	Reader Reader
	// Invalidator is told about every committed change before subscribers.
	Invalidator action.Invalidator

	Calendar              pawn.BusinessCalendar
	SimultaneityWindow    time.Duration
	AuditLimit            int
	CommitTimeout         time.Duration
	ReversalAdminPrecheck bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Desk serves one operator.
type Desk struct {
	actor      pawn.Actor
	reader     Reader
	backend    Backend
	downstream action.Invalidator
	merger     timeline.Merger
	auditLimit int
	logger     *slog.Logger

	engines map[action.Kind]*action.Engine
	batch   *bulk.Session

	mu        sync.Mutex
	listeners map[int]func(transactionID string)
	nextID    int
}

func New(cfg Config) *Desk {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reader == nil {
		cfg.Reader = cfg.Backend
	}
	if cfg.AuditLimit <= 0 {
		cfg.AuditLimit = DefaultAuditLimit
	}
	logger := cfg.Logger.With(slog.String("actor_id", cfg.Actor.ID))

	d := &Desk{
		actor:      cfg.Actor,
		reader:     cfg.Reader,
		backend:    cfg.Backend,
		downstream: cfg.Invalidator,
		merger:     timeline.Merger{Window: cfg.SimultaneityWindow},
		auditLimit: cfg.AuditLimit,
		logger:     logger,
		engines:    make(map[action.Kind]*action.Engine, len(action.Kinds)),
		listeners:  make(map[int]func(string)),
	}

	engineCfg := action.Config{
		Service:       cfg.Backend,
		Invalidator:   d,
		Calendar:      cfg.Calendar,
		Logger:        logger,
		CommitTimeout: cfg.CommitTimeout,
		Now:           cfg.Now,
	}
	for _, s := range []action.Strategy{
		action.PaymentReversal(cfg.ReversalAdminPrecheck),
		action.ExtensionCancellation(),
		action.TransactionVoid(),
	} {
		d.engines[s.Kind] = action.NewEngine(s, engineCfg)
	}
	d.batch = bulk.NewSession(actorSubmitter{d}, logger)
	return d
}

// Actor returns the operator this desk serves.
func (d *Desk) Actor() pawn.Actor { return d.actor }

// =============================================================================
// QUERIES
// =============================================================================

// View is a transaction as the detail screen shows it.
type View struct {
	Transaction     pawn.Transaction         `json:"transaction"`
	EffectiveStatus pawn.Status              `json:"effective_status"`
	Timeline        []timeline.Event         `json:"timeline"`
	Offered         map[string][]action.Kind `json:"offered_actions"`
}

// View loads a transaction with its payments, extensions and audit log and
// merges them. A child list the backend returns in an unexpected shape
// degrades to empty.
func (d *Desk) View(ctx context.Context, transactionID string) (View, error) {
	tx, audits, err := d.load(ctx, transactionID)
	if err != nil {
		return View{}, err
	}
	events := d.merger.Merge(timeline.Normalize(tx.Payments, tx.Extensions, audits))

	offered := make(map[string][]action.Kind)
	if kinds := d.OfferedActions(tx, tx.ID); len(kinds) > 0 {
		offered[tx.ID] = kinds
	}
	for _, e := range events {
		if e.Kind == timeline.KindAudit {
			continue
		}
		if kinds := d.OfferedActions(tx, e.ID); len(kinds) > 0 {
			offered[e.ID] = kinds
		}
	}

	return View{
		Transaction:     tx,
		EffectiveStatus: tx.EffectiveStatus(),
		Timeline:        events,
		Offered:         offered,
	}, nil
}

// Timeline returns the merged, newest-first activity of a transaction.
func (d *Desk) Timeline(ctx context.Context, transactionID string) ([]timeline.Event, error) {
	v, err := d.View(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return v.Timeline, nil
}

// EffectiveStatus returns the status operators see for a transaction.
func (d *Desk) EffectiveStatus(ctx context.Context, transactionID string) (pawn.Status, error) {
	tx, err := d.transaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	return tx.EffectiveStatus(), nil
}

// OfferedActions lists the action kinds to show for targetID, which is a
// payment id, an extension id, or the transaction id itself.
func (d *Desk) OfferedActions(tx pawn.Transaction, targetID string) []action.Kind {
	var kinds []action.Kind
	for _, k := range action.Kinds {
		if d.engines[k].Offered(d.actor, tx, targetID) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (d *Desk) load(ctx context.Context, transactionID string) (pawn.Transaction, []pawn.AuditEntry, error) {
	tx, err := d.transaction(ctx, transactionID)
	if err != nil {
		return pawn.Transaction{}, nil, err
	}
	audits, err := d.reader.AuditEntries(ctx, transactionID, d.auditLimit)
	if err != nil {
		if !errors.Is(err, pawn.ErrMalformedInput) {
			return pawn.Transaction{}, nil, fmt.Errorf("load audit log for %s: %w", transactionID, err)
		}
		d.logger.Warn("audit log malformed, showing none", slog.String("transaction_id", transactionID))
		audits = nil
	}
	return tx, audits, nil
}

// transaction loads the snapshot and fills its child lists from their own
// endpoints.
func (d *Desk) transaction(ctx context.Context, transactionID string) (pawn.Transaction, error) {
	tx, err := d.reader.Transaction(ctx, transactionID)
	if err != nil {
		return pawn.Transaction{}, fmt.Errorf("load transaction %s: %w", transactionID, err)
	}

	payments, err := d.reader.Payments(ctx, transactionID)
	switch {
	case err == nil:
		tx.Payments = payments
	case errors.Is(err, pawn.ErrMalformedInput):
		d.logger.Warn("payments malformed, showing none", slog.String("transaction_id", transactionID))
		tx.Payments = nil
	default:
		return pawn.Transaction{}, fmt.Errorf("load payments for %s: %w", transactionID, err)
	}

	extensions, err := d.reader.Extensions(ctx, transactionID)
	switch {
	case err == nil:
		tx.Extensions = extensions
	case errors.Is(err, pawn.ErrMalformedInput):
		d.logger.Warn("extensions malformed, showing none", slog.String("transaction_id", transactionID))
		tx.Extensions = nil
	default:
		return pawn.Transaction{}, fmt.Errorf("load extensions for %s: %w", transactionID, err)
	}
	return tx, nil
}

// =============================================================================
// ACTION INTENTS
// =============================================================================

func (d *Desk) engine(kind action.Kind) (*action.Engine, error) {
	e, ok := d.engines[kind]
	if !ok {
		return nil, fmt.Errorf("action kind %q: %w", kind, pawn.ErrNotFound)
	}
	return e, nil
}

// InitiateAction starts kind on targetID against a fresh snapshot of the
// transaction.
func (d *Desk) InitiateAction(ctx context.Context, kind action.Kind, transactionID, targetID string) (action.Request, error) {
	eng, err := d.engine(kind)
	if err != nil {
		return action.Request{}, err
	}
	if eng.InFlight() {
		return eng.Initiate(ctx, d.actor, pawn.Transaction{ID: transactionID}, targetID)
	}
	tx, err := d.transaction(ctx, transactionID)
	if err != nil {
		return action.Request{}, err
	}
	return eng.Initiate(ctx, d.actor, tx, targetID)
}

// ApproveAction commits the pending request of kind.
func (d *Desk) ApproveAction(ctx context.Context, kind action.Kind, approval action.Approval) (action.Outcome, error) {
	eng, err := d.engine(kind)
	if err != nil {
		return action.Outcome{}, err
	}
	return eng.Approve(ctx, approval)
}

// CancelAction closes the dialog of kind.
func (d *Desk) CancelAction(kind action.Kind) error {
	eng, err := d.engine(kind)
	if err != nil {
		return err
	}
	return eng.Cancel()
}

// InFlight reports whether a commit of any kind is in flight.
func (d *Desk) InFlight() bool {
	for _, k := range action.Kinds {
		if d.engines[k].InFlight() {
			return true
		}
	}
	return false
}

// CurrentAction returns the request of kind shown to the operator, if any.
func (d *Desk) CurrentAction(kind action.Kind) (action.Request, bool, error) {
	eng, err := d.engine(kind)
	if err != nil {
		return action.Request{}, false, err
	}
	req, ok := eng.Current()
	return req, ok, nil
}

// OnActionSucceeded registers fn for successful commits of any kind.
func (d *Desk) OnActionSucceeded(fn func(action.Outcome)) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(d.engines))
	for _, k := range action.Kinds {
		unsubs = append(unsubs, d.engines[k].Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// =============================================================================
// BULK INTENTS
// =============================================================================

// LoadBatch replaces the batch with the given transactions. Each is loaded
// fresh so statuses reflect the backend.
func (d *Desk) LoadBatch(ctx context.Context, transactionIDs []string) error {
	if len(transactionIDs) > bulk.MaxBatchSize {
		v := &pawn.ValidationError{}
		v.Add("transaction_ids", fmt.Sprintf("at most %d transactions per batch", bulk.MaxBatchSize))
		return v
	}
	txs := make([]pawn.Transaction, 0, len(transactionIDs))
	for _, id := range transactionIDs {
		tx, err := d.reader.Transaction(ctx, id)
		if err != nil {
			return fmt.Errorf("load transaction %s: %w", id, err)
		}
		txs = append(txs, tx)
	}
	d.batch.Load(txs)
	return nil
}

// AddDiscount sets a discount from the operator's text input.
func (d *Desk) AddDiscount(transactionID, amount, reason string) error {
	amt, err := parseAmount("discounts."+transactionID+".amount", amount)
	if err != nil {
		return err
	}
	return d.batch.AddDiscount(transactionID, amt, reason)
}

// SetOverdueFeeOverride sets the manual fee; an empty amount clears it.
func (d *Desk) SetOverdueFeeOverride(transactionID, amount string) error {
	if amount == "" {
		return d.batch.SetOverdueFeeOverride(transactionID, nil)
	}
	amt, err := parseAmount("overdue_fee_overrides."+transactionID, amount)
	if err != nil {
		return err
	}
	return d.batch.SetOverdueFeeOverride(transactionID, &amt)
}

func (d *Desk) SetAdminPIN(pin string) { d.batch.SetAdminPIN(pin) }

func (d *Desk) BatchTotals() bulk.Totals { return d.batch.Totals() }

func (d *Desk) Batch() bulk.Batch { return d.batch.Batch() }

// SubmitBatch sends the batch. Redeemed transactions are invalidated.
func (d *Desk) SubmitBatch(ctx context.Context) (bulk.Result, error) {
	res, err := d.batch.Submit(ctx, d.actor)
	if err != nil {
		return res, err
	}
	for _, item := range res.Results {
		d.Invalidate(ctx, item.TransactionID)
	}
	return res, nil
}

// LastBatchResult returns the report of the last submission.
func (d *Desk) LastBatchResult() (bulk.Result, bool) { return d.batch.LastResult() }

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		v := &pawn.ValidationError{}
		v.Add(field, "not a valid amount")
		return decimal.Zero, v
	}
	return d, nil
}

// actorSubmitter forwards to the backend.
type actorSubmitter struct{ d *Desk }

func (s actorSubmitter) SubmitBulkRedemption(ctx context.Context, actor pawn.Actor, b bulk.Batch) (bulk.Result, error) {
	return s.d.backend.SubmitBulkRedemption(pawn.WithActor(ctx, actor), actor, b)
}

// =============================================================================
// INVALIDATION
// =============================================================================

// OnTimelineInvalidated registers fn to be told when a transaction changed.
func (d *Desk) OnTimelineInvalidated(fn func(transactionID string)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Invalidate implements action.Invalidator.
func (d *Desk) Invalidate(ctx context.Context, transactionID string) {
	if d.downstream != nil {
		d.downstream.Invalidate(ctx, transactionID)
	}
	d.mu.Lock()
	fns := make([]func(string), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(transactionID)
	}
}
