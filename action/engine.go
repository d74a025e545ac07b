package action

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/pawn-desk/pawn"
)

// =============================================================================
// ENGINE - One instance per action kind
// =============================================================================

// Config wires an Engine to its collaborators.
type Config struct {
	Service     Service
	Invalidator Invalidator
	Calendar    pawn.BusinessCalendar
	Logger      *slog.Logger

	// CommitTimeout bounds the commit call. Zero waits for the backend.
	CommitTimeout time.Duration

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type Engine struct {
	strategy Strategy
	cfg      Config

	mu         sync.Mutex
	current    *entry
	submitting map[string]*entry
	listeners  map[int]func(Outcome)
	nextID     int
}

type entry struct {
	req      Request
	snapshot pawn.Transaction
	actor    pawn.Actor
}

// NewEngine builds an engine for one strategy.
func NewEngine(strategy Strategy, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Calendar.Location == nil {
		cfg.Calendar = pawn.DefaultCalendar()
	}
	return &Engine{
		strategy:   strategy,
		cfg:        cfg,
		submitting: make(map[string]*entry),
		listeners:  make(map[int]func(Outcome)),
	}
}

func (e *Engine) Kind() Kind { return e.strategy.Kind }

// Current returns the request shown in the dialog, if any.
func (e *Engine) Current() (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Request{Kind: e.strategy.Kind, State: StateIdle}, false
	}
	return e.current.req, true
}

// Submitting reports whether a commit for targetID is in flight.
func (e *Engine) Submitting(targetID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.submitting[ProcessingKey(e.strategy.Kind, targetID)]
	return ok
}

// InFlight reports whether any commit of this engine is in flight.
func (e *Engine) InFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.submitting) > 0
}

// Subscribe registers fn for successful commits. The returned func removes it.
func (e *Engine) Subscribe(fn func(Outcome)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Offered is the display gate: whether the action should be shown for
// targetID at all. It does not contact the backend.
func (e *Engine) Offered(actor pawn.Actor, tx pawn.Transaction, targetID string) bool {
	if e.strategy.RequireAdmin && !actor.IsAdmin() {
		return false
	}
	if e.strategy.RequireProcessableStatus && !pawn.CanProcessActions(tx.EffectiveStatus()) {
		return false
	}
	when, err := e.strategy.Locate(tx, targetID)
	if err != nil {
		return false
	}
	if e.strategy.SameDayGate {
		return e.cfg.Calendar.WithinToday(when, e.cfg.Now())
	}
	return true
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Initiate starts a request for targetID within the snapshot tx.
//
// Idle -> EligibilityPending -> AwaitingApproval | EligibilityDenied.
// If a commit for the same target is in flight the call is a no-op and
// returns the submitting request. While a commit for another target is in
// flight it fails with ErrActionInProgress and leaves that request current.
func (e *Engine) Initiate(ctx context.Context, actor pawn.Actor, tx pawn.Transaction, targetID string) (Request, error) {
	key := ProcessingKey(e.strategy.Kind, targetID)
	log := e.cfg.Logger.With(slog.String("kind", string(e.strategy.Kind)), slog.String("target_id", targetID))

	e.mu.Lock()
	if inflight, ok := e.submitting[key]; ok {
		req := inflight.req
		e.mu.Unlock()
		log.Debug("initiate ignored, commit in flight")
		return req, nil
	}
	for _, inflight := range e.submitting {
		req := inflight.req
		e.mu.Unlock()
		log.Debug("initiate refused, another commit in flight", slog.String("in_flight", req.TargetID))
		return req, fmt.Errorf("%s %s while %s commits: %w",
			e.strategy.Kind, targetID, req.TargetID, pawn.ErrActionInProgress)
	}

	if e.strategy.RequireAdmin && !actor.IsAdmin() {
		e.mu.Unlock()
		return Request{Kind: e.strategy.Kind, TargetID: targetID, State: StateIdle},
			fmt.Errorf("%s by %s: %w", e.strategy.Kind, actor.ID, pawn.ErrPermissionDenied)
	}

	if _, err := e.strategy.Locate(tx, targetID); err != nil {
		e.mu.Unlock()
		return Request{Kind: e.strategy.Kind, TargetID: targetID, State: StateIdle}, err
	}

	now := e.cfg.Now()
	ent := &entry{
		req: Request{
			ID:            uuid.NewString(),
			Kind:          e.strategy.Kind,
			TransactionID: tx.ID,
			TargetID:      targetID,
			ActorID:       actor.ID,
			State:         StateEligibilityPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		snapshot: tx.Clone(),
		actor:    actor,
	}

	if e.strategy.RequireProcessableStatus {
		if status := tx.EffectiveStatus(); !pawn.CanProcessActions(status) {
			reason := fmt.Sprintf("Transaction is %s and cannot be changed", status)
			ent.req.Eligibility = &Eligibility{IsEligible: false, Reason: reason}
			ent.req.State = StateEligibilityDenied
			e.current = ent
			e.mu.Unlock()
			return ent.req, &pawn.IneligibleError{Reason: reason}
		}
	}

	e.current = ent
	e.mu.Unlock()

	log.Debug("checking eligibility", slog.String("request_id", ent.req.ID))
	elig, err := e.cfg.Service.CheckEligibility(pawn.WithActor(ctx, actor), e.strategy.Kind, targetID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != ent {
		ent.req.State = StateIdle
		return ent.req, ErrSuperseded
	}

	ent.req.UpdatedAt = e.cfg.Now()
	if err != nil {
		e.current = nil
		ent.req.State = StateIdle
		ent.req.LastError = UserMessage(err)
		log.Warn("eligibility check failed", slog.Any("error", err))
		return ent.req, fmt.Errorf("check eligibility for %s: %w", key, err)
	}

	ent.req.Eligibility = &elig
	if !elig.IsEligible {
		ent.req.State = StateEligibilityDenied
		return ent.req, &pawn.IneligibleError{Reason: elig.Reason}
	}

	ent.req.State = StateAwaitingApproval
	return ent.req, nil
}

// Approve commits the current request.
//
// AwaitingApproval -> Submitting -> Succeeded | Failed. Retryable failures
// (bad PIN, commit timeout) put the request back in AwaitingApproval.
func (e *Engine) Approve(ctx context.Context, approval Approval) (Outcome, error) {
	e.mu.Lock()
	ent := e.current
	if ent == nil {
		e.mu.Unlock()
		return Outcome{}, ErrNoActiveRequest
	}
	req := ent.req
	if req.State == StateSubmitting {
		e.mu.Unlock()
		return Outcome{Request: req}, pawn.ErrActionInProgress
	}
	if req.State != StateAwaitingApproval {
		e.mu.Unlock()
		return Outcome{Request: req}, fmt.Errorf("%w: can only approve awaiting requests, current state: %s",
			ErrInvalidTransition, req.State)
	}

	key := ProcessingKey(req.Kind, req.TargetID)
	if _, busy := e.submitting[key]; busy {
		e.mu.Unlock()
		return Outcome{Request: req}, pawn.ErrActionInProgress
	}

	ent.req.Reason = strings.TrimSpace(approval.Reason)
	if err := validateApproval(approval); err != nil {
		req = ent.req
		e.mu.Unlock()
		return Outcome{Request: req}, err
	}

	ent.req.State = StateSubmitting
	ent.req.Failure = FailureNone
	ent.req.LastError = ""
	ent.req.UpdatedAt = e.cfg.Now()
	e.submitting[key] = ent
	e.mu.Unlock()

	log := e.cfg.Logger.With(
		slog.String("kind", string(ent.req.Kind)),
		slog.String("target_id", ent.req.TargetID),
		slog.String("request_id", ent.req.ID),
	)

	commitCtx := pawn.WithActor(ctx, ent.actor)
	cancel := func() {}
	if e.cfg.CommitTimeout > 0 {
		commitCtx, cancel = context.WithTimeout(commitCtx, e.cfg.CommitTimeout)
	}
	result, err := e.cfg.Service.Commit(commitCtx, ent.req.Kind, ent.req.TargetID, Approval{
		Reason:   ent.req.Reason,
		AdminPIN: approval.AdminPIN,
	})
	err = normalizeCommitError(commitCtx, ctx, err)
	cancel()

	if err != nil {
		return e.fail(ent, key, err, log)
	}
	return e.succeed(ctx, ent, key, result, log)
}

func (e *Engine) fail(ent *entry, key string, err error, log *slog.Logger) (Outcome, error) {
	e.mu.Lock()
	delete(e.submitting, key)
	ent.req.UpdatedAt = e.cfg.Now()
	ent.req.LastError = UserMessage(err)
	ent.req.Failure = Classify(err)

	if ent.req.Failure == FailureRetryable {
		ent.req.State = StateAwaitingApproval
		req := ent.req
		e.mu.Unlock()
		log.Warn("commit rejected, awaiting new credentials", slog.Any("error", err))
		return Outcome{Request: req}, err
	}

	ent.req.State = StateFailed
	if e.current == ent {
		e.current = nil
	}
	e.mu.Unlock()
	log.Error("commit failed", slog.Any("error", err))
	return Outcome{Request: ent.req}, err
}

func (e *Engine) succeed(ctx context.Context, ent *entry, key string, result CommitResult, log *slog.Logger) (Outcome, error) {
	now := e.cfg.Now()
	in := PatchInput{
		Snapshot: ent.snapshot,
		TargetID: ent.req.TargetID,
		Result:   result,
		Reason:   ent.req.Reason,
		Now:      now,
	}
	patched := e.strategy.Patch(in)
	description := result.Message
	if description == "" {
		description = e.strategy.Describe(in, patched)
	}

	e.mu.Lock()
	delete(e.submitting, key)
	ent.req.State = StateSucceeded
	ent.req.UpdatedAt = now
	if e.current == ent {
		e.current = nil
	}
	listeners := make([]func(Outcome), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	if e.cfg.Invalidator != nil {
		e.cfg.Invalidator.Invalidate(ctx, ent.req.TransactionID)
	}

	out := Outcome{
		Request: ent.req,
		Patched: patched,
		Notification: Notification{
			Kind:        ent.req.Kind,
			Title:       e.strategy.Title,
			Description: description,
		},
	}
	log.Info("action committed",
		slog.String("transaction_id", ent.req.TransactionID),
		slog.String("refunded", result.RefundedAmount.String()),
		slog.String("status", string(patched.StoredStatus)),
	)
	for _, fn := range listeners {
		fn(out)
	}
	return out, nil
}

// Cancel discards the current request (AwaitingApproval -> Idle). It also
// dismisses denied requests. A submitting request cannot be cancelled.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	if e.current.req.State == StateSubmitting {
		return pawn.ErrActionInProgress
	}
	e.current = nil
	return nil
}

func validateApproval(a Approval) error {
	v := &pawn.ValidationError{}
	if strings.TrimSpace(a.Reason) == "" {
		v.Add("reason", "a reason is required")
	}
	if strings.TrimSpace(a.AdminPIN) == "" {
		v.Add("admin_pin", "admin PIN is required")
	}
	return v.OrNil()
}

// IsTerminal reports whether s ends a request's life.
func IsTerminal(s State) bool {
	switch s {
	case StateEligibilityDenied, StateSucceeded, StateFailed, StateIdle:
		return true
	}
	return false
}
