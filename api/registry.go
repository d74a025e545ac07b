/*
registry.go - One desk per operator, with an idle sweeper

PURPOSE:
  Action dialogs and the bulk batch are per-operator state. The registry
  hands every request the desk of the operator named in its headers and
  drops desks nobody used for a while.

SWEEPER:
  - Runs a background goroutine with a configurable check interval
  - Evicts desks idle longer than the configured duration
  - Never evicts a desk whose action commit is in flight

USAGE:
  reg := NewRegistry(factory, logger)
  reg.StartSweeper(time.Minute, 30*time.Minute)
  // ... later
  reg.Stop()

SEE ALSO:
  - handlers.go: deskFor
  - desk/desk.go: what a desk holds
*/
package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/warp/pawn-desk/desk"
	"github.com/warp/pawn-desk/pawn"
)

// DeskFactory builds the desk for a newly seen operator.
type DeskFactory func(actor pawn.Actor) *desk.Desk

type registryEntry struct {
	desk     *desk.Desk
	lastUsed time.Time
}

// Registry keeps one desk per operator identity (id and role).
type Registry struct {
	factory DeskFactory
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	desks map[pawn.Actor]*registryEntry

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewRegistry(factory DeskFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		now:     time.Now,
		desks:   make(map[pawn.Actor]*registryEntry),
	}
}

// Desk returns the operator's desk, creating it on first use.
func (r *Registry) Desk(actor pawn.Actor) *desk.Desk {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.desks[actor]
	if !ok {
		e = &registryEntry{desk: r.factory(actor)}
		r.desks[actor] = e
		r.logger.Debug("desk opened", slog.String("actor_id", actor.ID), slog.String("role", string(actor.Role)))
	}
	e.lastUsed = r.now()
	return e.desk
}

// Len returns the number of open desks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.desks)
}

// Sweep evicts desks idle for longer than idle and returns how many went.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for actor, e := range r.desks {
		if e.lastUsed.After(cutoff) || e.desk.InFlight() {
			continue
		}
		delete(r.desks, actor)
		n++
	}
	if n > 0 {
		r.logger.Info("idle desks closed", slog.Int("count", n), slog.Int("open", len(r.desks)))
	}
	return n
}

// StartSweeper begins evicting idle desks every interval.
func (r *Registry) StartSweeper(interval, idle time.Duration) {
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.ticker = time.NewTicker(interval)
	r.stop = make(chan struct{})
	ticker, stop := r.ticker, r.stop
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ticker.C:
				r.Sweep(idle)
			case <-stop:
				return
			}
		}
	}()
	r.logger.Info("desk sweeper started", slog.Duration("interval", interval), slog.Duration("idle_after", idle))
}

// Stop halts the sweeper and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.stop = nil
	r.mu.Unlock()

	r.wg.Wait()
}
