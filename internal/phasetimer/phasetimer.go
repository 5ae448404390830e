// Package phasetimer arms and fires per-game countdowns. It is grounded
// on the teacher's Table.run/tick actor loop: a ticker drives periodic
// work instead of one timer goroutine per deadline, generalized from
// table-wide action/hand-start scheduling to one registry entry per
// game's action phase.
package phasetimer

import (
	"log"
	"sync"
	"time"

	"storyforge/internal/clock"
)

const tick = 3 * time.Second

// ExpireFunc is invoked when a game's phase deadline elapses. It runs on
// the registry's own goroutine, so it must not block — callers that need
// to touch shared state enqueue an event rather than doing the work
// inline, the same way Table.tick calls back into handleTimeout rather
// than mutating game state directly from the ticker.
type ExpireFunc func(gameID string)

// UpdateFunc is invoked once per tick for every armed game, used to
// publish the "seconds remaining" heartbeat a client needs to render a
// countdown without re-deriving ends_at on every render frame.
type UpdateFunc func(gameID string, remaining time.Duration)

type entry struct {
	endsAt time.Time
}

// Registry is the single per-process collaborator the engine arms/cancels
// phase timers against. A single ticker goroutine serves every game, the
// same way a single actor goroutine serves every table event in the
// teacher's design — the teacher splits per-table actors, this splits
// per-registry polling because a countdown has no mutable game-engine
// logic of its own to isolate.
type Registry struct {
	clock    clock.Clock
	onExpire ExpireFunc
	onUpdate UpdateFunc

	mu      sync.Mutex
	entries map[string]entry

	done chan struct{}
	once sync.Once
}

// New starts a Registry's background tick loop. onExpire and onUpdate may
// both be called concurrently with Arm/Cancel; implementations must be
// safe for that.
func New(clk clock.Clock, onExpire ExpireFunc, onUpdate UpdateFunc) *Registry {
	r := &Registry{
		clock:    clk,
		onExpire: onExpire,
		onUpdate: onUpdate,
		entries:  make(map[string]entry),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.poll()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) poll() {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []string
	for gameID, e := range r.entries {
		if !now.Before(e.endsAt) {
			expired = append(expired, gameID)
			delete(r.entries, gameID)
		}
	}
	remaining := make(map[string]time.Duration, len(r.entries))
	for gameID, e := range r.entries {
		remaining[gameID] = e.endsAt.Sub(now)
	}
	r.mu.Unlock()

	for gameID, d := range remaining {
		if r.onUpdate != nil {
			r.onUpdate(gameID, d)
		}
	}
	for _, gameID := range expired {
		log.Printf("[phasetimer] game %s phase expired", gameID)
		if r.onExpire != nil {
			r.onExpire(gameID)
		}
	}
}

// Arm schedules onExpire(gameID) to fire once at endsAt, replacing any
// previously armed deadline for that game.
func (r *Registry) Arm(gameID string, endsAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[gameID] = entry{endsAt: endsAt}
}

// Cancel removes any armed deadline for gameID. A no-op if none is armed,
// so GameEngine can cancel unconditionally when a closure trigger fires.
func (r *Registry) Cancel(gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, gameID)
}

// Armed reports whether gameID currently has a live deadline, and what it
// is. Used by tests and by diagnostics, not by the advance pipeline
// itself.
func (r *Registry) Armed(gameID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[gameID]
	return e.endsAt, ok
}

// Stop terminates the registry's tick loop. Safe to call more than once.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.done) })
}
