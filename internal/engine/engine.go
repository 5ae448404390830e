// Package engine is the game-session orchestrator's core: the state
// machine, the single-flight advance pipeline, and closure-trigger
// evaluation. It is grounded on the teacher's Table actor (table.go):
// one authoritative record per game, guarded transitions, a tick-driven
// timer, and broadcast-after-mutate ordering — generalized from an
// in-process mutex (Table.mu) to a database CAS (Store.UpdateGameIf),
// because the spec requires transitions to survive multiple processes
// sharing one game.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"storyforge/internal/broadcast"
	"storyforge/internal/clock"
	"storyforge/internal/domain"
	"storyforge/internal/idgen"
	"storyforge/internal/narrative"
	"storyforge/internal/store"
	"storyforge/internal/worldcatalog"
)

// debounceWindow: a finalize invoked within this long of the phase's
// started_at sleeps out the remainder before attempting the CAS, per the
// spec's note about spurious expirations from stale timer ticks.
const debounceWindow = time.Second

func gameChannel(gameID string) string { return "game:" + gameID }
func roomChannel(roomID string) string { return "room:" + roomID }

// Engine is the single per-process collaborator GameEngine operations
// are called against. It owns no mutable game state itself — the Store
// record is the only source of truth, matching the spec's "no in-memory
// mutable game state is authoritative" policy.
type Engine struct {
	store   store.Store
	gen     narrative.Generator
	catalog worldcatalog.Catalog
	hub     *broadcast.Hub
	timers  phasetimerRegistry
	clock   clock.Clock
	ids     idgen.IDGen
}

// phasetimerRegistry is the subset of phasetimer.Registry the engine
// depends on, named here to avoid an import cycle note in callers —
// it is satisfied directly by *phasetimer.Registry.
type phasetimerRegistry interface {
	Arm(gameID string, endsAt time.Time)
	Cancel(gameID string)
}

// New constructs an Engine with no PhaseTimer attached yet. The caller
// must follow up with SetTimers once a phasetimer.Registry exists, since
// the registry's callbacks close over this same Engine — the two-phase
// construction the teacher's Lobby uses when wiring Table.broadcast back
// through the gateway.
func New(st store.Store, gen narrative.Generator, catalog worldcatalog.Catalog, hub *broadcast.Hub, clk clock.Clock, ids idgen.IDGen) *Engine {
	return &Engine{store: st, gen: gen, catalog: catalog, hub: hub, clock: clk, ids: ids}
}

// SetTimers attaches the phasetimer.Registry built from this engine's own
// OnExpire/OnTick methods. Must be called once, before the engine serves
// any traffic.
func (e *Engine) SetTimers(t phasetimerRegistry) { e.timers = t }

// OnExpire is the phasetimer ExpireFunc: the deadline closure trigger.
func (e *Engine) OnExpire(gameID string) {
	ctx := context.Background()
	g, err := e.store.FindGame(ctx, gameID)
	if err != nil {
		log.Printf("[engine] OnExpire: read game %s: %v", gameID, err)
		return
	}
	if g.State != domain.GameStateActionPhase {
		return
	}
	go e.Finalize(ctx, gameID, g.CurrentChapter)
}

// OnTick is the phasetimer UpdateFunc: publishes the continue_update
// heartbeat and re-checks the quorum closure trigger on every tick, per
// spec §4.4 ("or when a readiness tick observes quorum").
func (e *Engine) OnTick(gameID string, remaining time.Duration) {
	ctx := context.Background()
	g, err := e.store.FindGame(ctx, gameID)
	if err != nil || g.State != domain.GameStateActionPhase {
		return
	}
	members, err := e.store.ListMembers(ctx, gameID)
	if err != nil {
		log.Printf("[engine] OnTick: list members %s: %v", gameID, err)
		return
	}

	remSec := int(remaining.Seconds())
	if remSec < 0 {
		remSec = 0
	}
	e.hub.Publish(gameChannel(gameID), EventContinueUpdate, continueUpdatePayload{
		ReadyCount:       len(g.ContinueReady),
		Total:            len(members),
		RemainingSeconds: remSec,
	})

	if closureTriggerMet(g, members) {
		e.timers.Cancel(gameID)
		go e.Finalize(ctx, gameID, g.CurrentChapter)
	}
}

// closureTriggerMet evaluates the quorum/all-ready triggers from §4.5.
// The timer-expiry trigger is handled separately by the phasetimer
// deadline itself (OnExpire), not here.
func closureTriggerMet(g *domain.Game, members []domain.Member) bool {
	total := len(members)
	if total == 0 {
		return false
	}
	ready := len(g.ContinueReady)
	if g.Settings.RequireAllPlayers {
		return ready == total
	}
	threshold := int(math.Ceil(0.6 * float64(total)))
	if threshold < 1 {
		threshold = 1
	}
	return ready >= threshold
}

// CheckClosureTriggers is called by SessionCoordinator after
// propose_action/mark_continue to evaluate the quorum/all-ready triggers
// immediately, rather than waiting for the next tick.
func (e *Engine) CheckClosureTriggers(ctx context.Context, gameID string) {
	g, err := e.store.FindGame(ctx, gameID)
	if err != nil || g.State != domain.GameStateActionPhase {
		return
	}
	members, err := e.store.ListMembers(ctx, gameID)
	if err != nil {
		log.Printf("[engine] CheckClosureTriggers: list members %s: %v", gameID, err)
		return
	}
	if closureTriggerMet(g, members) {
		e.timers.Cancel(gameID)
		go e.Finalize(ctx, gameID, g.CurrentChapter)
	}
}

// Finalize acquires the single-flight lock for (gameID, expectedChapter)
// and, if it wins, runs the advance pipeline to completion. Losers
// return silently — the spec requires no side effects and no error
// for the race losers.
func (e *Engine) Finalize(ctx context.Context, gameID string, expectedChapter int) {
	if g, err := e.store.FindGame(ctx, gameID); err == nil && g.ActionPhase != nil {
		if since := e.clock.Now().Sub(g.ActionPhase.StartedAt); since < debounceWindow {
			time.Sleep(debounceWindow - since)
		}
	}

	expected := domain.GameStateActionPhase
	modified, err := e.store.UpdateGameIf(ctx, gameID,
		func(g *domain.Game) bool {
			return g.State == expected && g.CurrentChapter == expectedChapter && !g.Advancing
		},
		store.GameMutation{
			State:     stateTo(domain.GameStateClosing),
			Advancing: boolTo(true),
		},
	)
	if err != nil {
		log.Printf("[engine] Finalize: CAS for game %s: %v", gameID, err)
		return
	}
	if !modified {
		return // lost the race, or preconditions no longer hold
	}

	e.hub.Publish(gameChannel(gameID), EventPhaseChanged, phaseChangedPayload{Phase: "closing"})
	e.advance(ctx, gameID)
}

// advance is the nine-step pipeline from §4.5, run by the CAS winner.
func (e *Engine) advance(ctx context.Context, gameID string) {
	release := func(reason string) {
		if reason != "" {
			log.Printf("[engine] advance(%s): %s", gameID, reason)
		}
		_, err := e.store.UpdateGameIf(ctx, gameID, nil, store.GameMutation{Advancing: boolTo(false)})
		if err != nil {
			log.Printf("[engine] advance(%s): release lock: %v", gameID, err)
		}
	}

	g, err := e.store.FindGame(ctx, gameID)
	if err != nil {
		release(fmt.Sprintf("re-read failed: %v", err))
		return
	}
	if g.State == domain.GameStateFinished || g.CurrentChapter >= g.MaxChapters {
		release("already finished or at chapter ceiling")
		return
	}

	previousChapter := g.CurrentChapter
	nextChapter := previousChapter + 1

	chapters, err := e.store.ListChapters(ctx, gameID)
	if err != nil {
		release(fmt.Sprintf("list chapters: %v", err))
		return
	}
	world, err := e.catalog.World(ctx, g.WorldID)
	if err != nil {
		log.Printf("[engine] advance(%s): world lookup: %v", gameID, err)
	}
	characters, err := e.catalog.Characters(ctx, gameID)
	if err != nil {
		log.Printf("[engine] advance(%s): character lookup: %v", gameID, err)
	}
	pending, err := e.store.ListPendingActions(ctx, gameID, previousChapter)
	if err != nil {
		release(fmt.Sprintf("list pending actions: %v", err))
		return
	}

	mode := narrative.ModeAutomatic
	actions := make([]narrative.ActionInput, 0, len(pending))
	if len(pending) > 0 {
		mode = narrative.ModeWithActions
		charByID := make(map[string]string, len(characters))
		for _, c := range characters {
			charByID[c.ID] = c.Name
		}
		for _, a := range pending {
			actions = append(actions, narrative.ActionInput{
				CharacterName: charByID[a.CharacterID],
				ActionText:    a.ActionText,
			})
		}
	}

	result, err := e.gen.Generate(ctx, narrative.Request{
		Mode:          mode,
		World:         world,
		Characters:    characters,
		PriorChapters: chapters,
		Actions:       actions,
		ChapterNumber: nextChapter,
		MaxChapters:   g.MaxChapters,
	})
	if err != nil {
		release(fmt.Sprintf("generate: %v", err))
		return
	}

	if err := e.persistAndTransition(ctx, gameID, g, previousChapter, nextChapter, result.Content); err != nil {
		log.Printf("[engine] advance(%s): %v", gameID, err)
	}
}

// persistAndTransition is steps 5-9 of the advance pipeline: append the
// chapter, compute and write the resulting state, broadcast the burst,
// archive the chapter's pending actions, and re-arm the phase timer.
// Shared between advance (generated content) and AdminAppendChapter
// (admin-supplied content) — both go through the same CAS-guarded
// transition once the content is in hand.
func (e *Engine) persistAndTransition(ctx context.Context, gameID string, g *domain.Game, previousChapter, nextChapter int, content string) error {
	if _, err := e.store.AppendChapter(ctx, gameID, nextChapter, content); err != nil {
		if err == store.ErrDuplicateChapter {
			e.releaseLock(ctx, gameID)
			return fmt.Errorf("lost the append race to another process")
		}
		e.releaseLock(ctx, gameID)
		return fmt.Errorf("append chapter: %w", err)
	}

	finishing := nextChapter == g.MaxChapters
	var endsAt time.Time
	var err error
	if finishing {
		_, err = e.store.UpdateGameIf(ctx, gameID, nil, store.GameMutation{
			State:          stateTo(domain.GameStateFinished),
			CurrentChapter: intTo(nextChapter),
			ClearPhase:     true,
			ClearReady:     true,
			Advancing:      boolTo(false),
			FinishedAt:     boolTo(true),
		})
	} else {
		endsAt = e.clock.Now().Add(time.Duration(g.Settings.DiscussionTimeSec) * time.Second)
		_, err = e.store.UpdateGameIf(ctx, gameID, nil, store.GameMutation{
			State:          stateTo(domain.GameStateActionPhase),
			CurrentChapter: intTo(nextChapter),
			Advancing:      boolTo(false),
			ClearReady:     true,
			ActionPhase: &domain.ActionPhase{
				StartedAt:    e.clock.Now(),
				EndsAt:       endsAt,
				SecondsTotal: g.Settings.DiscussionTimeSec,
			},
		})
	}
	if err != nil {
		e.releaseLock(ctx, gameID)
		return fmt.Errorf("final state update: %w", err)
	}

	e.hub.Publish(gameChannel(gameID), EventChapterCreated, chapterCreatedPayload{
		ChapterNumber:     nextChapter,
		DiscussionSeconds: g.Settings.DiscussionTimeSec,
	})
	if !finishing {
		e.hub.Publish(gameChannel(gameID), EventActionPhaseStarted, actionPhaseStartedPayload{
			EndsAt:       endsAt,
			SecondsTotal: g.Settings.DiscussionTimeSec,
			AutoContinue: g.Settings.AutoContinue,
		})
		e.hub.Publish(gameChannel(gameID), EventPhaseChanged, phaseChangedPayload{Phase: "action_phase"})
		members, _ := e.store.ListMembers(ctx, gameID)
		e.hub.Publish(gameChannel(gameID), EventContinueUpdate, continueUpdatePayload{
			ReadyCount:       0,
			Total:            len(members),
			RemainingSeconds: g.Settings.DiscussionTimeSec,
		})
	} else {
		e.hub.Publish(gameChannel(gameID), EventStateChanged, stateChangedPayload{State: string(domain.GameStateFinished)})
		e.hub.Publish(gameChannel(gameID), EventGameFinished, gameFinishedPayload{GameID: gameID})
	}

	if err := e.store.ArchivePendingActions(ctx, gameID, previousChapter); err != nil {
		log.Printf("[engine] persistAndTransition(%s): archive pending actions: %v", gameID, err)
	}

	if !finishing {
		e.timers.Arm(gameID, endsAt)
	}
	return nil
}

func (e *Engine) releaseLock(ctx context.Context, gameID string) {
	if _, err := e.store.UpdateGameIf(ctx, gameID, nil, store.GameMutation{Advancing: boolTo(false)}); err != nil {
		log.Printf("[engine] releaseLock(%s): %v", gameID, err)
	}
}

// AdminAppendChapter lets the game's admin manually supply the next
// chapter's content, bypassing the narrative generator, while still
// going through the same CAS-guarded transition every other chapter
// uses — so a manually-authored chapter can never race a generated one.
func (e *Engine) AdminAppendChapter(ctx context.Context, gameID, adminID, content string) (*domain.Chapter, error) {
	g, err := e.store.FindGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.AdminID != adminID {
		return nil, ErrNotAdmin
	}
	if g.State != domain.GameStateActionPhase {
		return nil, ErrNotActionPhase
	}
	if g.CurrentChapter >= g.MaxChapters {
		return nil, ErrMaxChaptersReached
	}

	expectedChapter := g.CurrentChapter
	modified, err := e.store.UpdateGameIf(ctx, gameID,
		func(cur *domain.Game) bool {
			return cur.State == domain.GameStateActionPhase && cur.CurrentChapter == expectedChapter && !cur.Advancing
		},
		store.GameMutation{State: stateTo(domain.GameStateClosing), Advancing: boolTo(true)},
	)
	if err != nil {
		return nil, err
	}
	if !modified {
		return nil, ErrNotActionPhase
	}

	e.timers.Cancel(gameID)
	e.hub.Publish(gameChannel(gameID), EventPhaseChanged, phaseChangedPayload{Phase: "closing"})

	nextChapter := expectedChapter + 1
	if err := e.persistAndTransition(ctx, gameID, g, expectedChapter, nextChapter, content); err != nil {
		return nil, err
	}
	return &domain.Chapter{GameID: gameID, ChapterNumber: nextChapter, Content: content, CreatedAt: e.clock.Now()}, nil
}

// BootstrapFirstChapter generates and persists chapter 1 for a
// newly-created game and opens its first action phase, atomically, per
// §4.7 step 4. It is the one path that uses GeneratorKindFirst; every
// later chapter goes through advance(). Called by LobbyToGame as a
// background task immediately after game creation.
func (e *Engine) BootstrapFirstChapter(ctx context.Context, gameID string) error {
	g, err := e.store.FindGame(ctx, gameID)
	if err != nil {
		return fmt.Errorf("bootstrap: read game: %w", err)
	}

	world, _ := e.catalog.World(ctx, g.WorldID)
	characters, _ := e.catalog.Characters(ctx, gameID)

	result, err := e.gen.Generate(ctx, narrative.Request{
		Mode:          narrative.ModeFirst,
		World:         world,
		Characters:    characters,
		ChapterNumber: 1,
		MaxChapters:   g.MaxChapters,
	})
	if err != nil {
		e.failGame(ctx, gameID, err)
		return err
	}

	if _, err := e.store.AppendChapter(ctx, gameID, 1, result.Content); err != nil && err != store.ErrDuplicateChapter {
		e.failGame(ctx, gameID, err)
		return err
	}

	endsAt := e.clock.Now().Add(time.Duration(g.Settings.DiscussionTimeSec) * time.Second)
	if _, err := e.store.UpdateGameIf(ctx, gameID, nil, store.GameMutation{
		State:          stateTo(domain.GameStateActionPhase),
		CurrentChapter: intTo(1),
		ActionPhase: &domain.ActionPhase{
			StartedAt:    e.clock.Now(),
			EndsAt:       endsAt,
			SecondsTotal: g.Settings.DiscussionTimeSec,
		},
	}); err != nil {
		return fmt.Errorf("bootstrap: open action phase: %w", err)
	}

	e.hub.Publish(roomChannel(g.RoomID), EventRoomStarted, roomStartedPayload{GameID: gameID})
	e.hub.Publish(roomChannel(g.RoomID), EventRoomClosed, roomClosedPayload{RoomID: g.RoomID})
	e.hub.Publish(gameChannel(gameID), EventChapterCreated, chapterCreatedPayload{
		ChapterNumber:     1,
		DiscussionSeconds: g.Settings.DiscussionTimeSec,
	})
	e.hub.Publish(gameChannel(gameID), EventActionPhaseStarted, actionPhaseStartedPayload{
		EndsAt:       endsAt,
		SecondsTotal: g.Settings.DiscussionTimeSec,
		AutoContinue: g.Settings.AutoContinue,
	})
	e.timers.Arm(gameID, endsAt)
	return nil
}

func (e *Engine) failGame(ctx context.Context, gameID string, cause error) {
	reason := cause.Error()
	if _, err := e.store.UpdateGameIf(ctx, gameID, nil, store.GameMutation{
		State:         stateTo(domain.GameStateFailed),
		FailureReason: &reason,
	}); err != nil {
		log.Printf("[engine] failGame(%s): %v", gameID, err)
	}
	e.hub.Publish(gameChannel(gameID), EventGameFailed, gameFailedPayload{Error: reason})
}

// UpdateSettings validates and writes the admin-editable subset of
// GameSettings. Disallowed while the game is in a terminal state.
func (e *Engine) UpdateSettings(ctx context.Context, gameID, callerID string, patch domain.GameSettings) error {
	g, err := e.store.FindGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g.AdminID != callerID {
		return ErrNotAdmin
	}
	if g.State == domain.GameStateFinished || g.State == domain.GameStateFailed {
		return ErrGameFinished
	}
	if patch.DiscussionTimeSec < 1 || patch.ContinueTimeSec < 1 {
		return ErrInvalidSettings
	}

	modified, err := e.store.UpdateGameIf(ctx, gameID,
		func(cur *domain.Game) bool { return cur.State != domain.GameStateFinished && cur.State != domain.GameStateFailed },
		store.GameMutation{Settings: &patch},
	)
	if err != nil {
		return err
	}
	if !modified {
		return ErrGameFinished
	}
	return nil
}

func stateTo(s domain.GameState) *domain.GameState { return &s }
func boolTo(b bool) *bool                           { return &b }
func intTo(n int) *int                              { return &n }
