package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"storyforge/internal/broadcast"
	"storyforge/internal/clock"
	"storyforge/internal/domain"
	"storyforge/internal/idgen"
	"storyforge/internal/narrative"
	"storyforge/internal/store"
	"storyforge/internal/store/memory"
	"storyforge/internal/worldcatalog"
)

type fakeTimers struct {
	mu     sync.Mutex
	armed  map[string]time.Time
	cancel map[string]bool
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: map[string]time.Time{}, cancel: map[string]bool{}}
}

func (f *fakeTimers) Arm(gameID string, endsAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[gameID] = endsAt
}

func (f *fakeTimers) Cancel(gameID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel[gameID] = true
}

type sequentialIDs struct {
	mu  sync.Mutex
	n   int
	pre string
}

func (s *sequentialIDs) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.pre + string(rune('0'+s.n))
}

func newTestEngine(t *testing.T, gen narrative.Generator) (*Engine, store.Store) {
	t.Helper()
	st := memory.New()
	catalog := worldcatalog.NewStatic()
	catalog.PutWorld(domain.World{ID: "w1", Name: "Test World"}, nil)
	hub := broadcast.NewHub()
	e := New(st, gen, catalog, hub, clock.RealClock{}, idgen.UUIDGen{})
	e.SetTimers(newFakeTimers())
	return e, st
}

func newTestGame(id string, chapter int) *domain.Game {
	return &domain.Game{
		ID:             id,
		WorldID:        "w1",
		MaxChapters:    5,
		Settings:       domain.GameSettings{DiscussionTimeSec: 60, ContinueTimeSec: 30},
		AdminID:        "admin",
		CurrentChapter: chapter,
		State:          domain.GameStateActionPhase,
		ContinueReady:  map[string]struct{}{},
		ActionPhase: &domain.ActionPhase{
			StartedAt:    time.Now().Add(-2 * time.Second),
			EndsAt:       time.Now().Add(time.Minute),
			SecondsTotal: 60,
		},
		CreatedAt: time.Now(),
	}
}

// Finalize must be safe to call concurrently for the same game: only one
// caller may win the CAS and advance the chapter (spec §8 S3).
func TestFinalize_ConcurrentCallersOnlyOneWins(t *testing.T) {
	e, st := newTestEngine(t, narrative.FallbackGenerator{})
	ctx := context.Background()
	g := newTestGame("g1", 1)
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Finalize(ctx, "g1", 1)
		}()
	}
	wg.Wait()

	got, err := st.FindGame(ctx, "g1")
	if err != nil {
		t.Fatalf("FindGame: %v", err)
	}
	if got.CurrentChapter != 2 {
		t.Fatalf("want chapter 2 after a single successful advance, got %d", got.CurrentChapter)
	}
	if got.Advancing {
		t.Fatalf("advancing flag should be released after a completed advance")
	}

	chapters, err := st.ListChapters(ctx, "g1")
	if err != nil {
		t.Fatalf("ListChapters: %v", err)
	}
	if len(chapters) != 1 {
		t.Fatalf("want exactly one chapter appended despite 5 concurrent Finalize calls, got %d", len(chapters))
	}
}

// A finalize call for a chapter the game has already moved past must be a
// silent no-op, not an error and not a duplicate advance.
func TestFinalize_StaleChapterIsNoop(t *testing.T) {
	e, st := newTestEngine(t, narrative.FallbackGenerator{})
	ctx := context.Background()
	g := newTestGame("g1", 3)
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	e.Finalize(ctx, "g1", 1) // stale: current chapter is already 3

	got, _ := st.FindGame(ctx, "g1")
	if got.CurrentChapter != 3 {
		t.Fatalf("stale Finalize must not advance the chapter, got %d", got.CurrentChapter)
	}
}

func TestBootstrapFirstChapter_OpensActionPhase(t *testing.T) {
	e, st := newTestEngine(t, narrative.FallbackGenerator{})
	ctx := context.Background()
	g := &domain.Game{
		ID:          "g1",
		WorldID:     "w1",
		MaxChapters: 5,
		Settings:    domain.GameSettings{DiscussionTimeSec: 45},
		AdminID:     "admin",
		State:       domain.GameStateInitializing,
		CreatedAt:   time.Now(),
	}
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	if err := e.BootstrapFirstChapter(ctx, "g1"); err != nil {
		t.Fatalf("BootstrapFirstChapter: %v", err)
	}

	got, _ := st.FindGame(ctx, "g1")
	if got.State != domain.GameStateActionPhase {
		t.Fatalf("want action_phase after bootstrap, got %s", got.State)
	}
	if got.CurrentChapter != 1 {
		t.Fatalf("want chapter 1 after bootstrap, got %d", got.CurrentChapter)
	}
	if got.ActionPhase == nil {
		t.Fatalf("want an action phase window opened")
	}
}

func TestUpdateSettings_RejectsNonAdmin(t *testing.T) {
	e, st := newTestEngine(t, narrative.FallbackGenerator{})
	ctx := context.Background()
	g := newTestGame("g1", 1)
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	err := e.UpdateSettings(ctx, "g1", "not-the-admin", domain.GameSettings{DiscussionTimeSec: 10, ContinueTimeSec: 10})
	if err != ErrNotAdmin {
		t.Fatalf("want ErrNotAdmin, got %v", err)
	}
}

func TestUpdateSettings_RejectsInvalidTimings(t *testing.T) {
	e, st := newTestEngine(t, narrative.FallbackGenerator{})
	ctx := context.Background()
	g := newTestGame("g1", 1)
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	err := e.UpdateSettings(ctx, "g1", "admin", domain.GameSettings{DiscussionTimeSec: 0, ContinueTimeSec: 10})
	if err != ErrInvalidSettings {
		t.Fatalf("want ErrInvalidSettings, got %v", err)
	}
}

func TestClosureTriggerMet_RequireAllPlayers(t *testing.T) {
	g := &domain.Game{
		Settings:      domain.GameSettings{RequireAllPlayers: true},
		ContinueReady: map[string]struct{}{"u1": {}},
	}
	members := []domain.Member{{UserID: "u1"}, {UserID: "u2"}}
	if closureTriggerMet(g, members) {
		t.Fatalf("require_all_players must not trigger with only 1 of 2 ready")
	}
	g.ContinueReady["u2"] = struct{}{}
	if !closureTriggerMet(g, members) {
		t.Fatalf("require_all_players must trigger once every member is ready")
	}
}

func TestClosureTriggerMet_QuorumThreshold(t *testing.T) {
	g := &domain.Game{ContinueReady: map[string]struct{}{"u1": {}, "u2": {}, "u3": {}}}
	members := []domain.Member{{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"}, {UserID: "u4"}, {UserID: "u5"}}
	// 3/5 = 0.6, meets the ceil(0.6*5)=3 threshold exactly.
	if !closureTriggerMet(g, members) {
		t.Fatalf("3 of 5 ready should meet the 60%% quorum threshold")
	}
	delete(g.ContinueReady, "u3")
	if closureTriggerMet(g, members) {
		t.Fatalf("2 of 5 ready should not meet the 60%% quorum threshold")
	}
}
