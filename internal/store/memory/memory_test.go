package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"storyforge/internal/domain"
	"storyforge/internal/store"
)

func TestUpdateGameIf_PredicateFalseLeavesStateUnchanged(t *testing.T) {
	s := New()
	ctx := context.Background()
	g := &domain.Game{ID: "g1", State: domain.GameStateActionPhase, CurrentChapter: 1}
	if err := s.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	modified, err := s.UpdateGameIf(ctx, "g1",
		func(cur *domain.Game) bool { return cur.CurrentChapter == 99 },
		store.GameMutation{State: stateTo(domain.GameStateFinished)},
	)
	if err != nil {
		t.Fatalf("UpdateGameIf: %v", err)
	}
	if modified {
		t.Fatalf("want modified=false when predicate fails")
	}

	got, _ := s.FindGame(ctx, "g1")
	if got.State != domain.GameStateActionPhase {
		t.Fatalf("state must not change when the predicate rejects the update, got %s", got.State)
	}
}

// Concurrent CAS attempts against the same game must serialize: exactly
// one of N racing mutations may succeed per logical transition.
func TestUpdateGameIf_ConcurrentCASIsSerialized(t *testing.T) {
	s := New()
	ctx := context.Background()
	g := &domain.Game{ID: "g1", State: domain.GameStateActionPhase, Advancing: false}
	if err := s.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			modified, err := s.UpdateGameIf(ctx, "g1",
				func(cur *domain.Game) bool { return !cur.Advancing },
				store.GameMutation{Advancing: boolTo(true)},
			)
			if err != nil {
				t.Errorf("UpdateGameIf: %v", err)
				return
			}
			if modified {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("want exactly 1 winner among 20 racing CAS attempts, got %d", wins)
	}
}

func TestAppendChapter_RejectsDuplicateChapterNumber(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.AppendChapter(ctx, "g1", 1, "first"); err != nil {
		t.Fatalf("AppendChapter: %v", err)
	}
	if _, err := s.AppendChapter(ctx, "g1", 1, "duplicate"); err != store.ErrDuplicateChapter {
		t.Fatalf("want ErrDuplicateChapter for a repeated chapter number, got %v", err)
	}
}

func TestReplacePendingAction_RejectsPriorPendingForSameUserAndChapter(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.ReplacePendingAction(ctx, &domain.Action{GameID: "g1", UserID: "u1", ChapterNumber: 1, ActionText: "first"}); err != nil {
		t.Fatalf("ReplacePendingAction: %v", err)
	}
	if _, err := s.ReplacePendingAction(ctx, &domain.Action{GameID: "g1", UserID: "u1", ChapterNumber: 1, ActionText: "second"}); err != nil {
		t.Fatalf("ReplacePendingAction: %v", err)
	}

	pending, err := s.ListPendingActions(ctx, "g1", 1)
	if err != nil {
		t.Fatalf("ListPendingActions: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("want exactly 1 pending action per user/chapter, got %d", len(pending))
	}
	if pending[0].ActionText != "second" {
		t.Fatalf("want the newest action to stand, got %q", pending[0].ActionText)
	}

	all, err := s.ListActions(ctx, "g1", nil)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	rejected := 0
	for _, a := range all {
		if a.Status == domain.ActionStatusRejected {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("want the superseded action marked rejected, got %d rejected of %d total", rejected, len(all))
	}
}

func TestLinkRoomToGame_IsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutRoom(&domain.Room{ID: "r1", Status: domain.RoomStatusOpen})

	ok, gameID, err := s.LinkRoomToGame(ctx, "r1", "g1")
	if err != nil || !ok || gameID != "g1" {
		t.Fatalf("first link: ok=%v gameID=%q err=%v", ok, gameID, err)
	}

	ok, gameID, err = s.LinkRoomToGame(ctx, "r1", "g2")
	if err != nil {
		t.Fatalf("second link: %v", err)
	}
	if ok {
		t.Fatalf("a second link attempt must not re-link an already-linked room")
	}
	if gameID != "g1" {
		t.Fatalf("a second link attempt must return the original game id, got %q", gameID)
	}
}

func TestRemoveMember_AlsoPullsFromReadySet(t *testing.T) {
	s := New()
	ctx := context.Background()
	g := &domain.Game{ID: "g1", ContinueReady: map[string]struct{}{"u1": {}}}
	if err := s.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if err := s.UpsertMember(ctx, &domain.Member{GameID: "g1", UserID: "u1", JoinedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	if err := s.RemoveMember(ctx, "g1", "u1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	got, _ := s.FindGame(ctx, "g1")
	if _, stillReady := got.ContinueReady["u1"]; stillReady {
		t.Fatalf("continue_ready must stay a subset of members: removed member must be pulled from it")
	}
}

func stateTo(s domain.GameState) *domain.GameState { return &s }
func boolTo(b bool) *bool                           { return &b }
