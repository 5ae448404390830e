package session

import (
	"context"
	"testing"
	"time"

	"storyforge/internal/broadcast"
	"storyforge/internal/clock"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/idgen"
	"storyforge/internal/narrative"
	"storyforge/internal/store"
	"storyforge/internal/store/memory"
	"storyforge/internal/worldcatalog"
)

type seqIDs struct{ n int }

func (s *seqIDs) New() string {
	s.n++
	return "id"
}

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store) {
	t.Helper()
	st := memory.New()
	catalog := worldcatalog.NewStatic()
	hub := broadcast.NewHub()
	eng := engine.New(st, narrative.FallbackGenerator{}, catalog, hub, clock.RealClock{}, idgen.UUIDGen{})
	eng.SetTimers(noopTimers{})
	coord := New(st, eng, hub, &seqIDs{}, clock.RealClock{})
	return coord, st
}

type noopTimers struct{}

func (noopTimers) Arm(string, time.Time) {}
func (noopTimers) Cancel(string)         {}

func seedGame(t *testing.T, st store.Store, gameID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	g := &domain.Game{
		ID:             gameID,
		MaxChapters:    5,
		Settings:       domain.GameSettings{DiscussionTimeSec: 60, ContinueTimeSec: 30},
		AdminID:        members[0],
		CurrentChapter: 1,
		State:          domain.GameStateActionPhase,
		ContinueReady:  map[string]struct{}{},
		ActionPhase: &domain.ActionPhase{
			StartedAt:    time.Now(),
			EndsAt:       time.Now().Add(time.Minute),
			SecondsTotal: 60,
		},
		CreatedAt: time.Now(),
	}
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	for _, m := range members {
		role := domain.RolePlayer
		if m == members[0] {
			role = domain.RoleAdmin
		}
		if err := st.UpsertMember(ctx, &domain.Member{GameID: gameID, UserID: m, Role: role, JoinedAt: time.Now()}); err != nil {
			t.Fatalf("UpsertMember: %v", err)
		}
	}
}

func TestProposeAction_RejectsNonMember(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	_, err := coord.ProposeAction(context.Background(), "g1", "stranger", "do a thing", "")
	se, ok := err.(*Error)
	if !ok || se.Code != CodeForbidden {
		t.Fatalf("want CodeForbidden for a non-member, got %v", err)
	}
}

func TestProposeAction_RejectsEmptyText(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	_, err := coord.ProposeAction(context.Background(), "g1", "admin", "", "")
	se, ok := err.(*Error)
	if !ok || se.Code != CodeInvalidArgument {
		t.Fatalf("want CodeInvalidArgument for empty text, got %v", err)
	}
}

// Submitting an action auto-marks the caller ready, per spec §4.6.
func TestProposeAction_AutoMarksCallerReady(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin", "p2")

	if _, err := coord.ProposeAction(context.Background(), "g1", "admin", "investigate the noise", ""); err != nil {
		t.Fatalf("ProposeAction: %v", err)
	}

	g, err := st.FindGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("FindGame: %v", err)
	}
	if _, ready := g.ContinueReady["admin"]; !ready {
		t.Fatalf("want proposing an action to auto-mark the caller ready")
	}
}

func TestProposeAction_SecondSubmissionReplacesFirst(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	if _, err := coord.ProposeAction(context.Background(), "g1", "admin", "first attempt", ""); err != nil {
		t.Fatalf("ProposeAction: %v", err)
	}
	if _, err := coord.ProposeAction(context.Background(), "g1", "admin", "changed my mind", ""); err != nil {
		t.Fatalf("ProposeAction: %v", err)
	}

	pending, err := st.ListPendingActions(context.Background(), "g1", 1)
	if err != nil {
		t.Fatalf("ListPendingActions: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("want at most one pending action per user/chapter, got %d", len(pending))
	}
	if pending[0].ActionText != "changed my mind" {
		t.Fatalf("want the latest action text to win, got %q", pending[0].ActionText)
	}
}

func TestMarkContinue_RejectsNonMember(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	err := coord.MarkContinue(context.Background(), "g1", "stranger", true)
	se, ok := err.(*Error)
	if !ok || se.Code != CodeForbidden {
		t.Fatalf("want CodeForbidden, got %v", err)
	}
}

func TestLeaveGame_RemovesMemberAndReadyState(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin", "p2")
	ctx := context.Background()
	if err := coord.MarkContinue(ctx, "g1", "p2", true); err != nil {
		t.Fatalf("MarkContinue: %v", err)
	}

	if err := coord.LeaveGame(ctx, "g1", "p2"); err != nil {
		t.Fatalf("LeaveGame: %v", err)
	}

	members, err := st.ListMembers(ctx, "g1")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	for _, m := range members {
		if m.UserID == "p2" {
			t.Fatalf("want p2 removed from membership after leaving")
		}
	}
	g, _ := st.FindGame(ctx, "g1")
	if _, ready := g.ContinueReady["p2"]; ready {
		t.Fatalf("want continue_ready to stay a subset of members after p2 leaves")
	}
}

func TestPostMessage_RejectsEmptyContent(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	err := coord.PostMessage(context.Background(), "g1", "admin", "", domain.MessageTypeChat)
	se, ok := err.(*Error)
	if !ok || se.Code != CodeInvalidArgument {
		t.Fatalf("want CodeInvalidArgument, got %v", err)
	}
}

func TestSuggestAction_RejectsWhenSuggestionsDisabled(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	err := coord.SuggestAction(context.Background(), "g1", "admin", "maybe the cellar has a clue")
	se, ok := err.(*Error)
	if !ok || se.Code != CodeInvalidArgument {
		t.Fatalf("want CodeInvalidArgument when allow_suggestions is off, got %v", err)
	}
}

func TestSuggestAction_AcceptedOnceSuggestionsAreEnabled(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")
	if err := coord.UpdateSettings(context.Background(), "g1", "admin", domain.GameSettings{
		AllowSuggestions: true, DiscussionTimeSec: 60, ContinueTimeSec: 30,
	}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	if err := coord.SuggestAction(context.Background(), "g1", "admin", "maybe the cellar has a clue"); err != nil {
		t.Fatalf("SuggestAction: %v", err)
	}

	msgs, err := st.ListMessages(context.Background(), "g1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "maybe the cellar has a clue" {
		t.Fatalf("want the suggestion logged to the chat, got %v", msgs)
	}
}

func TestSuggestAction_RejectsNonMember(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	err := coord.SuggestAction(context.Background(), "g1", "stranger", "a suggestion")
	se, ok := err.(*Error)
	if !ok || se.Code != CodeForbidden {
		t.Fatalf("want CodeForbidden for a non-member, got %v", err)
	}
}

func TestUpdateSettings_NonAdminIsForbidden(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin", "p2")

	err := coord.UpdateSettings(context.Background(), "g1", "p2", domain.GameSettings{DiscussionTimeSec: 30, ContinueTimeSec: 30})
	se, ok := err.(*Error)
	if !ok || se.Code != CodeForbidden {
		t.Fatalf("want CodeForbidden, got %v", err)
	}
}

// Subscribe must admit a caller who was never snapshotted into
// game_members but was a member of the originating room (a reconnect
// racing room-to-game promotion).
func TestSubscribe_RepairsMembershipFromOriginatingRoom(t *testing.T) {
	coord, st := newTestCoordinator(t)
	ctx := context.Background()

	st.(*memory.Store).PutRoom(&domain.Room{
		ID:        "r1",
		AdminID:   "admin",
		MemberIDs: []string{"admin", "p2"},
	})
	g := &domain.Game{
		ID:            "g1",
		RoomID:        "r1",
		State:         domain.GameStateActionPhase,
		ContinueReady: map[string]struct{}{},
		CurrentChapter: 1,
		ActionPhase: &domain.ActionPhase{
			EndsAt:       time.Now().Add(time.Minute),
			SecondsTotal: 60,
		},
	}
	if err := st.CreateGame(ctx, g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if err := st.UpsertMember(ctx, &domain.Member{GameID: "g1", UserID: "admin", Role: domain.RoleAdmin, JoinedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	sub := broadcast.NewSubscriber("conn1")
	if err := coord.Subscribe(ctx, "g1", "p2", sub); err != nil {
		t.Fatalf("Subscribe should repair membership for a former room member, got %v", err)
	}

	members, err := st.ListMembers(ctx, "g1")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	found := false
	for _, m := range members {
		if m.UserID == "p2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want p2 inserted as a member after repair")
	}
}

func TestSubscribe_RejectsUserWithNoRoomHistory(t *testing.T) {
	coord, st := newTestCoordinator(t)
	seedGame(t, st, "g1", "admin")

	sub := broadcast.NewSubscriber("conn1")
	err := coord.Subscribe(context.Background(), "g1", "total-stranger", sub)
	se, ok := err.(*Error)
	if !ok || se.Code != CodeForbidden {
		t.Fatalf("want CodeForbidden for a user with no membership and no room history, got %v", err)
	}
}
