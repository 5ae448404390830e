package lobby

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
	"storyforge/internal/store/memory"
	"storyforge/internal/worldcatalog"
)

type seqIDs struct{ n int }

func (s *seqIDs) New() string {
	s.n++
	return "id" + string(rune('0'+s.n))
}

type mutableClock struct{ at time.Time }

func (c *mutableClock) Now() time.Time { return c.at }

func newTestPromoter(t *testing.T) (*Promoter, *memory.Store, *mutableClock) {
	t.Helper()
	st := memory.New()
	catalog := worldcatalog.NewStatic()
	hub := broadcast.NewHub()
	clk := &mutableClock{at: time.Now()}
	eng := engine.New(st, narrative.FallbackGenerator{}, catalog, hub, clk, idgen.UUIDGen{})
	eng.SetTimers(noopTimers{})
	p := New(st, eng, catalog, hub, &seqIDs{}, clk)
	t.Cleanup(p.Stop)
	return p, st, clk
}

type noopTimers struct{}

func (noopTimers) Arm(string, time.Time) {}
func (noopTimers) Cancel(string)         {}

func TestCreateRoom_ReturnsAJoinableInviteCode(t *testing.T) {
	p, _, _ := newTestPromoter(t)
	room, code, err := p.CreateRoom(context.Background(), "Test Room", "w1", "owner", domain.GameSettings{}, 5, 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if code == "" {
		t.Fatalf("want a non-empty plaintext invite code")
	}
	if room.InviteCodeB64 == code {
		t.Fatalf("the stored room record must not retain the plaintext invite code")
	}
}

func TestJoinRoom_RejectsWrongInviteCode(t *testing.T) {
	p, _, _ := newTestPromoter(t)
	room, _, err := p.CreateRoom(context.Background(), "Test Room", "w1", "owner", domain.GameSettings{}, 5, 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	err = p.JoinRoom(context.Background(), room.ID, "p2", "wrong-code", "")
	if err != ErrInvalidInviteCode {
		t.Fatalf("want ErrInvalidInviteCode, got %v", err)
	}
}

func TestJoinRoom_AdmitsWithCorrectInviteCode(t *testing.T) {
	p, st, _ := newTestPromoter(t)
	room, code, err := p.CreateRoom(context.Background(), "Test Room", "w1", "owner", domain.GameSettings{}, 5, 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if err := p.JoinRoom(context.Background(), room.ID, "p2", code, "char1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	got, err := st.FindRoom(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("FindRoom: %v", err)
	}
	found := false
	for _, id := range got.MemberIDs {
		if id == "p2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want p2 added to room membership")
	}
}

func TestStartGameFromRoom_RejectsNonAdmin(t *testing.T) {
	p, st, _ := newTestPromoter(t)
	st.PutRoom(&domain.Room{
		ID:           "r1",
		AdminID:      "owner",
		MemberIDs:    []string{"owner"},
		ReadyPlayers: map[string]struct{}{"owner": {}},
		Status:       domain.RoomStatusOpen,
		CreatedAt:    time.Now(),
	})

	_, err := p.StartGameFromRoom(context.Background(), "r1", "not-the-admin")
	if err == nil {
		t.Fatalf("want an error when a non-admin tries to start the game")
	}
}

func TestStartGameFromRoom_RejectsUnreadyMembers(t *testing.T) {
	p, st, _ := newTestPromoter(t)
	st.PutRoom(&domain.Room{
		ID:           "r1",
		AdminID:      "owner",
		MemberIDs:    []string{"owner", "p2"},
		ReadyPlayers: map[string]struct{}{"owner": {}},
		Status:       domain.RoomStatusOpen,
		CreatedAt:    time.Now(),
	})

	_, err := p.StartGameFromRoom(context.Background(), "r1", "owner")
	if err == nil {
		t.Fatalf("want an error when not every member is ready")
	}
}

// A second StartGameFromRoom call on an already-promoted room must
// return the existing game id rather than creating a second game.
func TestStartGameFromRoom_IsIdempotent(t *testing.T) {
	p, st, _ := newTestPromoter(t)
	st.PutRoom(&domain.Room{
		ID:           "r1",
		AdminID:      "owner",
		MemberIDs:    []string{"owner"},
		ReadyPlayers: map[string]struct{}{"owner": {}},
		Status:       domain.RoomStatusOpen,
		CreatedAt:    time.Now(),
	})

	gameID1, err := p.StartGameFromRoom(context.Background(), "r1", "owner")
	if err != nil {
		t.Fatalf("StartGameFromRoom: %v", err)
	}
	gameID2, err := p.StartGameFromRoom(context.Background(), "r1", "owner")
	if err != nil {
		t.Fatalf("StartGameFromRoom (second call): %v", err)
	}
	if gameID1 != gameID2 {
		t.Fatalf("want the second call to return the same game id, got %q and %q", gameID1, gameID2)
	}
}

func TestCleanupIdleRooms_OnlyRemovesRoomsPastTTLWithNoGame(t *testing.T) {
	p, st, clk := newTestPromoter(t)
	st.PutRoom(&domain.Room{ID: "stale", Status: domain.RoomStatusOpen, CreatedAt: clk.at})
	st.PutRoom(&domain.Room{ID: "promoted", Status: domain.RoomStatusClosing, GameID: "g1", CreatedAt: clk.at})

	clk.at = clk.at.Add(defaultIdleRoomTTL + time.Minute)
	st.PutRoom(&domain.Room{ID: "fresh", Status: domain.RoomStatusOpen, CreatedAt: clk.at})

	removed := p.CleanupIdleRooms(context.Background())
	if removed != 1 {
		t.Fatalf("want exactly 1 idle room removed, got %d", removed)
	}

	if _, err := st.FindRoom(context.Background(), "stale"); err == nil {
		t.Fatalf("want the stale room deleted")
	}
	if _, err := st.FindRoom(context.Background(), "promoted"); err != nil {
		t.Fatalf("a promoted room must survive past the idle TTL, got %v", err)
	}
}
