// Package lobby implements LobbyToGame: atomic promotion of a ready
// lobby room into a running game, plus the pre-game room lifecycle
// (create/join/ready) that feeds it. It is grounded on the teacher's
// Lobby: a monotonic-id room registry, an idle-reaping cleanup loop
// (Lobby.cleanupLoop/CleanupIdleTables), and a background kickoff of
// the game's first chapter mirroring QuickStart's NPC auto-fill
// happening right after table creation.
package lobby

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"storyforge/internal/broadcast"
	"storyforge/internal/clock"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/idgen"
	"storyforge/internal/store"
)

const (
	defaultIdleRoomTTL     = 30 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
	inviteCodeBytes        = 6
)

// catalogBinder is the subset of worldcatalog.Static the promoter
// depends on: recording which world and which of its characters a
// newly-promoted game uses.
type catalogBinder interface {
	BindGame(gameID, worldID string, characterIDs []string)
}

// Promoter owns the pre-game room lifecycle and the one-time promotion
// of a room into a game.
type Promoter struct {
	store   store.Store
	eng     *engine.Engine
	catalog catalogBinder
	hub     *broadcast.Hub
	ids     idgen.IDGen
	clock   clock.Clock

	idleTTL         time.Duration
	cleanupInterval time.Duration
	done            chan struct{}
	stopOnce        sync.Once
}

// New constructs a Promoter and starts its idle-room reaping loop.
func New(st store.Store, eng *engine.Engine, catalog catalogBinder, hub *broadcast.Hub, ids idgen.IDGen, clk clock.Clock) *Promoter {
	p := &Promoter{
		store:           st,
		eng:             eng,
		catalog:         catalog,
		hub:             hub,
		ids:             ids,
		clock:           clk,
		idleTTL:         defaultIdleRoomTTL,
		cleanupInterval: defaultCleanupInterval,
		done:            make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// CreateRoom creates a new pre-game room with a freshly minted,
// bcrypt-hashed invite code. The plaintext code is returned once, to be
// shared out of band by the admin — the room record only ever stores
// its hash, the same way the teacher never persists plaintext passwords.
func (p *Promoter) CreateRoom(ctx context.Context, name, worldID, ownerID string, settings domain.GameSettings, maxChapters, maxPlayers int) (*domain.Room, string, error) {
	plainCode, err := randomInviteCode()
	if err != nil {
		return nil, "", fmt.Errorf("lobby: generate invite code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plainCode), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("lobby: hash invite code: %w", err)
	}

	r := &domain.Room{
		ID:            p.ids.New(),
		Name:          name,
		WorldID:       worldID,
		OwnerID:       ownerID,
		AdminID:       ownerID,
		MemberIDs:     []string{ownerID},
		ReadyPlayers:  make(map[string]struct{}),
		MemberChars:   make(map[string]string),
		Settings:      settings,
		MaxChapters:   maxChapters,
		MaxPlayers:    maxPlayers,
		Status:        domain.RoomStatusOpen,
		InviteCodeB64: base64.StdEncoding.EncodeToString(hash),
		CreatedAt:     p.clock.Now(),
	}
	if err := p.store.CreateRoom(ctx, r); err != nil {
		return nil, "", fmt.Errorf("lobby: create room: %w", err)
	}
	return r, plainCode, nil
}

func randomInviteCode() (string, error) {
	buf := make([]byte, inviteCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ErrInvalidInviteCode is returned by JoinRoom when the supplied code
// does not match the room's stored hash.
var ErrInvalidInviteCode = errors.New("lobby: invalid invite code")

// JoinRoom admits userID to an open room after checking its invite code
// against the stored bcrypt hash.
func (p *Promoter) JoinRoom(ctx context.Context, roomID, userID, inviteCode, characterID string) error {
	r, err := p.store.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if r.Status != domain.RoomStatusOpen {
		return fmt.Errorf("lobby: room %s is not open", roomID)
	}
	hash, err := base64.StdEncoding.DecodeString(r.InviteCodeB64)
	if err != nil {
		return fmt.Errorf("lobby: corrupt invite hash: %w", err)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(inviteCode)) != nil {
		return ErrInvalidInviteCode
	}
	alreadyMember := false
	for _, id := range r.MemberIDs {
		if id == userID {
			alreadyMember = true
		}
	}
	if alreadyMember {
		return engine.ErrAlreadyMember
	}
	if r.MaxPlayers > 0 && len(r.MemberIDs) >= r.MaxPlayers {
		return engine.ErrGameFull
	}
	return p.store.AddRoomMember(ctx, roomID, userID, characterID)
}

// SetReady toggles a room member's readiness.
func (p *Promoter) SetReady(ctx context.Context, roomID, userID string, ready bool) error {
	return p.store.SetRoomReady(ctx, roomID, userID, ready)
}

// StartGameFromRoom implements spec §4.7: caller must be room admin,
// every member must be ready, and the room must not already be linked
// to a game (idempotent — a second call returns the existing game id).
func (p *Promoter) StartGameFromRoom(ctx context.Context, roomID, callerUserID string) (string, error) {
	room, err := p.store.FindRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room.AdminID != callerUserID {
		return "", fmt.Errorf("lobby: only the room admin may start the game")
	}
	if room.GameID != "" {
		return room.GameID, nil
	}
	for _, id := range room.MemberIDs {
		if _, ready := room.ReadyPlayers[id]; !ready {
			return "", fmt.Errorf("lobby: not all room members are ready")
		}
	}
	if len(room.MemberIDs) == 0 {
		return "", fmt.Errorf("lobby: room has no members")
	}

	gameID := p.ids.New()
	game := &domain.Game{
		ID:             gameID,
		RoomID:         room.ID,
		Name:           room.Name,
		WorldID:        room.WorldID,
		MaxChapters:    room.MaxChapters,
		MaxPlayers:     room.MaxPlayers,
		Settings:       room.Settings,
		OwnerID:        room.OwnerID,
		AdminID:        room.AdminID,
		CurrentChapter: 0,
		State:          domain.GameStateInitializing,
		ContinueReady:  make(map[string]struct{}),
		CreatedAt:      p.clock.Now(),
	}
	if err := p.store.CreateGame(ctx, game); err != nil {
		return "", fmt.Errorf("lobby: create game: %w", err)
	}

	characterIDs := make([]string, 0, len(room.MemberIDs))
	for _, userID := range room.MemberIDs {
		role := domain.RolePlayer
		if userID == room.AdminID {
			role = domain.RoleAdmin
		}
		charID := room.MemberChars[userID]
		if charID != "" {
			characterIDs = append(characterIDs, charID)
		}
		member := &domain.Member{
			GameID:      gameID,
			UserID:      userID,
			CharacterID: charID,
			Role:        role,
			JoinedAt:    p.clock.Now(),
		}
		if err := p.store.UpsertMember(ctx, member); err != nil {
			return "", fmt.Errorf("lobby: snapshot member %s: %w", userID, err)
		}
	}
	p.catalog.BindGame(gameID, room.WorldID, characterIDs)

	linked, existingGameID, err := p.store.LinkRoomToGame(ctx, roomID, gameID)
	if err != nil {
		return "", fmt.Errorf("lobby: link room to game: %w", err)
	}
	if !linked {
		// Lost the race: another caller's game already won the link.
		// Ours is an orphan — clean it up and report the winner.
		if delErr := p.store.DeleteGame(ctx, gameID); delErr != nil {
			log.Printf("[lobby] StartGameFromRoom: cleanup orphan game %s: %v", gameID, delErr)
		}
		return existingGameID, nil
	}

	go func() {
		bgCtx := context.Background()
		if err := p.eng.BootstrapFirstChapter(bgCtx, gameID); err != nil {
			log.Printf("[lobby] StartGameFromRoom: bootstrap first chapter for game %s: %v", gameID, err)
		}
	}()

	return gameID, nil
}

func (p *Promoter) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.CleanupIdleRooms(context.Background())
		case <-p.done:
			return
		}
	}
}

// CleanupIdleRooms deletes rooms that never promoted to a game within
// the idle TTL. A room that already promoted (GameID set) is left
// alone even past the TTL — its lifecycle now belongs to the game.
func (p *Promoter) CleanupIdleRooms(ctx context.Context) int {
	rooms, err := p.store.ListRooms(ctx)
	if err != nil {
		log.Printf("[lobby] CleanupIdleRooms: list rooms: %v", err)
		return 0
	}
	now := p.clock.Now()
	removed := 0
	for _, r := range rooms {
		if r.GameID != "" {
			continue
		}
		if now.Sub(r.CreatedAt) < p.idleTTL {
			continue
		}
		if err := p.store.DeleteRoom(ctx, r.ID); err != nil {
			log.Printf("[lobby] CleanupIdleRooms: delete room %s: %v", r.ID, err)
			continue
		}
		p.hub.Publish("room:"+r.ID, engine.EventRoomDeleted, struct {
			RoomID string `json:"room_id"`
		}{RoomID: r.ID})
		removed++
	}
	if removed > 0 {
		log.Printf("[lobby] CleanupIdleRooms: removed %d idle room(s)", removed)
	}
	return removed
}

// Stop terminates the idle-reaping loop. Safe to call more than once.
func (p *Promoter) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}
