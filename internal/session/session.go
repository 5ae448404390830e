// Package session is the entry point for player intents: propose_action,
// mark_continue, post_message, leave_game, update_settings, and
// subscribe. It is grounded on the teacher's Lobby/Gateway split —
// Lobby validates and dispatches into Table, Gateway owns the
// connection — generalized here into one Coordinator that validates
// membership and state, then composes Store, GameEngine, and
// Broadcaster exactly the way §2's data-flow line describes.
package session

import (
	"context"
	"fmt"
	"time"

	"storyforge/internal/broadcast"
	"storyforge/internal/clock"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/idgen"
	"storyforge/internal/store"
)

// Coordinator composes the collaborators a player intent touches. It
// holds no per-game state of its own — every check re-reads the Store.
type Coordinator struct {
	store store.Store
	eng   *engine.Engine
	hub   *broadcast.Hub
	ids   idgen.IDGen
	clock clock.Clock
}

func New(st store.Store, eng *engine.Engine, hub *broadcast.Hub, ids idgen.IDGen, clk clock.Clock) *Coordinator {
	return &Coordinator{store: st, eng: eng, hub: hub, ids: ids, clock: clk}
}

func gameChannel(gameID string) string { return "game:" + gameID }

func mapEngineErr(err error) *Error {
	switch err {
	case engine.ErrGameNotFound, store.ErrNotFound:
		return newErr(CodeNotFound, err)
	case engine.ErrNotAdmin:
		return newErr(CodeForbidden, err)
	case engine.ErrNotAMember:
		return newErr(CodeForbidden, err)
	case engine.ErrNotActionPhase, engine.ErrGameClosed, engine.ErrGameFinished, engine.ErrAlreadyMember, engine.ErrMaxChaptersReached:
		return newErr(CodeConflict, err)
	case engine.ErrActionTextRequired, engine.ErrInvalidSettings, engine.ErrSuggestionsDisabled:
		return newErr(CodeInvalidArgument, err)
	case engine.ErrGameFull:
		return newErr(CodePreconditionFailed, err)
	default:
		return newErr(CodeNotFound, err)
	}
}

func (c *Coordinator) findMember(ctx context.Context, gameID, userID string) (*domain.Member, error) {
	members, err := c.store.ListMembers(ctx, gameID)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].UserID == userID {
			return &members[i], nil
		}
	}
	return nil, engine.ErrNotAMember
}

// GetGame returns the current read-model snapshot of a game.
func (c *Coordinator) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	g, err := c.store.FindGame(ctx, gameID)
	if err != nil {
		return nil, mapEngineErr(err)
	}
	return g, nil
}

// ProposeAction implements §4.6's propose_action intent: requires an open
// action phase, replaces any pending action for the caller's current
// chapter, auto-marks the caller ready, broadcasts, and evaluates the
// closure triggers.
func (c *Coordinator) ProposeAction(ctx context.Context, gameID, userID, text, characterID string) (*domain.Action, error) {
	if text == "" {
		return nil, newErr(CodeInvalidArgument, errEmptyActionText)
	}
	g, err := c.store.FindGame(ctx, gameID)
	if err != nil {
		return nil, mapEngineErr(err)
	}
	if _, err := c.findMember(ctx, gameID, userID); err != nil {
		return nil, mapEngineErr(err)
	}
	if g.State != domain.GameStateActionPhase {
		return nil, mapEngineErr(engine.ErrNotActionPhase)
	}

	action, err := c.store.ReplacePendingAction(ctx, &domain.Action{
		GameID:        gameID,
		UserID:        userID,
		CharacterID:   characterID,
		ActionText:    text,
		ChapterNumber: g.CurrentChapter,
	})
	if err != nil {
		return nil, fmt.Errorf("session: replace pending action: %w", err)
	}
	if err := c.store.AddToReadySet(ctx, gameID, userID); err != nil {
		return nil, fmt.Errorf("session: add to ready set: %w", err)
	}

	c.publishContinueUpdate(ctx, gameID)
	c.hub.Publish(gameChannel(gameID), engine.EventActionsUpdated, engine.ActionsUpdatedPayload{ChapterNumber: g.CurrentChapter})

	c.eng.CheckClosureTriggers(ctx, gameID)
	return action, nil
}

// MarkContinue implements §4.6's mark_continue intent.
func (c *Coordinator) MarkContinue(ctx context.Context, gameID, userID string, ready bool) error {
	g, err := c.store.FindGame(ctx, gameID)
	if err != nil {
		return mapEngineErr(err)
	}
	if _, err := c.findMember(ctx, gameID, userID); err != nil {
		return mapEngineErr(err)
	}
	if g.State != domain.GameStateActionPhase {
		return mapEngineErr(engine.ErrNotActionPhase)
	}

	if ready {
		err = c.store.AddToReadySet(ctx, gameID, userID)
	} else {
		err = c.store.PullFromReadySet(ctx, gameID, userID)
	}
	if err != nil {
		return fmt.Errorf("session: update ready set: %w", err)
	}

	c.publishContinueUpdate(ctx, gameID)
	c.eng.CheckClosureTriggers(ctx, gameID)
	return nil
}

func (c *Coordinator) publishContinueUpdate(ctx context.Context, gameID string) {
	g, err := c.store.FindGame(ctx, gameID)
	if err != nil {
		return
	}
	members, err := c.store.ListMembers(ctx, gameID)
	if err != nil {
		return
	}
	remaining := 0
	if g.ActionPhase != nil {
		if d := g.ActionPhase.EndsAt.Sub(c.clock.Now()); d > 0 {
			remaining = int(d.Seconds())
		}
	}
	c.hub.Publish(gameChannel(gameID), engine.EventContinueUpdate, struct {
		ReadyCount       int `json:"ready_count"`
		Total            int `json:"total"`
		RemainingSeconds int `json:"remaining_seconds"`
	}{ReadyCount: len(g.ContinueReady), Total: len(members), RemainingSeconds: remaining})
}

// PostMessage implements §4.6's post_message intent: allowed in any
// state except failed.
func (c *Coordinator) PostMessage(ctx context.Context, gameID, userID, content string, typ domain.MessageType) error {
	if content == "" {
		return newErr(CodeInvalidArgument, errEmptyContent)
	}
	g, err := c.store.FindGame(ctx, gameID)
	if err != nil {
		return mapEngineErr(err)
	}
	if g.State == domain.GameStateFailed {
		return mapEngineErr(engine.ErrGameClosed)
	}

	msg := &domain.Message{
		ID:        c.ids.New(),
		GameID:    gameID,
		UserID:    userID,
		Content:   content,
		Type:      typ,
		Timestamp: c.clock.Now(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("session: append message: %w", err)
	}

	c.hub.Publish(gameChannel(gameID), engine.EventNewMessage, engine.NewMessagePayload{
		ID: msg.ID, UserID: msg.UserID, Content: msg.Content, Type: string(msg.Type), Timestamp: msg.Timestamp,
	})
	return nil
}

// SuggestAction posts free-form story-direction input that does not
// resolve a character's turn the way ProposeAction does — the
// orchestrator's analogue of the original lobby's separate suggestion
// feed, gated independently by GameSettings.AllowSuggestions. A
// suggestion is membership-checked and logged exactly like a chat
// message; it carries no character binding and never feeds
// CheckClosureTriggers.
func (c *Coordinator) SuggestAction(ctx context.Context, gameID, userID, text string) error {
	if text == "" {
		return newErr(CodeInvalidArgument, errEmptyContent)
	}
	g, err := c.store.FindGame(ctx, gameID)
	if err != nil {
		return mapEngineErr(err)
	}
	if _, err := c.findMember(ctx, gameID, userID); err != nil {
		return mapEngineErr(err)
	}
	if !g.Settings.AllowSuggestions {
		return mapEngineErr(engine.ErrSuggestionsDisabled)
	}

	msg := &domain.Message{
		ID:        c.ids.New(),
		GameID:    gameID,
		UserID:    userID,
		Content:   text,
		Type:      domain.MessageTypeChat,
		Timestamp: c.clock.Now(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("session: append suggestion: %w", err)
	}

	c.hub.Publish(gameChannel(gameID), engine.EventNewMessage, engine.NewMessagePayload{
		ID: msg.ID, UserID: msg.UserID, Content: msg.Content, Type: string(msg.Type), Timestamp: msg.Timestamp,
	})
	return nil
}

// LeaveGame implements §4.6's leave_game intent. It never triggers a
// state change directly, but removing a member can bring the remaining
// members to quorum, so closure triggers are re-evaluated afterward.
func (c *Coordinator) LeaveGame(ctx context.Context, gameID, userID string) error {
	if _, err := c.store.FindGame(ctx, gameID); err != nil {
		return mapEngineErr(err)
	}
	if _, err := c.findMember(ctx, gameID, userID); err != nil {
		return mapEngineErr(err)
	}
	if err := c.store.RemoveMember(ctx, gameID, userID); err != nil {
		return fmt.Errorf("session: remove member: %w", err)
	}
	if err := c.store.PullFromReadySet(ctx, gameID, userID); err != nil {
		return fmt.Errorf("session: pull from ready set: %w", err)
	}

	c.publishContinueUpdate(ctx, gameID)
	c.eng.CheckClosureTriggers(ctx, gameID)
	return nil
}

// UpdateSettings implements §4.6's update_settings intent: admin-only,
// delegated to the engine which holds the authoritative validation and
// write path.
func (c *Coordinator) UpdateSettings(ctx context.Context, gameID, adminID string, patch domain.GameSettings) error {
	if err := c.eng.UpdateSettings(ctx, gameID, adminID, patch); err != nil {
		return mapEngineErr(err)
	}
	return nil
}

// AddChapter implements the admin chapter override from §6's operation
// table: an admin manually supplies chapter content instead of waiting
// on the generator.
func (c *Coordinator) AddChapter(ctx context.Context, gameID, adminID, content string) (*domain.Chapter, error) {
	if content == "" {
		return nil, newErr(CodeInvalidArgument, errEmptyContent)
	}
	ch, err := c.eng.AdminAppendChapter(ctx, gameID, adminID, content)
	if err != nil {
		return nil, mapEngineErr(err)
	}
	return ch, nil
}

func (c *Coordinator) ListActions(ctx context.Context, gameID string, status *domain.ActionStatus) ([]domain.Action, error) {
	if _, err := c.store.FindGame(ctx, gameID); err != nil {
		return nil, mapEngineErr(err)
	}
	return c.store.ListActions(ctx, gameID, status)
}

func (c *Coordinator) ListChapters(ctx context.Context, gameID string) ([]domain.Chapter, error) {
	if _, err := c.store.FindGame(ctx, gameID); err != nil {
		return nil, mapEngineErr(err)
	}
	return c.store.ListChapters(ctx, gameID)
}

func (c *Coordinator) ListMembers(ctx context.Context, gameID string) ([]domain.Member, error) {
	if _, err := c.store.FindGame(ctx, gameID); err != nil {
		return nil, mapEngineErr(err)
	}
	return c.store.ListMembers(ctx, gameID)
}

func (c *Coordinator) ListMessages(ctx context.Context, gameID string) ([]domain.Message, error) {
	if _, err := c.store.FindGame(ctx, gameID); err != nil {
		return nil, mapEngineErr(err)
	}
	return c.store.ListMessages(ctx, gameID)
}

// Subscribe implements §4.6's subscribe intent: verifies membership,
// auto-repairs it from the originating room's roster when missing, and
// replays the current action_phase_started burst per §8 scenario S6 so
// a late joiner can render the correct countdown immediately.
func (c *Coordinator) Subscribe(ctx context.Context, gameID, userID string, sub *broadcast.Subscriber) error {
	g, err := c.store.FindGame(ctx, gameID)
	if err != nil {
		return mapEngineErr(err)
	}

	if _, err := c.findMember(ctx, gameID, userID); err != nil {
		if err != engine.ErrNotAMember {
			return mapEngineErr(err)
		}
		if repaired := c.tryRepairMembership(ctx, g, userID); !repaired {
			return mapEngineErr(engine.ErrNotAMember)
		}
	}

	c.hub.Subscribe(gameChannel(gameID), sub)

	// Replay-on-subscribe: a reconnecting or late-joining client gets an
	// immediate catch-up burst instead of waiting for the next natural
	// broadcast, per §8 scenario S6 (countdown) generalized to also cover
	// the latest chapter so its transcript view is consistent right away.
	if chapters, err := c.store.ListChapters(ctx, gameID); err == nil && len(chapters) > 0 {
		latest := chapters[len(chapters)-1]
		c.hub.SendTo(sub, engine.EventChapterCreated, struct {
			ChapterNumber     int `json:"chapter_number"`
			DiscussionSeconds int `json:"discussion_seconds"`
		}{ChapterNumber: latest.ChapterNumber, DiscussionSeconds: g.Settings.DiscussionTimeSec})
	}
	if g.State == domain.GameStateActionPhase && g.ActionPhase != nil {
		c.hub.SendTo(sub, engine.EventActionPhaseStarted, struct {
			EndsAt       time.Time `json:"ends_at"`
			SecondsTotal int       `json:"seconds_total"`
			AutoContinue bool      `json:"auto_continue"`
		}{EndsAt: g.ActionPhase.EndsAt, SecondsTotal: g.ActionPhase.SecondsTotal, AutoContinue: g.Settings.AutoContinue})
	}
	return nil
}

// tryRepairMembership inserts a Member record for a subscriber who is
// listed as a member of the originating room but has no record in
// game_members — e.g. a reconnect racing LobbyToGame's promotion.
func (c *Coordinator) tryRepairMembership(ctx context.Context, g *domain.Game, userID string) bool {
	room, err := c.store.FindRoom(ctx, g.RoomID)
	if err != nil {
		return false
	}
	wasRoomMember := false
	for _, id := range room.MemberIDs {
		if id == userID {
			wasRoomMember = true
			break
		}
	}
	if !wasRoomMember {
		return false
	}
	role := domain.RolePlayer
	if room.AdminID == userID {
		role = domain.RoleAdmin
	}
	member := &domain.Member{
		GameID:      g.ID,
		UserID:      userID,
		CharacterID: room.MemberChars[userID],
		Role:        role,
		JoinedAt:    c.clock.Now(),
		IsReady:     false,
	}
	if err := c.store.UpsertMember(ctx, member); err != nil {
		return false
	}
	return true
}

// Unsubscribe removes a subscriber from a game channel, called on
// client disconnect. It never touches engine state — §5 is explicit
// that client disconnects cancel subscriber delivery only.
func (c *Coordinator) Unsubscribe(sub *broadcast.Subscriber) {
	c.hub.Unsubscribe(sub.ID)
}
