// Package memory implements store.Store entirely in-process, modeled on
// the teacher's memoryService pattern (see story.memoryService,
// ledger's in-memory test doubles): a mutex-guarded map stands in for
// the database's atomic compare-and-set. Intended for tests and
// single-node demo deployment (STORYFORGE_STORE_MODE=memory).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"storyforge/internal/domain"
	"storyforge/internal/store"
)

type Store struct {
	mu sync.Mutex

	games    map[string]*domain.Game
	rooms    map[string]*domain.Room
	members  map[string]map[string]*domain.Member // gameID -> userID -> member
	chapters map[string][]domain.Chapter           // gameID -> ordered chapters
	actions  map[string][]*domain.Action           // gameID -> all actions (append-only log)
	messages map[string][]domain.Message           // gameID -> ordered messages
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		games:    make(map[string]*domain.Game),
		rooms:    make(map[string]*domain.Room),
		members:  make(map[string]map[string]*domain.Member),
		chapters: make(map[string][]domain.Chapter),
		actions:  make(map[string][]*domain.Action),
		messages: make(map[string][]domain.Message),
	}
}

func (s *Store) Close() error { return nil }

func cloneGame(g *domain.Game) *domain.Game {
	if g == nil {
		return nil
	}
	cp := *g
	if g.ActionPhase != nil {
		ap := *g.ActionPhase
		cp.ActionPhase = &ap
	}
	cp.ContinueReady = make(map[string]struct{}, len(g.ContinueReady))
	for k := range g.ContinueReady {
		cp.ContinueReady[k] = struct{}{}
	}
	if g.FinishedAt != nil {
		t := *g.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func (s *Store) FindGame(_ context.Context, gameID string) (*domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneGame(g), nil
}

func (s *Store) FindRoom(_ context.Context, roomID string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.MemberIDs = append([]string(nil), r.MemberIDs...)
	cp.ReadyPlayers = make(map[string]struct{}, len(r.ReadyPlayers))
	for k := range r.ReadyPlayers {
		cp.ReadyPlayers[k] = struct{}{}
	}
	cp.MemberChars = make(map[string]string, len(r.MemberChars))
	for k, v := range r.MemberChars {
		cp.MemberChars[k] = v
	}
	return &cp, nil
}

// PutRoom is a test/bootstrap helper for seeding a room directly.
func (s *Store) PutRoom(r *domain.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rooms[r.ID] = &cp
}

func (s *Store) CreateRoom(_ context.Context, r *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[r.ID]; exists {
		return nil
	}
	cp := *r
	if cp.ReadyPlayers == nil {
		cp.ReadyPlayers = make(map[string]struct{})
	}
	if cp.MemberChars == nil {
		cp.MemberChars = make(map[string]string)
	}
	s.rooms[r.ID] = &cp
	return nil
}

func (s *Store) AddRoomMember(_ context.Context, roomID, userID, characterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	for _, id := range r.MemberIDs {
		if id == userID {
			r.MemberChars[userID] = characterID
			return nil
		}
	}
	r.MemberIDs = append(r.MemberIDs, userID)
	r.MemberChars[userID] = characterID
	return nil
}

func (s *Store) SetRoomReady(_ context.Context, roomID, userID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	if ready {
		r.ReadyPlayers[userID] = struct{}{}
	} else {
		delete(r.ReadyPlayers, userID)
	}
	return nil
}

func (s *Store) ListRooms(_ context.Context) ([]domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *Store) UpdateGameIf(_ context.Context, gameID string, predicate store.GamePredicate, mutation store.GameMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return false, store.ErrNotFound
	}
	if predicate != nil && !predicate(cloneGame(g)) {
		return false, nil
	}

	if mutation.State != nil {
		g.State = *mutation.State
	}
	if mutation.CurrentChapter != nil {
		g.CurrentChapter = *mutation.CurrentChapter
	}
	if mutation.Advancing != nil {
		g.Advancing = *mutation.Advancing
	}
	if mutation.ActionPhase != nil {
		ap := *mutation.ActionPhase
		g.ActionPhase = &ap
	}
	if mutation.ClearPhase {
		g.ActionPhase = nil
	}
	if mutation.ClearReady {
		g.ContinueReady = make(map[string]struct{})
	}
	if mutation.FinishedAt != nil && *mutation.FinishedAt {
		now := time.Now().UTC()
		g.FinishedAt = &now
	}
	if mutation.FailureReason != nil {
		g.FailureReason = *mutation.FailureReason
	}
	if mutation.Settings != nil {
		g.Settings = *mutation.Settings
	}
	return true, nil
}

func (s *Store) CreateGame(_ context.Context, g *domain.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.games[g.ID]; exists {
		return nil // idempotent create, matches CAS-guarded room linking semantics
	}
	s.games[g.ID] = cloneGame(g)
	s.members[g.ID] = make(map[string]*domain.Member)
	return nil
}

func (s *Store) LinkRoomToGame(_ context.Context, roomID, gameID string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false, "", store.ErrNotFound
	}
	if r.GameID != "" {
		return false, r.GameID, nil
	}
	r.GameID = gameID
	r.Status = domain.RoomStatusClosing
	return true, gameID, nil
}

func (s *Store) DeleteGame(_ context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.games, gameID)
	delete(s.members, gameID)
	delete(s.chapters, gameID)
	delete(s.actions, gameID)
	delete(s.messages, gameID)
	return nil
}

func (s *Store) AppendChapter(_ context.Context, gameID string, chapterNumber int, content string) (*domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chapters[gameID] {
		if c.ChapterNumber == chapterNumber {
			return nil, store.ErrDuplicateChapter
		}
	}
	ch := domain.Chapter{GameID: gameID, ChapterNumber: chapterNumber, Content: content, CreatedAt: time.Now().UTC()}
	s.chapters[gameID] = append(s.chapters[gameID], ch)
	return &ch, nil
}

func (s *Store) ListChapters(_ context.Context, gameID string) ([]domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.Chapter(nil), s.chapters[gameID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChapterNumber < out[j].ChapterNumber })
	return out, nil
}

func (s *Store) UpsertMember(_ context.Context, m *domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.members[m.GameID]
	if !ok {
		bucket = make(map[string]*domain.Member)
		s.members[m.GameID] = bucket
	}
	cp := *m
	bucket[m.UserID] = &cp
	return nil
}

func (s *Store) ListMembers(_ context.Context, gameID string) ([]domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.members[gameID]
	out := make([]domain.Member, 0, len(bucket))
	for _, m := range bucket {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) RemoveMember(_ context.Context, gameID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[gameID], userID)
	if g, ok := s.games[gameID]; ok {
		delete(g.ContinueReady, userID)
	}
	return nil
}

func (s *Store) AddToReadySet(_ context.Context, gameID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	if g.ContinueReady == nil {
		g.ContinueReady = make(map[string]struct{})
	}
	g.ContinueReady[userID] = struct{}{}
	return nil
}

func (s *Store) PullFromReadySet(_ context.Context, gameID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	delete(g.ContinueReady, userID)
	return nil
}

func (s *Store) ReplacePendingAction(_ context.Context, a *domain.Action) (*domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.actions[a.GameID]
	for i, existing := range list {
		if existing.UserID == a.UserID && existing.ChapterNumber == a.ChapterNumber && existing.Status == domain.ActionStatusPending {
			list[i].Status = domain.ActionStatusRejected
		}
	}
	cp := *a
	cp.Status = domain.ActionStatusPending
	cp.CreatedAt = time.Now().UTC()
	s.actions[a.GameID] = append(list, &cp)
	return &cp, nil
}

func (s *Store) ListPendingActions(_ context.Context, gameID string, chapterNumber int) ([]domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Action
	for _, a := range s.actions[gameID] {
		if a.ChapterNumber == chapterNumber && a.Status == domain.ActionStatusPending {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActions(_ context.Context, gameID string, status *domain.ActionStatus) ([]domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Action
	for _, a := range s.actions[gameID] {
		if status != nil && a.Status != *status {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ArchivePendingActions(_ context.Context, gameID string, chapterNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions[gameID] {
		if a.ChapterNumber == chapterNumber && a.Status == domain.ActionStatusPending {
			a.Status = domain.ActionStatusApproved
		}
	}
	return nil
}

func (s *Store) AppendMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.GameID] = append(s.messages[m.GameID], *m)
	return nil
}

func (s *Store) ListMessages(_ context.Context, gameID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages[gameID]...), nil
}
