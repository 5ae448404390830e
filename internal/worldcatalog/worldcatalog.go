// Package worldcatalog resolves the static world/character context the
// narrative generator needs. World and character authoring is out of
// scope for the orchestrator; this is the named collaborator interface
// that scope boundary leaves behind, in the same spirit as the
// engine's Clock/IDGen seams.
package worldcatalog

import (
	"context"
	"fmt"
	"sync"

	"storyforge/internal/domain"
)

// Catalog resolves worlds and the characters present in a game.
type Catalog interface {
	World(ctx context.Context, worldID string) (domain.World, error)
	Characters(ctx context.Context, gameID string) ([]domain.Character, error)
}

// Static is an in-memory Catalog. Worlds are authored elsewhere and
// loaded in bulk; per-game character rosters are populated once, at
// promotion time, by LobbyToGame from the room's character assignments.
type Static struct {
	mu         sync.RWMutex
	worlds     map[string]domain.World
	characters map[string]map[string]domain.Character // worldID -> characterID -> Character
	gameChars  map[string][]string                     // gameID -> characterIDs
	gameWorld  map[string]string                        // gameID -> worldID
}

// NewStatic creates an empty catalog.
func NewStatic() *Static {
	return &Static{
		worlds:     make(map[string]domain.World),
		characters: make(map[string]map[string]domain.Character),
		gameChars:  make(map[string][]string),
		gameWorld:  make(map[string]string),
	}
}

// PutWorld registers or replaces a world and its character roster.
func (s *Static) PutWorld(w domain.World, characters []domain.Character) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[w.ID] = w
	bucket := make(map[string]domain.Character, len(characters))
	for _, c := range characters {
		bucket[c.ID] = c
	}
	s.characters[w.ID] = bucket
}

// BindGame records which world and which of its characters a game uses,
// called once by LobbyToGame when a room is promoted.
func (s *Static) BindGame(gameID, worldID string, characterIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gameWorld[gameID] = worldID
	s.gameChars[gameID] = append([]string(nil), characterIDs...)
}

func (s *Static) World(_ context.Context, worldID string) (domain.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return domain.World{}, fmt.Errorf("worldcatalog: world %q not found", worldID)
	}
	return w, nil
}

func (s *Static) Characters(_ context.Context, gameID string) ([]domain.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worldID := s.gameWorld[gameID]
	bucket := s.characters[worldID]
	ids := s.gameChars[gameID]
	out := make([]domain.Character, 0, len(ids))
	for _, id := range ids {
		if c, ok := bucket[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ Catalog = (*Static)(nil)
