// Package store defines the persistence boundary the engine relies on.
// It describes atomic predicate-update primitives rather than a generic
// repository, because the single-flight advance pipeline is correct
// only if the state transitions it depends on are themselves atomic.
package store

import (
	"context"
	"errors"

	"storyforge/internal/domain"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateChapter is returned by AppendChapter when (game_id,
// chapter_number) already exists — the signal the advance pipeline uses
// to detect it lost a race to another process.
var ErrDuplicateChapter = errors.New("store: chapter already exists")

// ErrAlreadyLinked names the already-linked condition. No backend's
// LinkRoomToGame returns it: an existing link is reported as
// linked=false with the existing game_id and a nil error.
var ErrAlreadyLinked = errors.New("store: room already linked to a game")

// GameMutation describes the fields updateGameIf may set. Pointer fields
// left nil are not touched so callers only specify what actually changes.
type GameMutation struct {
	State          *domain.GameState
	CurrentChapter *int
	Advancing      *bool
	ActionPhase    *domain.ActionPhase
	ClearPhase     bool
	ClearReady     bool
	FinishedAt     *bool // true => stamp finished_at = now
	FailureReason  *string
	Settings       *domain.GameSettings
}

// GamePredicate is evaluated against the freshly-read game before a
// mutation is applied. The read-predicate-mutate sequence happens
// inside a single atomic store operation (a transaction or a
// conditional UPDATE), never as two round trips a caller could race
// between.
type GamePredicate func(g *domain.Game) bool

// Store is the persistence collaborator the engine is built against.
// Implementations: store/memory (tests, single-node demo),
// store/sqlite, store/postgres.
type Store interface {
	Close() error

	FindGame(ctx context.Context, gameID string) (*domain.Game, error)
	FindRoom(ctx context.Context, roomID string) (*domain.Room, error)

	CreateRoom(ctx context.Context, r *domain.Room) error
	AddRoomMember(ctx context.Context, roomID, userID, characterID string) error
	SetRoomReady(ctx context.Context, roomID, userID string, ready bool) error
	ListRooms(ctx context.Context) ([]domain.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error

	// UpdateGameIf performs a single atomic compare-and-set: it re-reads
	// the game, evaluates predicate, and applies mutation only if
	// predicate returns true. modified reports whether the mutation was
	// applied; callers that lose the race must treat modified=false as
	// a no-op, not an error.
	UpdateGameIf(ctx context.Context, gameID string, predicate GamePredicate, mutation GameMutation) (modified bool, err error)

	CreateGame(ctx context.Context, g *domain.Game) error
	LinkRoomToGame(ctx context.Context, roomID, gameID string) (linked bool, existingGameID string, err error)
	DeleteGame(ctx context.Context, gameID string) error

	AppendChapter(ctx context.Context, gameID string, chapterNumber int, content string) (*domain.Chapter, error)
	ListChapters(ctx context.Context, gameID string) ([]domain.Chapter, error)

	UpsertMember(ctx context.Context, m *domain.Member) error
	ListMembers(ctx context.Context, gameID string) ([]domain.Member, error)
	RemoveMember(ctx context.Context, gameID, userID string) error

	AddToReadySet(ctx context.Context, gameID, userID string) error
	PullFromReadySet(ctx context.Context, gameID, userID string) error

	ReplacePendingAction(ctx context.Context, a *domain.Action) (*domain.Action, error)
	ListPendingActions(ctx context.Context, gameID string, chapterNumber int) ([]domain.Action, error)
	ListActions(ctx context.Context, gameID string, status *domain.ActionStatus) ([]domain.Action, error)
	ArchivePendingActions(ctx context.Context, gameID string, chapterNumber int) error

	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, gameID string) ([]domain.Message, error)
}
