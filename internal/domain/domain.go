// Package domain holds the entities the game-session orchestrator operates
// on. Nothing in this package talks to storage, transport, or the
// narrative backend — it only describes the shapes those layers share.
package domain

import "time"

// GameState is the closed set of states a Game can occupy.
type GameState string

const (
	GameStateInitializing GameState = "initializing"
	GameStateActionPhase  GameState = "action_phase"
	GameStateClosing      GameState = "closing"
	GameStateFinished     GameState = "finished"
	GameStateFailed       GameState = "failed"
)

// Role is a Member's role within a Game.
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// ActionStatus is the lifecycle of a submitted player Action.
type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusApproved ActionStatus = "approved"
	ActionStatusRejected ActionStatus = "rejected"
)

// MessageType distinguishes chat-log entries.
type MessageType string

const (
	MessageTypeChat   MessageType = "chat"
	MessageTypeSystem MessageType = "system"
	MessageTypeAction MessageType = "action"
)

// GeneratorKind selects the NarrativeGenerator prompt shape.
type GeneratorKind string

const (
	GeneratorKindFirst       GeneratorKind = "FIRST"
	GeneratorKindWithActions GeneratorKind = "WITH_ACTIONS"
	GeneratorKindAutomatic   GeneratorKind = "AUTOMATIC"
)

// GameSettings are the per-game tunables an admin may update.
type GameSettings struct {
	AllowSuggestions  bool `json:"allow_suggestions"`
	DiscussionTimeSec int  `json:"discussion_time_sec"`
	AutoContinue      bool `json:"auto_continue"`
	ContinueTimeSec   int  `json:"continue_time_sec"`
	RequireAllPlayers bool `json:"require_all_players"`
}

// ActionPhase is embedded on a Game while state is action_phase or closing.
type ActionPhase struct {
	StartedAt    time.Time `json:"started_at"`
	EndsAt       time.Time `json:"ends_at"`
	SecondsTotal int       `json:"seconds_total"`
}

// Game is the aggregate root for a running collaborative-storytelling session.
type Game struct {
	ID             string
	RoomID         string
	Name           string
	WorldID        string
	MaxChapters    int
	MaxPlayers     int
	Settings       GameSettings
	OwnerID        string
	AdminID        string
	CurrentChapter int
	State          GameState
	ActionPhase    *ActionPhase
	ContinueReady  map[string]struct{}
	Advancing      bool
	CreatedAt      time.Time
	FinishedAt     *time.Time
	FailureReason  string
}

// Member is a participant snapshot owned by exactly one Game.
type Member struct {
	GameID      string
	UserID      string
	CharacterID string
	Role        Role
	JoinedAt    time.Time
	IsReady     bool
}

// Chapter is an appended, immutable narrative unit.
type Chapter struct {
	GameID        string
	ChapterNumber int
	Content       string
	CreatedAt     time.Time
}

// Action is a free-text player submission for the current chapter.
type Action struct {
	ID            string
	GameID        string
	UserID        string
	CharacterID   string
	ActionText    string
	ChapterNumber int
	Status        ActionStatus
	CreatedAt     time.Time
}

// Message is an append-only chat-log entry.
type Message struct {
	ID        string
	GameID    string
	UserID    string
	Content   string
	Type      MessageType
	Timestamp time.Time
}

// Character is a minimal reference to a world character used as generator
// context. Character authoring itself is out of scope; the orchestrator
// only needs id/name/description to build narrative prompts.
type Character struct {
	ID          string
	Name        string
	Description string
}

// World is a minimal reference to the world a Game is set in.
type World struct {
	ID          string
	Name        string
	Description string
}

// RoomStatus tracks a lobby's linkage to a promoted Game.
type RoomStatus string

const (
	RoomStatusOpen    RoomStatus = "open"
	RoomStatusClosing RoomStatus = "closing"
)

// Room is the pre-game lobby: players gather, pick characters, and mark
// themselves ready before LobbyToGame promotes the room into a Game.
// Room/character authoring is out of scope; the orchestrator only needs
// enough of the room to validate and perform the promotion.
type Room struct {
	ID            string
	Name          string
	WorldID       string
	OwnerID       string
	AdminID       string
	MemberIDs     []string
	ReadyPlayers  map[string]struct{}
	MemberChars   map[string]string // user_id -> character_id
	Settings      GameSettings
	MaxChapters   int
	MaxPlayers    int
	Status        RoomStatus
	GameID        string
	InviteCodeB64 string // bcrypt hash of the room's join invite code
	CreatedAt     time.Time
}
