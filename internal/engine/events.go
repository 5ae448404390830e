package engine

import "time"

// Event type names published on a game:{id} channel. Fixed per the
// orchestrator's wire contract — the broadcaster does not invent new
// types at runtime.
const (
	EventChapterCreated      = "chapter_created"
	EventActionPhaseStarted  = "action_phase_started"
	EventPhaseChanged        = "phase_changed"
	EventContinueUpdate      = "continue_update"
	EventNewMessage          = "new_message"
	EventActionsUpdated      = "actions_updated"
	EventStateChanged        = "state_changed"
	EventGameFinished        = "finished"
	EventGameFailed          = "failed"
)

// Room channel events.
const (
	EventRoomStarted = "started"
	EventRoomClosed  = "room_closed"
	EventRoomDeleted = "room_deleted"
)

type chapterCreatedPayload struct {
	ChapterNumber    int `json:"chapter_number"`
	DiscussionSeconds int `json:"discussion_seconds"`
}

type actionPhaseStartedPayload struct {
	EndsAt       time.Time `json:"ends_at"`
	SecondsTotal int       `json:"seconds_total"`
	AutoContinue bool      `json:"auto_continue"`
}

type phaseChangedPayload struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

type continueUpdatePayload struct {
	ReadyCount       int `json:"ready_count"`
	Total            int `json:"total"`
	RemainingSeconds int `json:"remaining_seconds"`
}

// NewMessagePayload is the EventNewMessage body. Exported so callers
// outside the engine package (session.PostMessage) that publish this
// event directly can share the wire shape instead of redeclaring it.
type NewMessagePayload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionsUpdatedPayload is the EventActionsUpdated body, shared with
// session.ProposeAction for the same reason as NewMessagePayload.
type ActionsUpdatedPayload struct {
	ChapterNumber int `json:"chapter_number"`
}

type stateChangedPayload struct {
	State string `json:"state"`
}

type gameFinishedPayload struct {
	GameID string `json:"game_id"`
}

type gameFailedPayload struct {
	Error string `json:"error"`
}

type roomStartedPayload struct {
	GameID string `json:"game_id"`
}

type roomClosedPayload struct {
	RoomID string `json:"room_id"`
}
