package engine

import "errors"

// Sentinel errors surfaced to SessionCoordinator, matching the teacher's
// plain sentinel-error style (story.ErrChapterLocked, table.ErrTableClosed)
// rather than a custom error-code framework.
var (
	ErrGameClosed          = errors.New("engine: game is closed")
	ErrGameNotFound        = errors.New("engine: game not found")
	ErrNotAMember          = errors.New("engine: user is not a member of this game")
	ErrAlreadyMember       = errors.New("engine: user is already a member of this game")
	ErrGameFull            = errors.New("engine: game has reached its player limit")
	ErrNotActionPhase      = errors.New("engine: game is not accepting actions right now")
	ErrActionTextRequired  = errors.New("engine: action text is required")
	ErrSuggestionsDisabled = errors.New("engine: suggestions are disabled for this game")
	ErrNotAdmin            = errors.New("engine: only the game admin may do this")
	ErrGameFinished        = errors.New("engine: game has already finished")
	ErrMaxChaptersReached  = errors.New("engine: game has reached its chapter limit")
	ErrInvalidSettings     = errors.New("engine: discussion_time_sec and continue_time_sec must be >= 1")
)
