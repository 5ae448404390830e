// Package postgres implements store.Store against PostgreSQL, grounded
// on the polite-betrayal postgres repositories: a pooled *sql.DB opened
// once in Connect, $N-placeholder queries, and ON CONFLICT DO NOTHING
// for idempotent creates. JSONB
// columns hold the Game/Room map- and pointer-shaped fields (settings,
// action_phase, continue_ready, room membership) the same way the
// sqlite backend encodes them as TEXT — Postgres just gets native JSON
// querying for free.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"storyforge/internal/domain"
	"storyforge/internal/store"
)

type Store struct {
	db *sql.DB
}

// Connect opens a connection pool to the PostgreSQL database and
// ensures the schema exists.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func ensureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			name TEXT NOT NULL,
			world_id TEXT NOT NULL,
			max_chapters INTEGER NOT NULL,
			max_players INTEGER NOT NULL,
			settings JSONB NOT NULL,
			owner_id TEXT NOT NULL,
			admin_id TEXT NOT NULL,
			current_chapter INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			action_phase JSONB,
			continue_ready JSONB NOT NULL DEFAULT '[]',
			advancing BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			world_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			admin_id TEXT NOT NULL,
			member_ids JSONB NOT NULL DEFAULT '[]',
			ready_players JSONB NOT NULL DEFAULT '[]',
			member_chars JSONB NOT NULL DEFAULT '{}',
			settings JSONB NOT NULL,
			max_chapters INTEGER NOT NULL,
			max_players INTEGER NOT NULL,
			status TEXT NOT NULL,
			game_id TEXT NOT NULL DEFAULT '',
			invite_code_b64 TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			game_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL,
			is_ready BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (game_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chapters (
			game_id TEXT NOT NULL,
			chapter_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (game_id, chapter_number)
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			game_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL DEFAULT '',
			action_text TEXT NOT NULL,
			chapter_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_game_chapter ON actions(game_id, chapter_number, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			game_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_game ON messages(game_id, timestamp)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalStrSlice and marshalSet return string, not []byte: lib/pq sends
// a []byte query argument as a bytea literal, which Postgres will not
// implicitly cast to jsonb. A string argument binds as text, which
// Postgres does coerce to jsonb on INSERT/UPDATE.
func marshalStrSlice(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func marshalSet(m map[string]struct{}) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return marshalStrSlice(keys)
}

func unmarshalSet(raw []byte) map[string]struct{} {
	var keys []string
	_ = json.Unmarshal(raw, &keys)
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) FindGame(ctx context.Context, gameID string) (*domain.Game, error) {
	return s.findGameTx(ctx, s.db, gameID, false)
}

// findGameTx reads a game row, optionally locking it with SELECT ... FOR
// UPDATE. forUpdate must be true whenever the caller holds a transaction
// open across a subsequent UPDATE of the same row — otherwise two
// concurrent callers can both read the pre-mutation row under Read
// Committed, both pass a predicate evaluated in Go, and both write,
// turning a compare-and-set into a last-writer-wins race. q must be a
// *sql.Tx when forUpdate is true; FOR UPDATE outside a transaction is a
// Postgres error.
func (s *Store) findGameTx(ctx context.Context, q querier, gameID string, forUpdate bool) (*domain.Game, error) {
	query := `
		SELECT id, room_id, name, world_id, max_chapters, max_players, settings,
		       owner_id, admin_id, current_chapter, state, action_phase,
		       continue_ready, advancing, created_at, finished_at, failure_reason
		FROM games WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	row := q.QueryRowContext(ctx, query, gameID)

	var g domain.Game
	var settingsRaw []byte
	var actionPhaseRaw []byte
	var continueReadyRaw []byte
	var finishedAt sql.NullTime

	if err := row.Scan(&g.ID, &g.RoomID, &g.Name, &g.WorldID, &g.MaxChapters, &g.MaxPlayers, &settingsRaw,
		&g.OwnerID, &g.AdminID, &g.CurrentChapter, &g.State, &actionPhaseRaw,
		&continueReadyRaw, &g.Advancing, &g.CreatedAt, &finishedAt, &g.FailureReason); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	_ = json.Unmarshal(settingsRaw, &g.Settings)
	if len(actionPhaseRaw) > 0 && string(actionPhaseRaw) != "null" {
		var ap domain.ActionPhase
		if err := json.Unmarshal(actionPhaseRaw, &ap); err == nil {
			g.ActionPhase = &ap
		}
	}
	g.ContinueReady = unmarshalSet(continueReadyRaw)
	g.CreatedAt = g.CreatedAt.UTC()
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		g.FinishedAt = &t
	}
	return &g, nil
}

func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	settingsRawB, err := json.Marshal(g.Settings)
	if err != nil {
		return err
	}
	settingsRaw := string(settingsRawB)
	readyRaw, err := marshalSet(g.ContinueReady)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO games (id, room_id, name, world_id, max_chapters, max_players, settings,
		                    owner_id, admin_id, current_chapter, state, action_phase,
		                    continue_ready, advancing, created_at, finished_at, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, $12, false, $13, NULL, '')
		ON CONFLICT (id) DO NOTHING`,
		g.ID, g.RoomID, g.Name, g.WorldID, g.MaxChapters, g.MaxPlayers, settingsRaw,
		g.OwnerID, g.AdminID, g.CurrentChapter, g.State, readyRaw, g.CreatedAt)
	return err
}

func (s *Store) DeleteGame(ctx context.Context, gameID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM games WHERE id = $1`,
		`DELETE FROM members WHERE game_id = $1`,
		`DELETE FROM chapters WHERE game_id = $1`,
		`DELETE FROM actions WHERE game_id = $1`,
		`DELETE FROM messages WHERE game_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, gameID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateGameIf runs the read-predicate-mutate sequence inside one
// transaction. The read locks the row with SELECT ... FOR UPDATE, so a
// second concurrent caller blocks until this transaction commits or
// rolls back and then re-reads the post-mutation row — Read Committed's
// default plain-SELECT snapshot would otherwise let two callers both
// read the pre-mutation row, both pass predicate, and both write,
// turning the compare-and-set into last-writer-wins.
func (s *Store) UpdateGameIf(ctx context.Context, gameID string, predicate store.GamePredicate, mutation store.GameMutation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	g, err := s.findGameTx(ctx, tx, gameID, true)
	if err != nil {
		return false, err
	}
	if predicate != nil && !predicate(g) {
		return false, nil
	}

	state := g.State
	if mutation.State != nil {
		state = *mutation.State
	}
	currentChapter := g.CurrentChapter
	if mutation.CurrentChapter != nil {
		currentChapter = *mutation.CurrentChapter
	}
	advancing := g.Advancing
	if mutation.Advancing != nil {
		advancing = *mutation.Advancing
	}

	var actionPhaseRaw []byte
	switch {
	case mutation.ClearPhase:
		actionPhaseRaw = nil
	case mutation.ActionPhase != nil:
		actionPhaseRaw, err = json.Marshal(mutation.ActionPhase)
		if err != nil {
			return false, err
		}
	case g.ActionPhase != nil:
		actionPhaseRaw, err = json.Marshal(g.ActionPhase)
		if err != nil {
			return false, err
		}
	}

	readySet := g.ContinueReady
	if mutation.ClearReady {
		readySet = make(map[string]struct{})
	}
	readyRaw, err := marshalSet(readySet)
	if err != nil {
		return false, err
	}

	finishedAt := g.FinishedAt
	if mutation.FinishedAt != nil && *mutation.FinishedAt {
		now := time.Now().UTC()
		finishedAt = &now
	}

	failureReason := g.FailureReason
	if mutation.FailureReason != nil {
		failureReason = *mutation.FailureReason
	}

	settings := g.Settings
	if mutation.Settings != nil {
		settings = *mutation.Settings
	}
	settingsRawB, err := json.Marshal(settings)
	if err != nil {
		return false, err
	}
	settingsRaw := string(settingsRawB)

	_, err = tx.ExecContext(ctx, `
		UPDATE games SET state=$1, current_chapter=$2, advancing=$3, action_phase=$4,
		       continue_ready=$5, finished_at=$6, failure_reason=$7, settings=$8
		WHERE id=$9`,
		state, currentChapter, advancing, nullableJSON(actionPhaseRaw), readyRaw, finishedAt, failureReason, settingsRaw, gameID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func nullableJSON(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func (s *Store) AppendChapter(ctx context.Context, gameID string, chapterNumber int, content string) (*domain.Chapter, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (game_id, chapter_number, content, created_at)
		VALUES ($1, $2, $3, $4)`, gameID, chapterNumber, content, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateChapter
		}
		return nil, err
	}
	return &domain.Chapter{GameID: gameID, ChapterNumber: chapterNumber, Content: content, CreatedAt: now}, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate key") ||
		strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func (s *Store) ListChapters(ctx context.Context, gameID string) ([]domain.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, chapter_number, content, created_at FROM chapters
		WHERE game_id = $1 ORDER BY chapter_number ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Chapter
	for rows.Next() {
		var c domain.Chapter
		if err := rows.Scan(&c.GameID, &c.ChapterNumber, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMember(ctx context.Context, m *domain.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (game_id, user_id, character_id, role, joined_at, is_ready)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (game_id, user_id) DO UPDATE SET
			character_id = excluded.character_id,
			role = excluded.role,
			is_ready = excluded.is_ready`,
		m.GameID, m.UserID, m.CharacterID, m.Role, m.JoinedAt, m.IsReady)
	return err
}

func (s *Store) ListMembers(ctx context.Context, gameID string) ([]domain.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, user_id, character_id, role, joined_at, is_ready
		FROM members WHERE game_id = $1 ORDER BY joined_at ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.GameID, &m.UserID, &m.CharacterID, &m.Role, &m.JoinedAt, &m.IsReady); err != nil {
			return nil, err
		}
		m.JoinedAt = m.JoinedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) RemoveMember(ctx context.Context, gameID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE game_id = $1 AND user_id = $2`, gameID, userID); err != nil {
		return err
	}
	if err := pullFromReadySetTx(ctx, tx, gameID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddToReadySet(ctx context.Context, gameID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	g, err := s.findGameTx(ctx, tx, gameID, true)
	if err != nil {
		return err
	}
	if g.ContinueReady == nil {
		g.ContinueReady = make(map[string]struct{})
	}
	g.ContinueReady[userID] = struct{}{}
	raw, err := marshalSet(g.ContinueReady)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE games SET continue_ready = $1 WHERE id = $2`, raw, gameID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PullFromReadySet(ctx context.Context, gameID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := pullFromReadySetTx(ctx, tx, gameID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func pullFromReadySetTx(ctx context.Context, tx *sql.Tx, gameID, userID string) error {
	var raw []byte
	err := tx.QueryRowContext(ctx, `SELECT continue_ready FROM games WHERE id = $1 FOR UPDATE`, gameID).Scan(&raw)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	set := unmarshalSet(raw)
	delete(set, userID)
	newRaw, err := marshalSet(set)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE games SET continue_ready = $1 WHERE id = $2`, newRaw, gameID)
	return err
}

func (s *Store) ReplacePendingAction(ctx context.Context, a *domain.Action) (*domain.Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE actions SET status = $1
		WHERE game_id = $2 AND user_id = $3 AND chapter_number = $4 AND status = $5`,
		domain.ActionStatusRejected, a.GameID, a.UserID, a.ChapterNumber, domain.ActionStatusPending); err != nil {
		return nil, err
	}

	cp := *a
	cp.Status = domain.ActionStatusPending
	cp.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO actions (id, game_id, user_id, character_id, action_text, chapter_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.GameID, cp.UserID, cp.CharacterID, cp.ActionText, cp.ChapterNumber, cp.Status, cp.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) ListPendingActions(ctx context.Context, gameID string, chapterNumber int) ([]domain.Action, error) {
	status := domain.ActionStatusPending
	return s.listActions(ctx, gameID, &chapterNumber, &status)
}

func (s *Store) ListActions(ctx context.Context, gameID string, status *domain.ActionStatus) ([]domain.Action, error) {
	return s.listActions(ctx, gameID, nil, status)
}

func (s *Store) listActions(ctx context.Context, gameID string, chapterNumber *int, status *domain.ActionStatus) ([]domain.Action, error) {
	query := `SELECT id, game_id, user_id, character_id, action_text, chapter_number, status, created_at
		FROM actions WHERE game_id = $1`
	args := []any{gameID}
	if chapterNumber != nil {
		args = append(args, *chapterNumber)
		query += fmt.Sprintf(" AND chapter_number = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		var a domain.Action
		if err := rows.Scan(&a.ID, &a.GameID, &a.UserID, &a.CharacterID, &a.ActionText, &a.ChapterNumber, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ArchivePendingActions(ctx context.Context, gameID string, chapterNumber int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = $1
		WHERE game_id = $2 AND chapter_number = $3 AND status = $4`,
		domain.ActionStatusApproved, gameID, chapterNumber, domain.ActionStatusPending)
	return err
}

func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, game_id, user_id, content, type, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`, m.ID, m.GameID, m.UserID, m.Content, m.Type, m.Timestamp)
	return err
}

func (s *Store) ListMessages(ctx context.Context, gameID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, game_id, user_id, content, type, timestamp
		FROM messages WHERE game_id = $1 ORDER BY timestamp ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.GameID, &m.UserID, &m.Content, &m.Type, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Rooms ---

func (s *Store) FindRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, world_id, owner_id, admin_id, member_ids, ready_players,
		       member_chars, settings, max_chapters, max_players, status, game_id,
		       invite_code_b64, created_at
		FROM rooms WHERE id = $1`, roomID)

	var r domain.Room
	var memberIDsRaw, readyRaw, charsRaw, settingsRaw []byte
	if err := row.Scan(&r.ID, &r.Name, &r.WorldID, &r.OwnerID, &r.AdminID, &memberIDsRaw, &readyRaw,
		&charsRaw, &settingsRaw, &r.MaxChapters, &r.MaxPlayers, &r.Status, &r.GameID,
		&r.InviteCodeB64, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(memberIDsRaw, &r.MemberIDs)
	r.ReadyPlayers = unmarshalSet(readyRaw)
	r.MemberChars = make(map[string]string)
	_ = json.Unmarshal(charsRaw, &r.MemberChars)
	_ = json.Unmarshal(settingsRaw, &r.Settings)
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func (s *Store) CreateRoom(ctx context.Context, r *domain.Room) error {
	memberIDsRaw, err := marshalStrSlice(r.MemberIDs)
	if err != nil {
		return err
	}
	readyRaw, err := marshalSet(r.ReadyPlayers)
	if err != nil {
		return err
	}
	charsRawB, err := json.Marshal(r.MemberChars)
	if err != nil {
		return err
	}
	charsRaw := string(charsRawB)
	settingsRawB, err := json.Marshal(r.Settings)
	if err != nil {
		return err
	}
	settingsRaw := string(settingsRawB)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, world_id, owner_id, admin_id, member_ids, ready_players,
		                    member_chars, settings, max_chapters, max_players, status, game_id,
		                    invite_code_b64, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Name, r.WorldID, r.OwnerID, r.AdminID, memberIDsRaw, readyRaw,
		charsRaw, settingsRaw, r.MaxChapters, r.MaxPlayers, r.Status, r.GameID,
		r.InviteCodeB64, r.CreatedAt)
	return err
}

func (s *Store) AddRoomMember(ctx context.Context, roomID, userID, characterID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var memberIDsRaw, charsRaw []byte
	err = tx.QueryRowContext(ctx, `SELECT member_ids, member_chars FROM rooms WHERE id = $1`, roomID).
		Scan(&memberIDsRaw, &charsRaw)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	var memberIDs []string
	_ = json.Unmarshal(memberIDsRaw, &memberIDs)
	chars := make(map[string]string)
	_ = json.Unmarshal(charsRaw, &chars)

	found := false
	for _, id := range memberIDs {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		memberIDs = append(memberIDs, userID)
	}
	chars[userID] = characterID

	newMemberIDsRaw, err := marshalStrSlice(memberIDs)
	if err != nil {
		return err
	}
	newCharsRawB, err := json.Marshal(chars)
	if err != nil {
		return err
	}
	newCharsRaw := string(newCharsRawB)
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET member_ids = $1, member_chars = $2 WHERE id = $3`,
		newMemberIDsRaw, newCharsRaw, roomID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetRoomReady(ctx context.Context, roomID, userID string, ready bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var readyRaw []byte
	err = tx.QueryRowContext(ctx, `SELECT ready_players FROM rooms WHERE id = $1`, roomID).Scan(&readyRaw)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	set := unmarshalSet(readyRaw)
	if ready {
		set[userID] = struct{}{}
	} else {
		delete(set, userID)
	}
	newRaw, err := marshalSet(set)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET ready_players = $1 WHERE id = $2`, newRaw, roomID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, world_id, owner_id, admin_id, member_ids, ready_players,
		       member_chars, settings, max_chapters, max_players, status, game_id,
		       invite_code_b64, created_at
		FROM rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Room
	for rows.Next() {
		var r domain.Room
		var memberIDsRaw, readyRaw, charsRaw, settingsRaw []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.WorldID, &r.OwnerID, &r.AdminID, &memberIDsRaw, &readyRaw,
			&charsRaw, &settingsRaw, &r.MaxChapters, &r.MaxPlayers, &r.Status, &r.GameID,
			&r.InviteCodeB64, &r.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(memberIDsRaw, &r.MemberIDs)
		r.ReadyPlayers = unmarshalSet(readyRaw)
		r.MemberChars = make(map[string]string)
		_ = json.Unmarshal(charsRaw, &r.MemberChars)
		_ = json.Unmarshal(settingsRaw, &r.Settings)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	return err
}

func (s *Store) LinkRoomToGame(ctx context.Context, roomID, gameID string) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	var existingGameID string
	err = tx.QueryRowContext(ctx, `SELECT game_id FROM rooms WHERE id = $1`, roomID).Scan(&existingGameID)
	if err == sql.ErrNoRows {
		return false, "", store.ErrNotFound
	}
	if err != nil {
		return false, "", err
	}
	if existingGameID != "" {
		return false, existingGameID, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET game_id = $1, status = $2 WHERE id = $3`,
		gameID, domain.RoomStatusClosing, roomID); err != nil {
		return false, "", err
	}
	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	return true, gameID, nil
}
