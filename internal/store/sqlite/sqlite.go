// Package sqlite implements store.Store on a local SQLite file, grounded
// on the teacher's ledger.SQLiteService/auth sqlite.go: a single
// *sql.DB pinned to one open connection (SQLite serializes writers
// anyway), WAL journaling, busy_timeout, and schema creation folded
// into the constructor rather than a separate migration step.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"storyforge/internal/domain"
	"storyforge/internal/store"
)

const defaultDBName = "storyforge_local.db"

type Store struct {
	db *sql.DB
}

// NewFromEnv resolves a database path from STORYFORGE_SQLITE_PATH,
// falling back to the user config directory, and opens it.
func NewFromEnv() (*Store, error) {
	path := strings.TrimSpace(os.Getenv("STORYFORGE_SQLITE_PATH"))
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "storyforge", defaultDBName)
	}
	return New(path)
}

// New opens (and if necessary creates) the SQLite database at path.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty database path")
	}
	if path != ":memory:" {
		if parent := filepath.Dir(path); parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
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
			settings_json TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			admin_id TEXT NOT NULL,
			current_chapter INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			action_phase_json TEXT,
			continue_ready_json TEXT NOT NULL DEFAULT '[]',
			advancing INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			finished_at_ms INTEGER,
			failure_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			world_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			admin_id TEXT NOT NULL,
			member_ids_json TEXT NOT NULL DEFAULT '[]',
			ready_players_json TEXT NOT NULL DEFAULT '[]',
			member_chars_json TEXT NOT NULL DEFAULT '{}',
			settings_json TEXT NOT NULL,
			max_chapters INTEGER NOT NULL,
			max_players INTEGER NOT NULL,
			status TEXT NOT NULL,
			game_id TEXT NOT NULL DEFAULT '',
			invite_code_b64 TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			game_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			character_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			joined_at_ms INTEGER NOT NULL,
			is_ready INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (game_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chapters (
			game_id TEXT NOT NULL,
			chapter_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
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
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_game_chapter ON actions(game_id, chapter_number, status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			game_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_game ON messages(game_id, timestamp_ms)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func msOf(t time.Time) int64 { return t.UTC().UnixMilli() }
func timeOf(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

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

func unmarshalSet(raw string) map[string]struct{} {
	var keys []string
	_ = json.Unmarshal([]byte(raw), &keys)
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// FindGame reads a single game row.
func (s *Store) FindGame(ctx context.Context, gameID string) (*domain.Game, error) {
	return s.findGameTx(ctx, s.db, gameID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) findGameTx(ctx context.Context, q querier, gameID string) (*domain.Game, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, room_id, name, world_id, max_chapters, max_players, settings_json,
		       owner_id, admin_id, current_chapter, state, action_phase_json,
		       continue_ready_json, advancing, created_at_ms, finished_at_ms, failure_reason
		FROM games WHERE id = ?`, gameID)

	var g domain.Game
	var settingsRaw, actionPhaseRaw sql.NullString
	var continueReadyRaw string
	var advancing int
	var createdAtMs int64
	var finishedAtMs sql.NullInt64

	if err := row.Scan(&g.ID, &g.RoomID, &g.Name, &g.WorldID, &g.MaxChapters, &g.MaxPlayers, &settingsRaw,
		&g.OwnerID, &g.AdminID, &g.CurrentChapter, &g.State, &actionPhaseRaw,
		&continueReadyRaw, &advancing, &createdAtMs, &finishedAtMs, &g.FailureReason); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if settingsRaw.Valid {
		_ = json.Unmarshal([]byte(settingsRaw.String), &g.Settings)
	}
	if actionPhaseRaw.Valid && actionPhaseRaw.String != "" {
		var ap domain.ActionPhase
		if err := json.Unmarshal([]byte(actionPhaseRaw.String), &ap); err == nil {
			g.ActionPhase = &ap
		}
	}
	g.ContinueReady = unmarshalSet(continueReadyRaw)
	g.Advancing = advancing != 0
	g.CreatedAt = timeOf(createdAtMs)
	if finishedAtMs.Valid {
		t := timeOf(finishedAtMs.Int64)
		g.FinishedAt = &t
	}
	return &g, nil
}

func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	settingsRaw, err := json.Marshal(g.Settings)
	if err != nil {
		return err
	}
	readyRaw, err := marshalSet(g.ContinueReady)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO games (id, room_id, name, world_id, max_chapters, max_players, settings_json,
		                    owner_id, admin_id, current_chapter, state, action_phase_json,
		                    continue_ready_json, advancing, created_at_ms, finished_at_ms, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, 0, ?, NULL, '')
		ON CONFLICT (id) DO NOTHING`,
		g.ID, g.RoomID, g.Name, g.WorldID, g.MaxChapters, g.MaxPlayers, string(settingsRaw),
		g.OwnerID, g.AdminID, g.CurrentChapter, g.State, readyRaw, msOf(g.CreatedAt))
	return err
}

func (s *Store) DeleteGame(ctx context.Context, gameID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM games WHERE id = ?`,
		`DELETE FROM members WHERE game_id = ?`,
		`DELETE FROM chapters WHERE game_id = ?`,
		`DELETE FROM actions WHERE game_id = ?`,
		`DELETE FROM messages WHERE game_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, gameID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateGameIf performs the read-predicate-mutate sequence inside a
// single transaction, giving the same atomicity the in-memory store
// gets for free from its mutex.
func (s *Store) UpdateGameIf(ctx context.Context, gameID string, predicate store.GamePredicate, mutation store.GameMutation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	g, err := s.findGameTx(ctx, tx, gameID)
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

	var actionPhaseRaw sql.NullString
	switch {
	case mutation.ClearPhase:
		// leave actionPhaseRaw invalid -> NULL
	case mutation.ActionPhase != nil:
		raw, err := json.Marshal(mutation.ActionPhase)
		if err != nil {
			return false, err
		}
		actionPhaseRaw = sql.NullString{String: string(raw), Valid: true}
	case g.ActionPhase != nil:
		raw, err := json.Marshal(g.ActionPhase)
		if err != nil {
			return false, err
		}
		actionPhaseRaw = sql.NullString{String: string(raw), Valid: true}
	}

	readySet := g.ContinueReady
	if mutation.ClearReady {
		readySet = make(map[string]struct{})
	}
	readyRaw, err := marshalSet(readySet)
	if err != nil {
		return false, err
	}

	var finishedAtMs sql.NullInt64
	if g.FinishedAt != nil {
		finishedAtMs = sql.NullInt64{Int64: msOf(*g.FinishedAt), Valid: true}
	}
	if mutation.FinishedAt != nil && *mutation.FinishedAt {
		finishedAtMs = sql.NullInt64{Int64: msOf(time.Now()), Valid: true}
	}

	failureReason := g.FailureReason
	if mutation.FailureReason != nil {
		failureReason = *mutation.FailureReason
	}

	settings := g.Settings
	if mutation.Settings != nil {
		settings = *mutation.Settings
	}
	settingsRaw, err := json.Marshal(settings)
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE games SET state=?, current_chapter=?, advancing=?, action_phase_json=?,
		       continue_ready_json=?, finished_at_ms=?, failure_reason=?, settings_json=?
		WHERE id=?`,
		state, currentChapter, boolToInt(advancing), actionPhaseRaw, readyRaw, finishedAtMs, failureReason, string(settingsRaw), gameID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) AppendChapter(ctx context.Context, gameID string, chapterNumber int, content string) (*domain.Chapter, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (game_id, chapter_number, content, created_at_ms)
		VALUES (?, ?, ?, ?)`, gameID, chapterNumber, content, msOf(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateChapter
		}
		return nil, err
	}
	return &domain.Chapter{GameID: gameID, ChapterNumber: chapterNumber, Content: content, CreatedAt: now}, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

func (s *Store) ListChapters(ctx context.Context, gameID string) ([]domain.Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, chapter_number, content, created_at_ms FROM chapters
		WHERE game_id = ? ORDER BY chapter_number ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Chapter
	for rows.Next() {
		var c domain.Chapter
		var createdAtMs int64
		if err := rows.Scan(&c.GameID, &c.ChapterNumber, &c.Content, &createdAtMs); err != nil {
			return nil, err
		}
		c.CreatedAt = timeOf(createdAtMs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMember(ctx context.Context, m *domain.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (game_id, user_id, character_id, role, joined_at_ms, is_ready)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (game_id, user_id) DO UPDATE SET
			character_id = excluded.character_id,
			role = excluded.role,
			is_ready = excluded.is_ready`,
		m.GameID, m.UserID, m.CharacterID, m.Role, msOf(m.JoinedAt), boolToInt(m.IsReady))
	return err
}

func (s *Store) ListMembers(ctx context.Context, gameID string) ([]domain.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, user_id, character_id, role, joined_at_ms, is_ready
		FROM members WHERE game_id = ? ORDER BY joined_at_ms ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Member
	for rows.Next() {
		var m domain.Member
		var joinedAtMs int64
		var isReady int
		if err := rows.Scan(&m.GameID, &m.UserID, &m.CharacterID, &m.Role, &joinedAtMs, &isReady); err != nil {
			return nil, err
		}
		m.JoinedAt = timeOf(joinedAtMs)
		m.IsReady = isReady != 0
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
	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE game_id = ? AND user_id = ?`, gameID, userID); err != nil {
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
	g, err := s.findGameTx(ctx, tx, gameID)
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
	if _, err := tx.ExecContext(ctx, `UPDATE games SET continue_ready_json = ? WHERE id = ?`, raw, gameID); err != nil {
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
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT continue_ready_json FROM games WHERE id = ?`, gameID).Scan(&raw)
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
	_, err = tx.ExecContext(ctx, `UPDATE games SET continue_ready_json = ? WHERE id = ?`, newRaw, gameID)
	return err
}

func (s *Store) ReplacePendingAction(ctx context.Context, a *domain.Action) (*domain.Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE actions SET status = ?
		WHERE game_id = ? AND user_id = ? AND chapter_number = ? AND status = ?`,
		domain.ActionStatusRejected, a.GameID, a.UserID, a.ChapterNumber, domain.ActionStatusPending); err != nil {
		return nil, err
	}

	cp := *a
	cp.Status = domain.ActionStatusPending
	cp.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO actions (id, game_id, user_id, character_id, action_text, chapter_number, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.GameID, cp.UserID, cp.CharacterID, cp.ActionText, cp.ChapterNumber, cp.Status, msOf(cp.CreatedAt)); err != nil {
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
	query := `SELECT id, game_id, user_id, character_id, action_text, chapter_number, status, created_at_ms
		FROM actions WHERE game_id = ?`
	args := []any{gameID}
	if chapterNumber != nil {
		query += ` AND chapter_number = ?`
		args = append(args, *chapterNumber)
	}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at_ms ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Action
	for rows.Next() {
		var a domain.Action
		var createdAtMs int64
		if err := rows.Scan(&a.ID, &a.GameID, &a.UserID, &a.CharacterID, &a.ActionText, &a.ChapterNumber, &a.Status, &createdAtMs); err != nil {
			return nil, err
		}
		a.CreatedAt = timeOf(createdAtMs)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ArchivePendingActions(ctx context.Context, gameID string, chapterNumber int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?
		WHERE game_id = ? AND chapter_number = ? AND status = ?`,
		domain.ActionStatusApproved, gameID, chapterNumber, domain.ActionStatusPending)
	return err
}

func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, game_id, user_id, content, type, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?)`, m.ID, m.GameID, m.UserID, m.Content, m.Type, msOf(m.Timestamp))
	return err
}

func (s *Store) ListMessages(ctx context.Context, gameID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, game_id, user_id, content, type, timestamp_ms
		FROM messages WHERE game_id = ? ORDER BY timestamp_ms ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var tsMs int64
		if err := rows.Scan(&m.ID, &m.GameID, &m.UserID, &m.Content, &m.Type, &tsMs); err != nil {
			return nil, err
		}
		m.Timestamp = timeOf(tsMs)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Rooms ---

func (s *Store) FindRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, world_id, owner_id, admin_id, member_ids_json, ready_players_json,
		       member_chars_json, settings_json, max_chapters, max_players, status, game_id,
		       invite_code_b64, created_at_ms
		FROM rooms WHERE id = ?`, roomID)

	var r domain.Room
	var memberIDsRaw, readyRaw, charsRaw, settingsRaw string
	var createdAtMs int64
	if err := row.Scan(&r.ID, &r.Name, &r.WorldID, &r.OwnerID, &r.AdminID, &memberIDsRaw, &readyRaw,
		&charsRaw, &settingsRaw, &r.MaxChapters, &r.MaxPlayers, &r.Status, &r.GameID,
		&r.InviteCodeB64, &createdAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(memberIDsRaw), &r.MemberIDs)
	r.ReadyPlayers = unmarshalSet(readyRaw)
	r.MemberChars = make(map[string]string)
	_ = json.Unmarshal([]byte(charsRaw), &r.MemberChars)
	_ = json.Unmarshal([]byte(settingsRaw), &r.Settings)
	r.CreatedAt = timeOf(createdAtMs)
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
	charsRaw, err := json.Marshal(r.MemberChars)
	if err != nil {
		return err
	}
	settingsRaw, err := json.Marshal(r.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, world_id, owner_id, admin_id, member_ids_json, ready_players_json,
		                    member_chars_json, settings_json, max_chapters, max_players, status, game_id,
		                    invite_code_b64, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Name, r.WorldID, r.OwnerID, r.AdminID, memberIDsRaw, readyRaw,
		string(charsRaw), string(settingsRaw), r.MaxChapters, r.MaxPlayers, r.Status, r.GameID,
		r.InviteCodeB64, msOf(r.CreatedAt))
	return err
}

func (s *Store) AddRoomMember(ctx context.Context, roomID, userID, characterID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var memberIDsRaw, charsRaw string
	err = tx.QueryRowContext(ctx, `SELECT member_ids_json, member_chars_json FROM rooms WHERE id = ?`, roomID).
		Scan(&memberIDsRaw, &charsRaw)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	var memberIDs []string
	_ = json.Unmarshal([]byte(memberIDsRaw), &memberIDs)
	chars := make(map[string]string)
	_ = json.Unmarshal([]byte(charsRaw), &chars)

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
	newCharsRaw, err := json.Marshal(chars)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET member_ids_json = ?, member_chars_json = ? WHERE id = ?`,
		newMemberIDsRaw, string(newCharsRaw), roomID); err != nil {
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

	var readyRaw string
	err = tx.QueryRowContext(ctx, `SELECT ready_players_json FROM rooms WHERE id = ?`, roomID).Scan(&readyRaw)
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
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET ready_players_json = ? WHERE id = ?`, newRaw, roomID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, world_id, owner_id, admin_id, member_ids_json, ready_players_json,
		       member_chars_json, settings_json, max_chapters, max_players, status, game_id,
		       invite_code_b64, created_at_ms
		FROM rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Room
	for rows.Next() {
		var r domain.Room
		var memberIDsRaw, readyRaw, charsRaw, settingsRaw string
		var createdAtMs int64
		if err := rows.Scan(&r.ID, &r.Name, &r.WorldID, &r.OwnerID, &r.AdminID, &memberIDsRaw, &readyRaw,
			&charsRaw, &settingsRaw, &r.MaxChapters, &r.MaxPlayers, &r.Status, &r.GameID,
			&r.InviteCodeB64, &createdAtMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(memberIDsRaw), &r.MemberIDs)
		r.ReadyPlayers = unmarshalSet(readyRaw)
		r.MemberChars = make(map[string]string)
		_ = json.Unmarshal([]byte(charsRaw), &r.MemberChars)
		_ = json.Unmarshal([]byte(settingsRaw), &r.Settings)
		r.CreatedAt = timeOf(createdAtMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
	return err
}

func (s *Store) LinkRoomToGame(ctx context.Context, roomID, gameID string) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	var existingGameID string
	err = tx.QueryRowContext(ctx, `SELECT game_id FROM rooms WHERE id = ?`, roomID).Scan(&existingGameID)
	if err == sql.ErrNoRows {
		return false, "", store.ErrNotFound
	}
	if err != nil {
		return false, "", err
	}
	if existingGameID != "" {
		return false, existingGameID, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET game_id = ?, status = ? WHERE id = ?`,
		gameID, domain.RoomStatusClosing, roomID); err != nil {
		return false, "", err
	}
	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	return true, gameID, nil
}
