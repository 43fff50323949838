package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id       TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	avatar   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS rooms (
	id   TEXT PRIMARY KEY,
	kind TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	content      BLOB NOT NULL,
	content_type TEXT NOT NULL,
	edited       INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	edited_at    TIMESTAMP
);
CREATE TABLE IF NOT EXISTS friends (
	id          TEXT PRIMARY KEY,
	sender_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'PENDING'
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id);
CREATE INDEX IF NOT EXISTS idx_members_user ON room_members (user_id);
`

// Store implements UserDirectory, RoomStore, MessageStore and FriendStore on
// a single sqlite database.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and :memory: databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Str("module", "store").Str("path", path).Msg("sqlite store ready")
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateUser is used by the external sign-up flow and by tests; the realtime
// core itself only reads the directory.
func (s *Store) CreateUser(ctx context.Context, username, avatar string) (*domain.User, error) {
	u := &domain.User{ID: domain.UserID(uuid.NewString()), Username: username, Avatar: avatar}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, avatar) VALUES (?, ?, ?)`, u.ID, u.Username, u.Avatar)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, avatar FROM users WHERE username = ?`, username))
}

func (s *Store) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, avatar FROM users WHERE id = ?`, id))
}

func (s *Store) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.Avatar); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetRoom(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (*domain.Room, error) {
	room, err := s.roomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasMember(userID) {
		return nil, domain.ErrNotMember
	}
	return room, nil
}

func (s *Store) roomByID(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	var kind domain.RoomKind
	err := s.db.QueryRowContext(ctx, `SELECT kind FROM rooms WHERE id = ?`, roomID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch room: %w", err)
	}
	members, err := s.membersOf(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &domain.Room{ID: roomID, Kind: kind, Members: members}, nil
}

func (s *Store) membersOf(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	defer rows.Close()
	var out []domain.UserID
	for rows.Next() {
		var id domain.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) FindOrCreateDirect(ctx context.Context, a, b domain.UserID) (*domain.Room, error) {
	var id domain.RoomID
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id FROM rooms r
		JOIN room_members m1 ON m1.room_id = r.id AND m1.user_id = ?
		JOIN room_members m2 ON m2.room_id = r.id AND m2.user_id = ?
		WHERE r.kind = ?`, a, b, domain.RoomDirect).Scan(&id)
	switch {
	case err == nil:
		return s.roomByID(ctx, id)
	case errors.Is(err, sql.ErrNoRows):
		return s.CreateRoom(ctx, domain.RoomDirect, []domain.UserID{a, b})
	default:
		return nil, fmt.Errorf("lookup direct room: %w", err)
	}
}

func (s *Store) CreateRoom(ctx context.Context, kind domain.RoomKind, members []domain.UserID) (*domain.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	room := &domain.Room{ID: domain.RoomID(uuid.NewString()), Kind: kind, Members: members}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rooms (id, kind) VALUES (?, ?)`, room.ID, room.Kind); err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES (?, ?)`, room.ID, m); err != nil {
			return nil, fmt.Errorf("insert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return room, nil
}

func (s *Store) FetchRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM room_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}
	defer rows.Close()
	var ids []domain.RoomID
	for rows.Next() {
		var id domain.RoomID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.roomByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

func (s *Store) Add(ctx context.Context, roomID domain.RoomID, senderID domain.UserID, content []byte, contentType domain.ContentType) (*domain.Message, error) {
	m := &domain.Message{
		ID:          domain.MessageID(ulid.Make().String()),
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, content_type, edited, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.RoomID, m.SenderID, m.Content, m.ContentType, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *Store) Edit(ctx context.Context, id domain.MessageID, newContent []byte) (*domain.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited = 1, edited_at = ? WHERE id = ?`, newContent, now, id)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return s.message(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id domain.MessageID) (*domain.Message, error) {
	m, err := s.message(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

func (s *Store) Fetch(ctx context.Context, roomID domain.RoomID) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, content, content_type, edited, created_at, edited_at
		FROM messages WHERE room_id = ? ORDER BY id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer rows.Close()
	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var edited int
		var editedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.ContentType, &edited, &m.CreatedAt, &editedAt); err != nil {
			return nil, err
		}
		m.Edited = edited != 0
		if editedAt.Valid {
			m.EditedAt = editedAt.Time
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) message(ctx context.Context, id domain.MessageID) (*domain.Message, error) {
	var m domain.Message
	var edited int
	var editedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender_id, content, content_type, edited, created_at, edited_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.ContentType, &edited, &m.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	m.Edited = edited != 0
	if editedAt.Valid {
		m.EditedAt = editedAt.Time
	}
	return &m, nil
}

func (s *Store) Create(ctx context.Context, sender, receiver domain.UserID) (*domain.FriendRequest, error) {
	fr := &domain.FriendRequest{
		ID:         domain.RequestID(uuid.NewString()),
		SenderID:   sender,
		ReceiverID: receiver,
		Status:     domain.FriendPending,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO friends (id, sender_id, receiver_id, status) VALUES (?, ?, ?, ?)`,
		fr.ID, fr.SenderID, fr.ReceiverID, fr.Status)
	if err != nil {
		return nil, fmt.Errorf("create friend request: %w", err)
	}
	return fr, nil
}

func (s *Store) Get(ctx context.Context, id domain.RequestID) (*domain.FriendRequest, error) {
	return s.scanFriend(s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, receiver_id, status FROM friends WHERE id = ?`, id))
}

func (s *Store) Between(ctx context.Context, a, b domain.UserID) (*domain.FriendRequest, error) {
	return s.scanFriend(s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, status FROM friends
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		a, b, b, a))
}

func (s *Store) UpdateStatus(ctx context.Context, id domain.RequestID, status domain.FriendStatus) (*domain.FriendRequest, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE friends SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return nil, fmt.Errorf("update friend request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) DeleteRequest(ctx context.Context, id domain.RequestID) (*domain.FriendRequest, error) {
	fr, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM friends WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete friend request: %w", err)
	}
	return fr, nil
}

func (s *Store) FetchFor(ctx context.Context, userID domain.UserID) ([]*domain.FriendRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, status FROM friends
		WHERE sender_id = ? OR receiver_id = ?`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch friend requests: %w", err)
	}
	defer rows.Close()
	var out []*domain.FriendRequest
	for rows.Next() {
		var fr domain.FriendRequest
		if err := rows.Scan(&fr.ID, &fr.SenderID, &fr.ReceiverID, &fr.Status); err != nil {
			return nil, err
		}
		out = append(out, &fr)
	}
	return out, rows.Err()
}

func (s *Store) scanFriend(row *sql.Row) (*domain.FriendRequest, error) {
	var fr domain.FriendRequest
	if err := row.Scan(&fr.ID, &fr.SenderID, &fr.ReceiverID, &fr.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan friend request: %w", err)
	}
	return &fr, nil
}
