package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ducklets/api/internal/codec"
	"ducklets/api/internal/crdt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	const query = `
		SELECT id, owner_id, name, description, is_public, created_at, updated_at
		FROM rooms
		WHERE id = $1
	`
	var room Room
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&room.ID, &room.OwnerID, &room.Name, &room.Description, &room.IsPublic, &room.CreatedAt, &room.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM room_allowed_users WHERE room_id = $1 ORDER BY added_at, user_id`, roomID)
	if err != nil {
		return Room{}, fmt.Errorf("list allow-list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return Room{}, fmt.Errorf("scan allow-list: %w", err)
		}
		room.AllowList = append(room.AllowList, userID)
	}
	if err := rows.Err(); err != nil {
		return Room{}, fmt.Errorf("iterate allow-list: %w", err)
	}
	return room, nil
}

// SaveRoom inserts or updates room metadata. The allow-list is managed
// separately.
func (s *PostgresStore) SaveRoom(ctx context.Context, room Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, owner_id, name, description, is_public)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_public = EXCLUDED.is_public,
			updated_at = NOW()
	`, room.ID, room.OwnerID, room.Name, room.Description, room.IsPublic)
	if err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddToAllowList(ctx context.Context, roomID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO room_allowed_users (room_id, user_id)
		SELECT id, $2 FROM rooms WHERE id = $1
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("add to allow-list: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) RemoveFromAllowList(ctx context.Context, roomID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_allowed_users WHERE room_id = $1 AND user_id = $2`, roomID, userID); err != nil {
		return fmt.Errorf("remove from allow-list: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, roomID string, snapshot crdt.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_contents (room_id, content_head, content_html, content_css, content_js)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id) DO UPDATE SET
			content_head = EXCLUDED.content_head,
			content_html = EXCLUDED.content_html,
			content_css = EXCLUDED.content_css,
			content_js = EXCLUDED.content_js,
			updated_at = NOW()
	`, roomID, snapshot.Head, snapshot.HTML, snapshot.CSS, snapshot.JS)
	if err != nil {
		return fmt.Errorf("save room contents: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted contents of a room. ok is false when
// nothing was saved yet.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, roomID string) (crdt.Snapshot, bool, error) {
	contents, err := s.GetContents(ctx, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return crdt.Snapshot{}, false, nil
	}
	if err != nil {
		return crdt.Snapshot{}, false, err
	}
	return contents.Snapshot(), true, nil
}

func (s *PostgresStore) GetContents(ctx context.Context, roomID string) (RoomContents, error) {
	const query = `
		SELECT room_id, content_head, content_html, content_css, content_js, updated_at
		FROM room_contents
		WHERE room_id = $1
	`
	var contents RoomContents
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&contents.RoomID, &contents.Head, &contents.HTML, &contents.CSS, &contents.JS, &contents.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoomContents{}, err
		}
		return RoomContents{}, fmt.Errorf("get room contents: %w", err)
	}
	return contents, nil
}

// SaveDocState stores the encoded document next to its snapshot,
// zstd-compressed.
func (s *PostgresStore) SaveDocState(ctx context.Context, roomID string, state []byte) error {
	compressed, err := codec.Compress(state)
	if err != nil {
		return fmt.Errorf("compress doc state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_doc_states (room_id, state)
		VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = NOW()
	`, roomID, compressed)
	if err != nil {
		return fmt.Errorf("save doc state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadDocState(ctx context.Context, roomID string) ([]byte, bool, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM room_doc_states WHERE room_id = $1`, roomID).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load doc state: %w", err)
	}
	state, err := codec.Decompress(compressed)
	if err != nil {
		return nil, false, fmt.Errorf("decompress doc state: %w", err)
	}
	return state, true, nil
}

// MarkPending records or refreshes a join request. Requests stay until the
// owner answers them.
func (s *PostgresStore) MarkPending(ctx context.Context, req JoinRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_join_requests (room_id, user_id, username, fullname, photo_url, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			username = EXCLUDED.username,
			fullname = EXCLUDED.fullname,
			photo_url = EXCLUDED.photo_url,
			requested_at = EXCLUDED.requested_at
	`, req.RoomID, req.UserID, req.Username, req.Fullname, req.PhotoURL, req.RequestedAt)
	if err != nil {
		return fmt.Errorf("save join request: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingRequest(ctx context.Context, roomID, userID string) (JoinRequest, bool, error) {
	req := JoinRequest{RoomID: roomID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT username, fullname, photo_url, requested_at
		FROM room_join_requests
		WHERE room_id = $1 AND user_id = $2
	`, roomID, userID).Scan(&req.Username, &req.Fullname, &req.PhotoURL, &req.RequestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JoinRequest{}, false, nil
	}
	if err != nil {
		return JoinRequest{}, false, fmt.Errorf("lookup join request: %w", err)
	}
	return req, true, nil
}

func (s *PostgresStore) ClearPending(ctx context.Context, roomID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_join_requests WHERE room_id = $1 AND user_id = $2`, roomID, userID); err != nil {
		return fmt.Errorf("clear join request: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkEvicted(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_evictions (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, roomID, userID)
	if err != nil {
		return fmt.Errorf("mark evicted: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearEvicted(ctx context.Context, roomID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_evictions WHERE room_id = $1 AND user_id = $2`, roomID, userID); err != nil {
		return fmt.Errorf("clear evicted: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsEvicted(ctx context.Context, roomID, userID string) (bool, error) {
	var evicted bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM room_evictions WHERE room_id = $1 AND user_id = $2)
	`, roomID, userID).Scan(&evicted)
	if err != nil {
		return false, fmt.Errorf("check evicted: %w", err)
	}
	return evicted, nil
}

func (c RoomContents) Snapshot() crdt.Snapshot {
	return crdt.Snapshot{Head: c.Head, HTML: c.HTML, CSS: c.CSS, JS: c.JS}
}
