package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertRoom inserts or updates a room record. LastMessageAt only
// moves forward so overlapping ingestion batches cannot roll the
// preview back to an older message.
func (db *DB) UpsertRoom(ctx context.Context, r *Room) error {
	return db.withWriteRetry(func() error {
		now := time.Now().UnixMilli()
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (id, name, creator_id, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END,
				creator_id = CASE WHEN excluded.creator_id != '' THEN excluded.creator_id ELSE rooms.creator_id END,
				last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at > rooms.last_message_at THEN excluded.last_message_preview ELSE rooms.last_message_preview END,
				updated_at = excluded.updated_at`,
			r.ID, r.Name, r.CreatorID, r.LastMessageAt, r.LastMessagePreview, now)
		return err
	})
}

// GetRoom returns a single room by ID, or nil if absent.
func (db *DB) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := db.QueryRowContext(ctx, `
		SELECT id, name, creator_id, last_message_at, last_message_preview
		FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.CreatorID, &r.LastMessageAt, &r.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRooms returns rooms sorted by last message timestamp descending.
func (db *DB) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, creator_id, last_message_at, last_message_preview
		FROM rooms
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatorID, &r.LastMessageAt, &r.LastMessagePreview); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// AddParticipant records room membership (idempotent).
func (db *DB) AddParticipant(ctx context.Context, roomID, userID string) error {
	return db.withWriteRetry(func() error {
		now := time.Now().UnixMilli()
		_, err := db.ExecContext(ctx, `
			INSERT INTO room_participants (room_id, user_id, added_at)
			VALUES (?, ?, ?)
			ON CONFLICT(room_id, user_id) DO NOTHING`,
			roomID, userID, now)
		return err
	})
}

// RemoveParticipant drops a membership row.
func (db *DB) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return db.withWriteRetry(func() error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM room_participants WHERE room_id = ? AND user_id = ?`,
			roomID, userID)
		return err
	})
}

// Participants returns the user IDs belonging to a room.
func (db *DB) Participants(ctx context.Context, roomID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY user_id`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// IsParticipant reports whether userID belongs to the room.
func (db *DB) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM room_participants WHERE room_id = ? AND user_id = ?`,
		roomID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
