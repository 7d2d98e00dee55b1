package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// messageColumns is the scan order used by all message read paths.
const messageColumns = `room_id, msg_id, sender_id, sender_name, avatar_path, body, sent_at, attachments, reply_to, reply_preview, deleted, failed`

// SaveMessages upserts a batch of messages in one transaction,
// idempotent on (room_id, msg_id). Safe to call with overlapping
// batches from different sources: the deletion flag only ORs in, and a
// reply preview already marked deleted is never reverted.
func (db *DB) SaveMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.withWriteRetry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UnixMilli()
		for i := range msgs {
			m := &msgs[i]
			attachments, err := encodeAttachments(m.Attachments)
			if err != nil {
				return fmt.Errorf("encode attachments %q: %w", m.MsgID, err)
			}
			preview, replyTo, err := encodePreview(m.ReplyPreview)
			if err != nil {
				return fmt.Errorf("encode reply preview %q: %w", m.MsgID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (room_id, msg_id, sender_id, sender_name, avatar_path, body, sent_at, attachments, reply_to, reply_preview, deleted, failed, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(room_id, msg_id) DO UPDATE SET
					sender_name = excluded.sender_name,
					avatar_path = excluded.avatar_path,
					body = excluded.body,
					sent_at = excluded.sent_at,
					attachments = excluded.attachments,
					reply_preview = CASE
						WHEN messages.reply_preview IS NOT NULL
							AND json_extract(messages.reply_preview, '$.deleted')
						THEN messages.reply_preview
						ELSE excluded.reply_preview
					END,
					deleted = MAX(messages.deleted, excluded.deleted),
					failed = excluded.failed`,
				m.RoomID, m.MsgID, m.SenderID, m.SenderName, m.AvatarPath, m.Body,
				m.SentAt, attachments, replyTo, preview, m.Deleted, m.Failed, now); err != nil {
				return fmt.Errorf("upsert message %q: %w", m.MsgID, err)
			}
		}
		return tx.Commit()
	})
}

// FetchRecent returns the most recent messages for a room in ascending
// (sent_at, msg_id) order.
func (db *DB) FetchRecent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ?
		ORDER BY sent_at DESC, msg_id DESC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// FetchOlder returns up to limit messages strictly older than
// beforeMsgID, ascending. An unknown boundary yields an empty result.
func (db *DB) FetchOlder(ctx context.Context, roomID, beforeMsgID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var sentAt int64
	err := db.QueryRowContext(ctx,
		`SELECT sent_at FROM messages WHERE room_id = ? AND msg_id = ?`,
		roomID, beforeMsgID).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ? AND (sent_at < ? OR (sent_at = ? AND msg_id < ?))
		ORDER BY sent_at DESC, msg_id DESC
		LIMIT ?`, roomID, sentAt, sentAt, beforeMsgID, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// FetchMessages returns a room's messages ascending. A non-empty
// keyword restricts the result to full-text matches on the body.
func (db *DB) FetchMessages(ctx context.Context, roomID, keyword string) ([]Message, error) {
	if keyword == "" {
		rows, err := db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE room_id = ?
			ORDER BY sent_at ASC, msg_id ASC`, roomID)
		if err != nil {
			return nil, err
		}
		return collectMessages(rows)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+prefixedColumns("m")+`
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ? AND m.room_id = ?
		ORDER BY m.sent_at ASC, m.msg_id ASC`, keyword, roomID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// GetMessage returns a single message, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, roomID, msgID string) (*Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ? AND msg_id = ?`, roomID, msgID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ReconcileIDs returns up to limit message IDs to check against the
// remote store, newest first, with whether each originated from
// selfID. Failed sends never reached the remote store and messages
// already tombstoned have nothing left to flip, so both are excluded.
func (db *DB) ReconcileIDs(ctx context.Context, roomID, selfID string, limit int) ([]string, map[string]bool, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.QueryContext(ctx, `
		SELECT msg_id, sender_id FROM messages
		WHERE room_id = ? AND failed = 0 AND deleted = 0
		ORDER BY sent_at DESC, msg_id DESC
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	selfSent := make(map[string]bool)
	for rows.Next() {
		var id, sender string
		if err := rows.Scan(&id, &sender); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		if sender == selfID {
			selfSent[id] = true
		}
	}
	return ids, selfSent, rows.Err()
}

// UpdateDeletionFlags flips the given messages to deleted (one
// directional, never back) and marks any reply preview referencing
// them as pointing at deleted content. Returns the number of messages
// newly flipped.
func (db *DB) UpdateDeletionFlags(ctx context.Context, roomID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	flipped := 0
	err := db.withWriteRetry(func() error {
		flipped = 0
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		args := make([]any, 0, len(ids)+1)
		args = append(args, roomID)
		for _, id := range ids {
			args = append(args, id)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET deleted = 1
			WHERE room_id = ? AND msg_id IN (`+placeholders(len(ids))+`) AND deleted = 0`,
			args...)
		if err != nil {
			return fmt.Errorf("flip deleted: %w", err)
		}
		n, _ := res.RowsAffected()
		flipped = int(n)

		// Propagate to reply previews referencing the deleted messages.
		rows, err := tx.QueryContext(ctx, `
			SELECT msg_id, reply_preview FROM messages
			WHERE room_id = ? AND reply_to IN (`+placeholders(len(ids))+`) AND reply_preview IS NOT NULL`,
			args...)
		if err != nil {
			return fmt.Errorf("load reply previews: %w", err)
		}
		type previewUpdate struct {
			msgID string
			data  []byte
		}
		var updates []previewUpdate
		for rows.Next() {
			var msgID string
			var raw []byte
			if err := rows.Scan(&msgID, &raw); err != nil {
				_ = rows.Close()
				return err
			}
			var p ReplyPreview
			if err := json.Unmarshal(raw, &p); err != nil {
				_ = rows.Close()
				return fmt.Errorf("decode reply preview of %q: %w", msgID, err)
			}
			if p.Deleted {
				continue
			}
			p.Deleted = true
			data, err := json.Marshal(&p)
			if err != nil {
				_ = rows.Close()
				return err
			}
			updates = append(updates, previewUpdate{msgID: msgID, data: data})
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET reply_preview = ? WHERE room_id = ? AND msg_id = ?`,
				u.data, roomID, u.msgID); err != nil {
				return fmt.Errorf("update reply preview of %q: %w", u.msgID, err)
			}
		}
		return tx.Commit()
	})
	return flipped, err
}

// MarkFailed sets or clears the transient failed flag on a message.
func (db *DB) MarkFailed(ctx context.Context, roomID, msgID string, failed bool) error {
	return db.withWriteRetry(func() error {
		_, err := db.ExecContext(ctx,
			`UPDATE messages SET failed = ? WHERE room_id = ? AND msg_id = ?`,
			failed, roomID, msgID)
		return err
	})
}

// PurgeRoom physically removes a room and everything attached to it.
// The only physical delete in the cache; used when leaving a room.
func (db *DB) PurgeRoom(ctx context.Context, roomID string) error {
	return db.withWriteRetry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, q := range []string{
			`DELETE FROM messages WHERE room_id = ?`,
			`DELETE FROM room_participants WHERE room_id = ?`,
			`DELETE FROM rooms WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, roomID); err != nil {
				return fmt.Errorf("purge room: %w", err)
			}
		}
		return tx.Commit()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var attachments, preview sql.NullString
	var replyTo string
	if err := row.Scan(&m.RoomID, &m.MsgID, &m.SenderID, &m.SenderName, &m.AvatarPath,
		&m.Body, &m.SentAt, &attachments, &replyTo, &preview, &m.Deleted, &m.Failed); err != nil {
		return nil, err
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %q: %w", m.MsgID, err)
		}
	}
	if preview.Valid && preview.String != "" {
		var p ReplyPreview
		if err := json.Unmarshal([]byte(preview.String), &p); err != nil {
			return nil, fmt.Errorf("decode reply preview of %q: %w", m.MsgID, err)
		}
		m.ReplyPreview = &p
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func encodeAttachments(atts []Attachment) (any, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func encodePreview(p *ReplyPreview) (preview any, replyTo string, err error) {
	if p == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	return string(data), p.MsgID, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func prefixedColumns(alias string) string {
	cols := strings.Split(messageColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
