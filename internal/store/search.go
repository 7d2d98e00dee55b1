package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Search performs a full-text search on message bodies, best match
// first, with a highlighted snippet per hit.
func (db *DB) Search(ctx context.Context, query string, roomID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + prefixedColumns("m") + `,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if roomID != "" {
		q += " AND m.room_id = ?"
		args = append(args, roomID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var attachments, preview sql.NullString
		var replyTo string
		m := &r.Message
		if err := rows.Scan(
			&m.RoomID, &m.MsgID, &m.SenderID, &m.SenderName, &m.AvatarPath,
			&m.Body, &m.SentAt, &attachments, &replyTo, &preview,
			&m.Deleted, &m.Failed, &r.Snippet,
		); err != nil {
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
		results = append(results, r)
	}
	return results, rows.Err()
}
