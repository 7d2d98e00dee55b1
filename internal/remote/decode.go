package remote

import (
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"chatsync/internal/store"
)

// DecodeError reports a remote document that is missing a required
// field or carries the wrong type. Decoding fails loudly instead of
// silently zeroing fields.
type DecodeError struct {
	Path  string
	Field string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("remote: document %s: missing or invalid field %q", e.Path, e.Field)
}

// docToMessage maps a message document into the domain type. The
// required fields are senderID and sentAt; everything else defaults.
func docToMessage(doc *firestore.DocumentSnapshot, roomID string) (store.Message, error) {
	data := doc.Data()

	senderID, ok := strField(data, "senderID")
	if !ok {
		return store.Message{}, &DecodeError{Path: doc.Ref.Path, Field: "senderID"}
	}
	sentAt, ok := data["sentAt"].(time.Time)
	if !ok {
		return store.Message{}, &DecodeError{Path: doc.Ref.Path, Field: "sentAt"}
	}

	m := store.Message{
		RoomID:   roomID,
		MsgID:    doc.Ref.ID,
		SenderID: senderID,
		SentAt:   sentAt.UnixMilli(),
	}
	m.SenderName, _ = strField(data, "senderName")
	m.AvatarPath, _ = strField(data, "avatarPath")
	m.Body, _ = strField(data, "body")
	m.Deleted, _ = data["deleted"].(bool)

	if raw, present := data["attachments"]; present {
		atts, err := decodeAttachments(doc.Ref.Path, raw)
		if err != nil {
			return store.Message{}, err
		}
		m.Attachments = atts
	}
	if raw, present := data["replyPreview"]; present && raw != nil {
		preview, err := decodePreview(doc.Ref.Path, raw)
		if err != nil {
			return store.Message{}, err
		}
		m.ReplyPreview = preview
	}
	return m, nil
}

func decodeAttachments(path string, raw any) ([]store.Attachment, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, &DecodeError{Path: path, Field: "attachments"}
	}
	atts := make([]store.Attachment, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, &DecodeError{Path: path, Field: "attachments"}
		}
		kind, ok := strField(fields, "kind")
		if !ok || (kind != store.AttachmentImage && kind != store.AttachmentVideo) {
			return nil, &DecodeError{Path: path, Field: "attachments.kind"}
		}
		idx, ok := intField(fields, "idx")
		if !ok {
			return nil, &DecodeError{Path: path, Field: "attachments.idx"}
		}
		a := store.Attachment{Kind: kind, Idx: idx}
		a.ThumbPath, _ = strField(fields, "thumbPath")
		a.OriginalPath, _ = strField(fields, "originalPath")
		atts = append(atts, a)
	}
	return atts, nil
}

func decodePreview(path string, raw any) (*store.ReplyPreview, error) {
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, &DecodeError{Path: path, Field: "replyPreview"}
	}
	msgID, ok := strField(fields, "msgID")
	if !ok {
		return nil, &DecodeError{Path: path, Field: "replyPreview.msgID"}
	}
	p := &store.ReplyPreview{MsgID: msgID}
	p.SenderName, _ = strField(fields, "senderName")
	p.Excerpt, _ = strField(fields, "excerpt")
	p.Deleted, _ = fields["deleted"].(bool)
	return p, nil
}

// messageToDoc is the write-side mapping, mirroring docToMessage.
func messageToDoc(m *store.Message) map[string]any {
	doc := map[string]any{
		"senderID":   m.SenderID,
		"senderName": m.SenderName,
		"avatarPath": m.AvatarPath,
		"body":       m.Body,
		"sentAt":     time.UnixMilli(m.SentAt),
		"deleted":    m.Deleted,
	}
	if len(m.Attachments) > 0 {
		atts := make([]any, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			atts = append(atts, map[string]any{
				"kind":         a.Kind,
				"idx":          a.Idx,
				"thumbPath":    a.ThumbPath,
				"originalPath": a.OriginalPath,
			})
		}
		doc["attachments"] = atts
	}
	if m.ReplyPreview != nil {
		doc["replyPreview"] = map[string]any{
			"msgID":      m.ReplyPreview.MsgID,
			"senderName": m.ReplyPreview.SenderName,
			"excerpt":    m.ReplyPreview.Excerpt,
			"deleted":    m.ReplyPreview.Deleted,
		}
	}
	return doc
}

func strField(data map[string]any, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok
}

func intField(data map[string]any, key string) (int, bool) {
	// Firestore integers come back as int64.
	switch v := data[key].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
