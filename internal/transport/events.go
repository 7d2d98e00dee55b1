package transport

import (
	"encoding/json"
	"fmt"

	"chatsync/internal/store"
)

// Frame event names. The inbound set is closed: anything else is a
// decode error, not an untyped map passed along.
const (
	eventJoin        = "join"
	eventLeave       = "leave"
	eventMessage     = "message"
	eventAttachments = "attachments"
	eventParticipant = "participant"
	eventError       = "error"
	eventAck         = "ack"
)

// frame is the wire envelope for both directions.
type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
}

// wireMessage is the message payload shape on the wire.
type wireMessage struct {
	MsgID        string           `json:"msgId"`
	RoomID       string           `json:"roomId"`
	SenderID     string           `json:"senderId"`
	SenderName   string           `json:"senderName,omitempty"`
	AvatarPath   string           `json:"avatarPath,omitempty"`
	Body         string           `json:"body,omitempty"`
	SentAt       int64            `json:"sentAt"`
	Attachments  []wireAttachment `json:"attachments,omitempty"`
	ReplyPreview *wirePreview     `json:"replyPreview,omitempty"`
}

type wireAttachment struct {
	Kind         string `json:"kind"`
	Idx          int    `json:"idx"`
	ThumbPath    string `json:"thumbPath"`
	OriginalPath string `json:"originalPath"`
}

type wirePreview struct {
	MsgID      string `json:"msgId"`
	SenderName string `json:"senderName,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// MessageEvent is an inbound new-message push.
type MessageEvent struct {
	Message store.Message
}

// AttachmentsEvent is an inbound attachment notification: compact
// paths and metadata, never raw bytes.
type AttachmentsEvent struct {
	Message store.Message
}

// ParticipantEvent signals a membership change in a room.
type ParticipantEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Joined bool   `json:"joined"`
}

// ErrorEvent is a server-reported error scoped to the connection.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeError reports an inbound frame that does not fit the closed
// event set.
type DecodeError struct {
	Event  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: cannot decode %q frame: %s", e.Event, e.Reason)
}

// decodeEvent turns an inbound data frame into one of the tagged event
// types. Ack frames are routed separately and never reach here.
func decodeEvent(f *frame) (any, error) {
	switch f.Event {
	case eventMessage:
		var wm wireMessage
		if err := json.Unmarshal(f.Data, &wm); err != nil {
			return nil, &DecodeError{Event: f.Event, Reason: err.Error()}
		}
		if wm.MsgID == "" || wm.RoomID == "" {
			return nil, &DecodeError{Event: f.Event, Reason: "missing msgId or roomId"}
		}
		return &MessageEvent{Message: wm.toStore()}, nil
	case eventAttachments:
		var wm wireMessage
		if err := json.Unmarshal(f.Data, &wm); err != nil {
			return nil, &DecodeError{Event: f.Event, Reason: err.Error()}
		}
		if wm.MsgID == "" || wm.RoomID == "" || len(wm.Attachments) == 0 {
			return nil, &DecodeError{Event: f.Event, Reason: "missing msgId, roomId or attachments"}
		}
		return &AttachmentsEvent{Message: wm.toStore()}, nil
	case eventParticipant:
		var ev ParticipantEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, &DecodeError{Event: f.Event, Reason: err.Error()}
		}
		if ev.RoomID == "" || ev.UserID == "" {
			return nil, &DecodeError{Event: f.Event, Reason: "missing roomId or userId"}
		}
		return &ev, nil
	case eventError:
		var ev ErrorEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, &DecodeError{Event: f.Event, Reason: err.Error()}
		}
		return &ev, nil
	default:
		return nil, &DecodeError{Event: f.Event, Reason: "unknown event"}
	}
}

func marshalData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode frame data: %w", err)
	}
	return data, nil
}

func (wm *wireMessage) toStore() store.Message {
	m := store.Message{
		RoomID:     wm.RoomID,
		MsgID:      wm.MsgID,
		SenderID:   wm.SenderID,
		SenderName: wm.SenderName,
		AvatarPath: wm.AvatarPath,
		Body:       wm.Body,
		SentAt:     wm.SentAt,
	}
	for _, a := range wm.Attachments {
		m.Attachments = append(m.Attachments, store.Attachment(a))
	}
	if wm.ReplyPreview != nil {
		m.ReplyPreview = &store.ReplyPreview{
			MsgID:      wm.ReplyPreview.MsgID,
			SenderName: wm.ReplyPreview.SenderName,
			Excerpt:    wm.ReplyPreview.Excerpt,
			Deleted:    wm.ReplyPreview.Deleted,
		}
	}
	return m
}

func toWire(m *store.Message) wireMessage {
	wm := wireMessage{
		MsgID:      m.MsgID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		AvatarPath: m.AvatarPath,
		Body:       m.Body,
		SentAt:     m.SentAt,
	}
	for _, a := range m.Attachments {
		wm.Attachments = append(wm.Attachments, wireAttachment(a))
	}
	if m.ReplyPreview != nil {
		wm.ReplyPreview = &wirePreview{
			MsgID:      m.ReplyPreview.MsgID,
			SenderName: m.ReplyPreview.SenderName,
			Excerpt:    m.ReplyPreview.Excerpt,
			Deleted:    m.ReplyPreview.Deleted,
		}
	}
	return wm
}
