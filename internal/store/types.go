package store

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentVideo = "video"
)

// Attachment is a media reference carried by a message. Paths are
// storage paths, not URLs; resolution happens in the asset layer.
type Attachment struct {
	Kind         string `json:"kind"`
	Idx          int    `json:"idx"`
	ThumbPath    string `json:"thumb_path"`
	OriginalPath string `json:"original_path"`
}

// ReplyPreview is a denormalized snapshot of a referenced message.
// Deleted marks the referenced content as deleted; the referencing
// message itself stays.
type ReplyPreview struct {
	MsgID      string `json:"msg_id"`
	SenderName string `json:"sender_name"`
	Excerpt    string `json:"excerpt"`
	Deleted    bool   `json:"deleted"`
}

// Message is a synced message. The (RoomID, MsgID) pair is the merge
// key between the local and remote copies; (SentAt, MsgID) is the
// ordering key everywhere.
type Message struct {
	RoomID       string
	MsgID        string
	SenderID     string
	SenderName   string
	AvatarPath   string
	Body         string
	SentAt       int64 // unix millis
	Attachments  []Attachment
	ReplyPreview *ReplyPreview
	Deleted      bool
	Failed       bool
}

// Room represents a synced room.
type Room struct {
	ID                 string
	Name               string
	CreatorID          string
	LastMessageAt      int64
	LastMessagePreview string
}

// SenderProfile is the denormalized profile shard for a sender, kept
// so nickname/avatar render without a live subscription.
type SenderProfile struct {
	Email      string
	Nickname   string
	AvatarPath string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// DeletionState is the authoritative view of one message during a
// reconciliation pass. Missing distinguishes "document removed" from
// "document present with deleted=true": absence only implies deletion
// for messages that are known to have reached the remote store.
type DeletionState struct {
	Deleted bool
	Missing bool
}
