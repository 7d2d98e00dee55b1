package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by prefix:
// "timeline." for per-room feed updates, "profile." for sender profile
// changes, "asset." for resolved URLs, "transport." for inbound
// transport events consumed by the orchestrator.
const (
	KindTimelineInserted = "timeline.inserted"
	KindTimelineUpdated  = "timeline.updated"
	KindTimelineDeleted  = "timeline.deleted"

	KindProfileChanged = "profile.changed"

	KindAssetResolved = "asset.resolved"

	KindTransportMessage      = "transport.message"
	KindTransportAttachments  = "transport.attachments"
	KindTransportParticipant  = "transport.participant"
	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"
)

// TimelineChange is the payload for timeline.* events.
type TimelineChange struct {
	RoomID string
	MsgID  string
}

// ProfileChange is the payload for profile.changed events.
type ProfileChange struct {
	Email      string
	Nickname   string
	AvatarPath string
}

// AssetResolved is the payload for asset.resolved events.
type AssetResolved struct {
	Path string
	URL  string
}
