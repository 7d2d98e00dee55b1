// Package sync coordinates the local cache, the remote message store
// and the realtime transport into consistent per-room timelines.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/store"
	"chatsync/internal/transport"
)

// RemoteStore is the slice of the remote client the orchestrator uses.
type RemoteStore interface {
	FetchPage(ctx context.Context, roomID string, pageSize int, reset bool) ([]store.Message, bool, error)
	FetchOlder(ctx context.Context, roomID, beforeMsgID string, limit int) ([]store.Message, error)
	FetchAfter(ctx context.Context, roomID, afterMsgID string, limit int) ([]store.Message, error)
	FetchDeletionStates(ctx context.Context, roomID string, ids []string) (map[string]store.DeletionState, error)
	SaveMessage(ctx context.Context, m *store.Message) error
	MarkDeleted(ctx context.Context, roomID, msgID string) error
	GetRoom(ctx context.Context, roomID string) (*store.Room, []string, error)
}

// Transport is the slice of the realtime client the orchestrator uses.
type Transport interface {
	JoinRoom(roomID string) error
	LeaveRoom(roomID string) error
	SendMessage(ctx context.Context, m *store.Message) error
	SendAttachments(ctx context.Context, m *store.Message, assets []transport.PendingAttachment) error
}

// ProfilePool receives sender activity so hot profiles stay subscribed.
type ProfilePool interface {
	Seed(msgs []store.Message)
	Touch(email string, lastSeenAt int64)
	Bind(email string, onChange func(store.SenderProfile)) error
}

// MediaCache is the slice of the disk cache used for cleanup after a
// deletion. May be nil.
type MediaCache interface {
	Remove(key string)
}

// Options configures an Orchestrator.
type Options struct {
	CurrentUser string
	PageSize    int
}

// Orchestrator owns per-room sync state and the ingest loop. All
// timeline reads and writes by collaborators go through it.
type Orchestrator struct {
	db     *store.DB
	remote RemoteStore
	tr     Transport
	pool   ProfilePool
	media  MediaCache
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	cancel context.CancelFunc

	guardMu gosync.Mutex
	guards  map[string]*roomGuard
}

// New creates an orchestrator. media may be nil when no disk cache is
// in use.
func New(db *store.DB, remote RemoteStore, tr Transport, pool ProfilePool, media MediaCache, b *bus.Bus, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Orchestrator{
		db:     db,
		remote: remote,
		tr:     tr,
		pool:   pool,
		media:  media,
		bus:    b,
		logger: logger,
		opts:   opts,
		guards: make(map[string]*roomGuard),
	}
}

// Start subscribes to inbound transport events on the bus.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	ch, unsub := o.bus.Subscribe("transport.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				o.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the ingest loop.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) guard(roomID string) *roomGuard {
	o.guardMu.Lock()
	defer o.guardMu.Unlock()
	g, ok := o.guards[roomID]
	if !ok {
		g = &roomGuard{}
		o.guards[roomID] = g
	}
	return g
}

// readyRooms returns the rooms with a completed initial load.
func (o *Orchestrator) readyRooms() []string {
	o.guardMu.Lock()
	defer o.guardMu.Unlock()
	var rooms []string
	for id, g := range o.guards {
		if g.current() == phaseReady {
			rooms = append(rooms, id)
		}
	}
	return rooms
}

func (o *Orchestrator) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportMessage, bus.KindTransportAttachments:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := o.ingest(ctx, msg); err != nil {
			o.logger.Error("failed to ingest message",
				zap.Error(err),
				zap.String("room_id", msg.RoomID),
				zap.String("msg_id", msg.MsgID))
		}
	case bus.KindTransportParticipant:
		ev, ok := evt.Payload.(*transport.ParticipantEvent)
		if !ok {
			return
		}
		if err := o.applyParticipant(ctx, ev); err != nil {
			o.logger.Error("failed to apply participant change",
				zap.Error(err),
				zap.String("room_id", ev.RoomID),
				zap.String("user_id", ev.UserID))
		}
	case bus.KindTransportConnected:
		// Realtime events may have been missed while disconnected;
		// reconcile deletions for every loaded room.
		for _, roomID := range o.readyRooms() {
			go func(id string) {
				if err := o.Reconcile(ctx, id); err != nil {
					o.logger.Warn("reconcile after reconnect failed",
						zap.Error(err), zap.String("room_id", id))
				}
			}(roomID)
		}
	}
}

// ingest processes one inbound message into the cache (idempotent).
func (o *Orchestrator) ingest(ctx context.Context, msg *store.Message) error {
	if err := o.db.SaveMessages(ctx, []store.Message{*msg}); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	if err := o.db.UpsertRoom(ctx, &store.Room{
		ID:                 msg.RoomID,
		LastMessageAt:      msg.SentAt,
		LastMessagePreview: truncate(msg.Body, 100),
	}); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	if err := o.db.AddParticipant(ctx, msg.RoomID, msg.SenderID); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}

	if msg.SenderName != "" || msg.AvatarPath != "" {
		if err := o.db.UpsertSenderProfile(ctx, &store.SenderProfile{
			Email:      msg.SenderID,
			Nickname:   msg.SenderName,
			AvatarPath: msg.AvatarPath,
		}); err != nil {
			o.logger.Warn("failed to upsert sender profile",
				zap.Error(err), zap.String("sender", msg.SenderID))
		}
	}

	if o.pool != nil {
		o.pool.Touch(msg.SenderID, msg.SentAt)
		o.bindProfile(msg.SenderID)
	}

	o.bus.Publish(bus.Event{
		Kind:      bus.KindTimelineInserted,
		Timestamp: time.Now(),
		Payload:   bus.TimelineChange{RoomID: msg.RoomID, MsgID: msg.MsgID},
	})
	return nil
}

func (o *Orchestrator) applyParticipant(ctx context.Context, ev *transport.ParticipantEvent) error {
	if ev.Joined {
		return o.db.AddParticipant(ctx, ev.RoomID, ev.UserID)
	}
	if err := o.db.RemoveParticipant(ctx, ev.RoomID, ev.UserID); err != nil {
		return err
	}
	if ev.UserID == o.opts.CurrentUser {
		// We were removed: drop the cached room entirely.
		if err := o.db.PurgeRoom(ctx, ev.RoomID); err != nil {
			return fmt.Errorf("purge room: %w", err)
		}
		o.guard(ev.RoomID).reset()
	}
	return nil
}

// LeaveRoom leaves a room on the transport and purges its local cache.
func (o *Orchestrator) LeaveRoom(ctx context.Context, roomID string) error {
	if err := o.tr.LeaveRoom(roomID); err != nil {
		o.logger.Warn("transport leave failed", zap.Error(err), zap.String("room_id", roomID))
	}
	if err := o.db.PurgeRoom(ctx, roomID); err != nil {
		return fmt.Errorf("purge room: %w", err)
	}
	o.guard(roomID).reset()
	return nil
}

// bindProfile opens the live subscription for a tracked sender and
// installs the cache write-through, so renders off the profile shard
// stay current.
func (o *Orchestrator) bindProfile(email string) {
	if err := o.pool.Bind(email, o.writeProfile); err != nil {
		o.logger.Warn("profile bind failed", zap.Error(err), zap.String("email", email))
	}
}

func (o *Orchestrator) writeProfile(p store.SenderProfile) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.db.UpsertSenderProfile(ctx, &p); err != nil {
		o.logger.Warn("profile write-through failed",
			zap.Error(err), zap.String("email", p.Email))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
