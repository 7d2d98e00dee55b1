package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/store"
	"chatsync/internal/transport"
)

// Send inserts an outgoing message optimistically and emits it on the
// transport. The returned message is already visible in the timeline;
// a non-nil error means the send failed and the message is marked
// Failed locally, available for RetrySend.
func (o *Orchestrator) Send(ctx context.Context, roomID, text string, atts []transport.PendingAttachment) (*store.Message, error) {
	msg := &store.Message{
		RoomID:   roomID,
		MsgID:    uuid.NewString(),
		SenderID: o.opts.CurrentUser,
		Body:     text,
		SentAt:   time.Now().UnixMilli(),
	}
	for _, a := range atts {
		msg.Attachments = append(msg.Attachments, store.Attachment{
			Kind:         a.Kind,
			Idx:          a.Idx,
			ThumbPath:    a.ThumbPath,
			OriginalPath: a.OriginalPath,
		})
	}

	if err := o.db.SaveMessages(ctx, []store.Message{*msg}); err != nil {
		return nil, fmt.Errorf("insert outgoing message: %w", err)
	}
	o.publishTimeline(bus.KindTimelineInserted, roomID, msg.MsgID)

	var sendErr error
	if len(atts) > 0 {
		sendErr = o.tr.SendAttachments(ctx, msg, atts)
	} else {
		sendErr = o.tr.SendMessage(ctx, msg)
	}
	if sendErr != nil {
		o.logger.Error("send failed",
			zap.Error(sendErr),
			zap.String("room_id", roomID),
			zap.String("msg_id", msg.MsgID))
		if err := o.db.MarkFailed(ctx, roomID, msg.MsgID, true); err != nil {
			o.logger.Warn("failed to mark message failed", zap.Error(err))
		}
		o.publishTimeline(bus.KindTimelineUpdated, roomID, msg.MsgID)
		return msg, sendErr
	}

	o.persistRemoteAsync(roomID, msg)
	return msg, nil
}

// RetrySend re-emits a previously failed message.
func (o *Orchestrator) RetrySend(ctx context.Context, roomID, msgID string) error {
	msg, err := o.db.GetMessage(ctx, roomID, msgID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not found in room %s", msgID, roomID)
	}
	if !msg.Failed {
		return nil
	}

	if err := o.tr.SendMessage(ctx, msg); err != nil {
		return err
	}
	if err := o.db.MarkFailed(ctx, roomID, msgID, false); err != nil {
		o.logger.Warn("failed to clear failed flag", zap.Error(err))
	}
	o.publishTimeline(bus.KindTimelineUpdated, roomID, msgID)
	o.persistRemoteAsync(roomID, msg)
	return nil
}

// Delete tombstones a message locally and asynchronously propagates
// the deletion to the remote store. Reply previews referencing the
// message pick up the deleted-content mark in the same write.
func (o *Orchestrator) Delete(ctx context.Context, roomID, msgID string) error {
	msg, err := o.db.GetMessage(ctx, roomID, msgID)
	if err != nil {
		return err
	}

	if _, err := o.db.UpdateDeletionFlags(ctx, roomID, []string{msgID}); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	o.publishTimeline(bus.KindTimelineDeleted, roomID, msgID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := o.remote.MarkDeleted(ctx, roomID, msgID); err != nil {
			o.logger.Warn("remote deletion failed",
				zap.Error(err),
				zap.String("room_id", roomID),
				zap.String("msg_id", msgID))
		}
		if o.media != nil && msg != nil {
			for _, a := range msg.Attachments {
				if a.ThumbPath != "" {
					o.media.Remove(a.ThumbPath)
				}
				if a.OriginalPath != "" {
					o.media.Remove(a.OriginalPath)
				}
			}
		}
	}()
	return nil
}

// persistRemoteAsync writes a sent message to the remote store,
// best-effort. The realtime path already delivered it to peers.
func (o *Orchestrator) persistRemoteAsync(roomID string, msg *store.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := o.remote.SaveMessage(ctx, msg); err != nil {
			o.logger.Warn("remote persist failed",
				zap.Error(err),
				zap.String("room_id", roomID),
				zap.String("msg_id", msg.MsgID))
		}
	}()
}

func (o *Orchestrator) publishTimeline(kind, roomID, msgID string) {
	o.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   bus.TimelineChange{RoomID: roomID, MsgID: msgID},
	})
}
