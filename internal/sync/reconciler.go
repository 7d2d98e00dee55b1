package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/bus"
)

// reconcileWindow bounds how many of the newest cached messages are
// checked against the remote store per reconcile pass.
const reconcileWindow = 200

// Reconcile compares cached deletion flags for a room against the
// remote store and flips the ones the cache missed. Local deletions
// are never reverted. A missing remote document counts as deleted only
// for messages from other senders: those arrived through the remote
// store, so absence means removal. A self-originated message may be
// missing simply because its best-effort remote persist has not landed
// (or it was sent while offline), and tombstoning it would destroy the
// user's own timeline — deletion is monotonic, there is no way back.
// Failed sends never reached the remote store and are not checked at
// all; they stay visible with their failed mark until retried.
func (o *Orchestrator) Reconcile(ctx context.Context, roomID string) error {
	g := o.guard(roomID)
	gen, _, err := g.enter(phaseReconciling, nil)
	if err != nil {
		return err
	}
	defer g.exit(gen, phaseReady)

	ids, selfSent, err := o.db.ReconcileIDs(ctx, roomID, o.opts.CurrentUser, reconcileWindow)
	if err != nil {
		return fmt.Errorf("list message ids: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	states, err := o.remote.FetchDeletionStates(ctx, roomID, ids)
	if err != nil {
		return fmt.Errorf("fetch deletion states: %w", err)
	}

	var deleted []string
	for _, id := range ids {
		st := states[id]
		if !st.Deleted {
			continue
		}
		if st.Missing && selfSent[id] {
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		n, err := o.db.UpdateDeletionFlags(ctx, roomID, deleted)
		if err != nil {
			return fmt.Errorf("update deletion flags: %w", err)
		}
		if n > 0 {
			o.logger.Info("reconciled deletions",
				zap.String("room_id", roomID), zap.Int("flipped", n))
			for _, id := range deleted {
				o.bus.Publish(bus.Event{
					Kind:      bus.KindTimelineDeleted,
					Timestamp: time.Now(),
					Payload:   bus.TimelineChange{RoomID: roomID, MsgID: id},
				})
			}
		}
	}

	if err := o.db.SetSyncState(ctx, "reconcile."+roomID,
		strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		o.logger.Warn("failed to record reconcile checkpoint",
			zap.Error(err), zap.String("room_id", roomID))
	}
	return nil
}

// ReconcileAll runs a reconcile pass over every loaded room. Rooms
// busy with another operation are skipped, not queued.
func (o *Orchestrator) ReconcileAll(ctx context.Context) {
	for _, roomID := range o.readyRooms() {
		if err := o.Reconcile(ctx, roomID); err != nil && err != ErrBusy {
			o.logger.Warn("reconcile failed",
				zap.Error(err), zap.String("room_id", roomID))
		}
	}
}
