package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatsync/internal/store"
)

// LoadRoom opens a room timeline. Participants get a merged
// local+remote window persisted to the cache and seeded into the hot
// pool; non-participants get a remote-only preview with no cache
// writes.
func (o *Orchestrator) LoadRoom(ctx context.Context, roomID string) ([]store.Message, error) {
	g := o.guard(roomID)
	gen, prev, err := g.enter(phaseLoadingInitial, nil)
	if err != nil {
		return nil, err
	}

	msgs, participant, err := o.loadInitial(ctx, roomID)
	if err != nil {
		g.exit(gen, prev)
		return nil, err
	}
	if participant {
		g.exit(gen, phaseReady)
	} else {
		// Previews leave no per-room state behind.
		g.exit(gen, phaseIdle)
	}
	return msgs, nil
}

func (o *Orchestrator) loadInitial(ctx context.Context, roomID string) ([]store.Message, bool, error) {
	room, participants, err := o.remote.GetRoom(ctx, roomID)
	if err != nil {
		// Offline fallback: serve the cache if we are a known member.
		local, lerr := o.localFallback(ctx, roomID)
		if lerr != nil {
			return nil, false, fmt.Errorf("get room: %w", err)
		}
		o.logger.Warn("remote unavailable, serving cached timeline",
			zap.Error(err), zap.String("room_id", roomID))
		return local, true, nil
	}

	isMember := false
	for _, p := range participants {
		if p == o.opts.CurrentUser {
			isMember = true
			break
		}
	}

	if !isMember {
		page, _, err := o.remote.FetchPage(ctx, roomID, o.opts.PageSize, true)
		if err != nil {
			return nil, false, fmt.Errorf("fetch preview: %w", err)
		}
		return page, false, nil
	}

	var (
		local   []store.Message
		remote  []store.Message
		hasMore bool
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		local, err = o.db.FetchRecent(gctx, roomID, o.opts.PageSize)
		return err
	})
	eg.Go(func() error {
		var err error
		remote, hasMore, err = o.remote.FetchPage(gctx, roomID, o.opts.PageSize, true)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if err := o.db.UpsertRoom(ctx, room); err != nil {
		return nil, false, fmt.Errorf("upsert room: %w", err)
	}
	for _, p := range participants {
		if err := o.db.AddParticipant(ctx, roomID, p); err != nil {
			return nil, false, fmt.Errorf("add participant: %w", err)
		}
	}

	merged := local
	if len(remote) > 0 {
		if err := o.db.SaveMessages(ctx, remote); err != nil {
			return nil, false, fmt.Errorf("persist remote page: %w", err)
		}
		merged, err = o.db.FetchRecent(ctx, roomID, o.opts.PageSize)
		if err != nil {
			return nil, false, fmt.Errorf("read merged window: %w", err)
		}
	}

	if err := o.tr.JoinRoom(roomID); err != nil {
		o.logger.Warn("transport join failed", zap.Error(err), zap.String("room_id", roomID))
	}
	if hasMore && len(local) == 0 {
		// Fresh cache for a room with deeper remote history: warm one
		// continuation page in the background so the first scrollback
		// is served locally.
		go o.backfill(roomID)
	}
	if o.pool != nil {
		o.pool.Seed(merged)
		seen := make(map[string]struct{}, len(merged))
		for _, m := range merged {
			if m.SenderID == "" {
				continue
			}
			if _, ok := seen[m.SenderID]; ok {
				continue
			}
			seen[m.SenderID] = struct{}{}
			o.bindProfile(m.SenderID)
		}
	}
	return merged, true, nil
}

// backfill continues a reset page query via the room's retained cursor
// and persists the next slice of history. Best-effort.
func (o *Orchestrator) backfill(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, _, err := o.remote.FetchPage(ctx, roomID, o.opts.PageSize, false)
	if err != nil {
		o.logger.Warn("history backfill failed", zap.Error(err), zap.String("room_id", roomID))
		return
	}
	if len(page) == 0 {
		return
	}
	if err := o.db.SaveMessages(ctx, page); err != nil {
		o.logger.Warn("history backfill persist failed", zap.Error(err), zap.String("room_id", roomID))
	}
}

func (o *Orchestrator) localFallback(ctx context.Context, roomID string) ([]store.Message, error) {
	ok, err := o.db.IsParticipant(ctx, roomID, o.opts.CurrentUser)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("room %s not cached", roomID)
	}
	return o.db.FetchRecent(ctx, roomID, o.opts.PageSize)
}

// LoadOlder extends the timeline backwards from beforeMsgID. The cache
// is consulted first; the remote store fills any shortfall and the
// fetched remainder is persisted. A newer pagination supersedes one
// still in flight.
func (o *Orchestrator) LoadOlder(ctx context.Context, roomID, beforeMsgID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = o.opts.PageSize
	}
	g := o.guard(roomID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gen, _, err := g.enter(phaseLoadingOlder, cancel)
	if err != nil {
		return nil, err
	}
	// Pagination only enters from ready (or supersedes pagination that
	// did), so ready is always the phase to restore.
	defer g.exit(gen, phaseReady)

	local, err := o.db.FetchOlder(ctx, roomID, beforeMsgID, limit)
	if err != nil {
		return nil, err
	}
	if len(local) >= limit {
		return local, nil
	}

	boundary := beforeMsgID
	if len(local) > 0 {
		boundary = local[0].MsgID
	}
	older, err := o.remote.FetchOlder(ctx, roomID, boundary, limit-len(local))
	if err != nil {
		if len(local) > 0 {
			o.logger.Warn("remote older fetch failed, serving cache only",
				zap.Error(err), zap.String("room_id", roomID))
			return local, nil
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(older) > 0 {
		if err := o.db.SaveMessages(ctx, older); err != nil {
			return nil, fmt.Errorf("persist older page: %w", err)
		}
	}
	return dedupe(append(older, local...)), nil
}

// LoadNewer extends the timeline forward from afterMsgID, remote-only.
func (o *Orchestrator) LoadNewer(ctx context.Context, roomID, afterMsgID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = o.opts.PageSize
	}
	g := o.guard(roomID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gen, _, err := g.enter(phaseLoadingNewer, cancel)
	if err != nil {
		return nil, err
	}
	defer g.exit(gen, phaseReady)

	newer, err := o.remote.FetchAfter(ctx, roomID, afterMsgID, limit)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(newer) > 0 {
		if err := o.db.SaveMessages(ctx, newer); err != nil {
			return nil, fmt.Errorf("persist newer page: %w", err)
		}
	}
	return newer, nil
}

// dedupe drops repeated message IDs, keeping first occurrences and
// preserving order.
func dedupe(msgs []store.Message) []store.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.MsgID]; ok {
			continue
		}
		seen[m.MsgID] = struct{}{}
		out = append(out, m)
	}
	return out
}
