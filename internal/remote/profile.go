package remote

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"chatsync/internal/store"
)

// WatchProfile opens a snapshot listener on a sender's profile
// document and invokes onChange for every update. The returned stop
// function tears the listener down; it is what the hot pool calls on
// eviction.
func (c *Client) WatchProfile(email string, onChange func(store.SenderProfile)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	snaps := c.fs.Collection("profiles").Doc(email).Snapshots(ctx)

	go func() {
		defer snaps.Stop()
		for {
			snap, err := snaps.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				if ctx.Err() == nil && c.logger != nil {
					c.logger.Warn("profile watch ended", zap.String("email", email), zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			data := snap.Data()
			p := store.SenderProfile{Email: email}
			p.Nickname, _ = strField(data, "nickname")
			p.AvatarPath, _ = strField(data, "avatarPath")
			onChange(p)
		}
	}()

	return cancel, nil
}
