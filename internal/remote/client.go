package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatsync/internal/store"
)

// deletionLookupConcurrency bounds parallel point reads during a
// deletion reconciliation pass.
const deletionLookupConcurrency = 8

// Client is the authoritative message store client. Message history
// lives in rooms/{roomID}/messages, ordered by server timestamp.
// Pagination cursors are retained document snapshots, opaque to
// callers and keyed per room.
type Client struct {
	fs     *firestore.Client
	logger *zap.Logger

	mu      sync.Mutex
	cursors map[string]*firestore.DocumentSnapshot
}

// New creates a remote store client for the given project.
func New(ctx context.Context, projectID string, logger *zap.Logger, opts ...option.ClientOption) (*Client, error) {
	fs, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Client{
		fs:      fs,
		logger:  logger,
		cursors: make(map[string]*firestore.DocumentSnapshot),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.fs.Close()
}

func (c *Client) messages(roomID string) *firestore.CollectionRef {
	return c.fs.Collection("rooms").Doc(roomID).Collection("messages")
}

// FetchPage returns up to pageSize of the most recent messages in
// ascending order plus a has-more hint. reset discards the room's
// continuation cursor; an empty page on reset means the room has no
// remote history yet. The hint is inferred from page fullness — the
// store exposes no reliable end-of-collection signal on queries.
func (c *Client) FetchPage(ctx context.Context, roomID string, pageSize int, reset bool) ([]store.Message, bool, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	query := c.messages(roomID).
		OrderBy("sentAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize)

	c.mu.Lock()
	if reset {
		delete(c.cursors, roomID)
	} else if cursor, ok := c.cursors[roomID]; ok {
		query = query.StartAfter(cursor)
	}
	c.mu.Unlock()

	msgs, last, err := c.collect(ctx, query, roomID)
	if err != nil {
		return nil, false, err
	}
	if last != nil {
		c.mu.Lock()
		c.cursors[roomID] = last
		c.mu.Unlock()
	}
	reverseMessages(msgs)
	return msgs, len(msgs) == pageSize, nil
}

// FetchOlder returns up to limit messages strictly older than the
// given boundary message, ascending. A boundary unknown to the remote
// store yields an empty result.
func (c *Client) FetchOlder(ctx context.Context, roomID, beforeMsgID string, limit int) ([]store.Message, error) {
	boundary, err := c.boundary(ctx, roomID, beforeMsgID)
	if err != nil || boundary == nil {
		return nil, err
	}
	query := c.messages(roomID).
		OrderBy("sentAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		StartAfter(boundary).
		Limit(limit)

	msgs, _, err := c.collect(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// FetchAfter returns up to limit messages strictly newer than the
// given boundary message, ascending.
func (c *Client) FetchAfter(ctx context.Context, roomID, afterMsgID string, limit int) ([]store.Message, error) {
	boundary, err := c.boundary(ctx, roomID, afterMsgID)
	if err != nil || boundary == nil {
		return nil, err
	}
	query := c.messages(roomID).
		OrderBy("sentAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAfter(boundary).
		Limit(limit)

	msgs, _, err := c.collect(ctx, query, roomID)
	return msgs, err
}

// FetchDeletionStates returns the authoritative deletion state for
// each given message ID. A document the store no longer holds is
// reported Missing (plus Deleted, since removal is how full deletions
// surface); the caller decides whether absence counts for a given
// message. Point reads run with bounded concurrency.
func (c *Client) FetchDeletionStates(ctx context.Context, roomID string, ids []string) (map[string]store.DeletionState, error) {
	states := make(map[string]store.DeletionState, len(ids))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(deletionLookupConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			doc, err := c.messages(roomID).Doc(id).Get(ctx)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					mu.Lock()
					states[id] = store.DeletionState{Deleted: true, Missing: true}
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("deletion state of %q: %w", id, err)
			}
			deleted, _ := doc.Data()["deleted"].(bool)
			mu.Lock()
			states[id] = store.DeletionState{Deleted: deleted}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// SaveMessage persists a message document.
func (c *Client) SaveMessage(ctx context.Context, m *store.Message) error {
	_, err := c.messages(m.RoomID).Doc(m.MsgID).Set(ctx, messageToDoc(m))
	if err != nil {
		return fmt.Errorf("save message %q: %w", m.MsgID, err)
	}
	return nil
}

// MarkDeleted flips the remote deleted flag. A missing document is
// treated as already deleted.
func (c *Client) MarkDeleted(ctx context.Context, roomID, msgID string) error {
	_, err := c.messages(roomID).Doc(msgID).Update(ctx, []firestore.Update{
		{Path: "deleted", Value: true},
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("mark deleted %q: %w", msgID, err)
	}
	return nil
}

// GetRoom fetches a room document; nil if the room does not exist.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*store.Room, []string, error) {
	doc, err := c.fs.Collection("rooms").Doc(roomID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get room %q: %w", roomID, err)
	}

	data := doc.Data()
	room := &store.Room{ID: doc.Ref.ID}
	room.Name, _ = strField(data, "name")
	room.CreatorID, _ = strField(data, "creatorID")
	if at, ok := data["lastMessageAt"].(time.Time); ok {
		room.LastMessageAt = at.UnixMilli()
	}
	room.LastMessagePreview, _ = strField(data, "lastMessagePreview")

	var participants []string
	if raw, ok := data["participants"].([]any); ok {
		for _, item := range raw {
			if email, ok := item.(string); ok {
				participants = append(participants, email)
			}
		}
	}
	return room, participants, nil
}

func (c *Client) boundary(ctx context.Context, roomID, msgID string) (*firestore.DocumentSnapshot, error) {
	doc, err := c.messages(roomID).Doc(msgID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("boundary %q: %w", msgID, err)
	}
	return doc, nil
}

func (c *Client) collect(ctx context.Context, query firestore.Query, roomID string) ([]store.Message, *firestore.DocumentSnapshot, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var msgs []store.Message
	var last *firestore.DocumentSnapshot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("iterate messages of %q: %w", roomID, err)
		}
		m, err := docToMessage(doc, roomID)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
		last = doc
	}
	return msgs, last, nil
}

func reverseMessages(msgs []store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
