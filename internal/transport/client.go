package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/store"
)

// ErrAckTimeout is returned when the server does not acknowledge an
// emitted frame within the ack timeout.
var ErrAckTimeout = errors.New("transport: acknowledgement timeout")

// ErrNotConnected is returned for emits attempted without a live
// connection.
var ErrNotConnected = errors.New("transport: not connected")

// Uploader pushes attachment bytes to the asset layer before the
// compact attachment frame is emitted.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// PendingAttachment is a locally-held attachment that has not been
// uploaded yet. Raw bytes stay with the caller on failure so a retry
// does not require re-picking media.
type PendingAttachment struct {
	Kind         string
	Idx          int
	ThumbPath    string
	OriginalPath string
	Thumb        []byte
	Original     []byte
}

// Options configures a transport client.
type Options struct {
	URL           string
	CurrentUser   string
	AckTimeout    time.Duration
	ReconnectBase time.Duration
}

// Client maintains the realtime push connection. Inbound events are
// decoded at the boundary and published on the bus under "transport.";
// self-originated events are filtered out so an optimistically-held
// message is not inserted twice.
type Client struct {
	opts     Options
	uploader Uploader
	bus      *bus.Bus
	machine  *Machine
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error
	joined  map[string]bool
	closed  bool
}

// NewClient creates a transport client. Connect must be called before
// any emit.
func NewClient(opts Options, uploader Uploader, b *bus.Bus, logger *zap.Logger) *Client {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	return &Client{
		opts:     opts,
		uploader: uploader,
		bus:      b,
		machine:  NewMachine(),
		logger:   logger,
		pending:  make(map[string]chan error),
		joined:   make(map[string]bool),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.machine.Current()
}

// Connect dials the push endpoint. A call while already connecting or
// connected is a no-op: connection attempts are coalesced, never run
// in parallel. On success the read loop starts and joined rooms are
// re-registered.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.machine.Transition(Connecting); err != nil {
		// Already connecting or connected.
		return nil
	}
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		_ = c.machine.Transition(Disconnected)
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	rooms := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	_ = c.machine.Transition(Connected)
	c.logger.Info("transport connected", zap.String("url", c.opts.URL))
	c.bus.Publish(bus.Event{Kind: bus.KindTransportConnected, Timestamp: time.Now()})

	// Joining again replaces any server-side listeners for the same
	// events rather than stacking them.
	for _, id := range rooms {
		if err := c.writeFrame(&frame{Event: eventJoin, Room: id}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("room", id), zap.Error(err))
		}
	}

	go c.readPump(conn)
	return nil
}

// Disconnect closes the connection and disables reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	if c.machine.Current() != Disconnected {
		_ = c.machine.Transition(Disconnected)
	}
}

// JoinRoom registers interest in a room's events. Idempotent: the
// server replaces existing listeners for the same events. The room is
// remembered and re-joined after a reconnect.
func (c *Client) JoinRoom(roomID string) error {
	c.mu.Lock()
	c.joined[roomID] = true
	c.mu.Unlock()

	if c.machine.Current() != Connected {
		// Will be joined on (re)connect.
		return nil
	}
	return c.writeFrame(&frame{Event: eventJoin, Room: roomID})
}

// LeaveRoom drops the room's listeners.
func (c *Client) LeaveRoom(roomID string) error {
	c.mu.Lock()
	delete(c.joined, roomID)
	c.mu.Unlock()

	if c.machine.Current() != Connected {
		return nil
	}
	return c.writeFrame(&frame{Event: eventLeave, Room: roomID})
}

// SendMessage emits a message frame and waits for the server
// acknowledgement. Returns ErrAckTimeout if it does not arrive within
// the configured timeout; the caller marks the message failed locally.
func (c *Client) SendMessage(ctx context.Context, m *store.Message) error {
	return c.emitWithAck(ctx, eventMessage, m)
}

// SendAttachments uploads the referenced assets out-of-band and then
// emits a compact attachment frame carrying paths and metadata only.
// If any upload fails the frame is never emitted and the raw bytes
// remain with the caller for a user-initiated retry.
func (c *Client) SendAttachments(ctx context.Context, m *store.Message, assets []PendingAttachment) error {
	for _, a := range assets {
		if len(a.Thumb) > 0 {
			if err := c.uploader.Upload(ctx, a.ThumbPath, a.Thumb); err != nil {
				return fmt.Errorf("upload thumb %q: %w", a.ThumbPath, err)
			}
		}
		if err := c.uploader.Upload(ctx, a.OriginalPath, a.Original); err != nil {
			return fmt.Errorf("upload original %q: %w", a.OriginalPath, err)
		}
	}
	return c.emitWithAck(ctx, eventAttachments, m)
}

func (c *Client) emitWithAck(ctx context.Context, event string, m *store.Message) error {
	if c.machine.Current() != Connected {
		return ErrNotConnected
	}

	frameID := uuid.New().String()
	ackCh := make(chan error, 1)
	c.mu.Lock()
	c.pending[frameID] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, frameID)
		c.mu.Unlock()
	}()

	wm := toWire(m)
	data, err := marshalData(wm)
	if err != nil {
		return err
	}
	if err := c.writeFrame(&frame{Event: event, ID: frameID, Room: m.RoomID, Data: data}); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ackCh:
		return err
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeFrame(f *frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(f)
}

// readPump delivers inbound frames until the connection drops, then
// fails outstanding acks and schedules a reconnect.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("transport read error", zap.Error(err))
			}
			break
		}
		c.handleFrame(&f)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- ErrNotConnected
		delete(c.pending, id)
	}
	closed := c.closed
	c.mu.Unlock()

	if c.machine.Current() != Disconnected {
		_ = c.machine.Transition(Disconnected)
		c.bus.Publish(bus.Event{Kind: bus.KindTransportDisconnected, Timestamp: time.Now()})
	}
	if !closed {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	backoff := c.opts.ReconnectBase
	const maxBackoff = 30 * time.Second
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || c.machine.Current() == Connected {
			return
		}

		time.Sleep(backoff)
		if err := c.Connect(context.Background()); err == nil {
			return
		}
		c.logger.Info("reconnect attempt failed", zap.Duration("next_in", backoff))
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) handleFrame(f *frame) {
	if f.Event == eventAck {
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		c.mu.Unlock()
		if ok {
			if f.OK {
				ch <- nil
			} else {
				ch <- fmt.Errorf("transport: send rejected: %s", f.Error)
			}
		}
		return
	}

	ev, err := decodeEvent(f)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}

	switch ev := ev.(type) {
	case *MessageEvent:
		if ev.Message.SenderID == c.opts.CurrentUser {
			// Already held optimistically; skip to avoid double insert.
			return
		}
		c.bus.Publish(bus.Event{Kind: bus.KindTransportMessage, Timestamp: time.Now(), Payload: &ev.Message})
	case *AttachmentsEvent:
		if ev.Message.SenderID == c.opts.CurrentUser {
			return
		}
		c.bus.Publish(bus.Event{Kind: bus.KindTransportAttachments, Timestamp: time.Now(), Payload: &ev.Message})
	case *ParticipantEvent:
		c.bus.Publish(bus.Event{Kind: bus.KindTransportParticipant, Timestamp: time.Now(), Payload: ev})
	case *ErrorEvent:
		c.logger.Warn("server error event", zap.String("code", ev.Code), zap.String("message", ev.Message))
	}
}
