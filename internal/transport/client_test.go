package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/store"
)

// testServer is a minimal push endpoint: it acks message frames and
// can inject inbound events.
type testServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	ack   bool
}

func newTestServer(t *testing.T, ack bool) *testServer {
	t.Helper()
	ts := &testServer{ack: ack}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if ts.ack && f.ID != "" {
				_ = conn.WriteJSON(&frame{Event: eventAck, ID: f.ID, OK: true})
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) push(t *testing.T, f *frame) {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		t.Fatal("no connection to push on")
	}
	if err := ts.conns[len(ts.conns)-1].WriteJSON(f); err != nil {
		t.Fatal(err)
	}
}

func testClient(t *testing.T, ts *testServer, ackTimeout time.Duration) (*Client, *bus.Bus) {
	t.Helper()
	b := bus.New()
	c := NewClient(Options{
		URL:         ts.wsURL(),
		CurrentUser: "me@example.com",
		AckTimeout:  ackTimeout,
	}, nil, b, zap.NewNop())
	t.Cleanup(c.Disconnect)
	return c, b
}

func TestConnectAndSendAck(t *testing.T) {
	ts := newTestServer(t, true)
	c, _ := testClient(t, ts, time.Second)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != Connected {
		t.Fatalf("state = %s, want CONNECTED", c.State())
	}

	m := store.Message{RoomID: "r1", MsgID: "m1", SenderID: "me@example.com", Body: "hi", SentAt: 1000}
	if err := c.SendMessage(context.Background(), &m); err != nil {
		t.Errorf("SendMessage() error = %v", err)
	}
}

func TestConnectCoalesced(t *testing.T) {
	ts := newTestServer(t, true)
	c, _ := testClient(t, ts, time.Second)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A second connect while connected is a no-op, not an error.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("duplicate Connect() error = %v", err)
	}
}

func TestSendAckTimeout(t *testing.T) {
	ts := newTestServer(t, false) // never acks
	c, _ := testClient(t, ts, 100*time.Millisecond)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	m := store.Message{RoomID: "r1", MsgID: "m1", SenderID: "me@example.com", SentAt: 1000}
	err := c.SendMessage(context.Background(), &m)
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("err = %v, want ErrAckTimeout", err)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ts := newTestServer(t, true)
	c, _ := testClient(t, ts, time.Second)

	m := store.Message{RoomID: "r1", MsgID: "m1", SentAt: 1000}
	err := c.SendMessage(context.Background(), &m)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestInboundMessageDelivered(t *testing.T) {
	ts := newTestServer(t, true)
	c, b := testClient(t, ts, time.Second)

	ch, unsub := b.Subscribe("transport.message", 10)
	defer unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(wireMessage{MsgID: "m9", RoomID: "r1", SenderID: "bob@example.com", Body: "yo", SentAt: 2000})
	ts.push(t, &frame{Event: eventMessage, Data: data})

	select {
	case evt := <-ch:
		msg, ok := evt.Payload.(*store.Message)
		if !ok || msg.MsgID != "m9" {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
}

func TestSelfOriginatedFiltered(t *testing.T) {
	ts := newTestServer(t, true)
	c, b := testClient(t, ts, time.Second)

	ch, unsub := b.Subscribe("transport.message", 10)
	defer unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Sender is the current user: the client already holds this
	// message optimistically.
	data, _ := json.Marshal(wireMessage{MsgID: "m1", RoomID: "r1", SenderID: "me@example.com", SentAt: 2000})
	ts.push(t, &frame{Event: eventMessage, Data: data})

	select {
	case evt := <-ch:
		t.Errorf("self-originated event delivered: %#v", evt.Payload)
	case <-time.After(100 * time.Millisecond):
		// Expected.
	}
}

func TestDisconnectPublishesEvent(t *testing.T) {
	ts := newTestServer(t, true)
	c, b := testClient(t, ts, time.Second)

	ch, unsub := b.Subscribe("transport.disconnected", 10)
	defer unsub()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Server-side close drops the connection.
	ts.mu.Lock()
	_ = ts.conns[0].Close()
	ts.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for disconnect event")
	}
}
