package ws

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialClient returns a server side Client and the browser end of its
// connection.
func dialClient(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upgrader := websocket.Upgrader{}
	accepted := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewClient(conn, logger)
		accepted <- c
		c.ReadLoop()
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case c := <-accepted:
		t.Cleanup(c.Close)
		return c, peer
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted the connection")
		return nil, nil
	}
}

func isClosed(c *Client) bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func TestClientDelivers(t *testing.T) {
	c, peer := dialClient(t)
	if err := c.Send([]byte(`{"message":"hello"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, got, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != `{"message":"hello"}` {
		t.Fatalf("got %q", got)
	}
}

func TestClientSendAfterClose(t *testing.T) {
	c, peer := dialClient(t)
	c.Close()
	if err := c.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close frame, got %v", err)
	}
}

func TestClientSendNeverWaitsOnStalledPeer(t *testing.T) {
	c, _ := dialClient(t) // the peer never reads
	payload := bytes.Repeat([]byte("x"), 1<<20)

	start := time.Now()
	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = c.Send(payload)
	}
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer once the buffer filled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > writeWait/2 {
		t.Fatalf("Send blocked for %v", elapsed)
	}
}

func TestHubStalledSubscriberDoesNotDelayOthers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	stalled, _ := dialClient(t)
	live, livePeer := dialClient(t)
	h.Register("p1", stalled)
	h.Register("p1", live)

	payload := bytes.Repeat([]byte("y"), 512<<10)
	for i := 0; i < 1000 && !isClosed(stalled); i++ {
		if !h.Broadcast("p1", payload) {
			t.Fatalf("broadcast %d dropped", i)
		}
		_ = livePeer.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, got, err := livePeer.ReadMessage(); err != nil || len(got) != len(payload) {
			t.Fatalf("live subscriber read %d: len=%d err=%v", i, len(got), err)
		}
	}
	if !isClosed(stalled) {
		t.Fatalf("stalled subscriber was never dropped")
	}
	if isClosed(live) {
		t.Fatalf("live subscriber should stay connected")
	}
}
