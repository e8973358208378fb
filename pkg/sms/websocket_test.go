package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridgeFake upgrades connections, checks the hello token, answers
// with a welcome, and collects every "send" frame the client writes.
type bridgeFake struct {
	srv    *httptest.Server
	token  string
	connCh chan *websocket.Conn

	mu    sync.Mutex
	conns int
	sent  []string
}

func newBridgeFake(t *testing.T, token string) *bridgeFake {
	t.Helper()
	b := &bridgeFake{token: token, connCh: make(chan *websocket.Conn, 4)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello frame
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
			conn.Close()
			return
		}
		if b.token != "" && hello.Token != b.token {
			conn.Close()
			return
		}
		if err := conn.WriteJSON(frame{Type: "welcome"}); err != nil {
			conn.Close()
			return
		}
		b.mu.Lock()
		b.conns++
		b.mu.Unlock()
		b.connCh <- conn
		go func() {
			for {
				var f frame
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				if f.Type == "send" {
					b.mu.Lock()
					b.sent = append(b.sent, f.Text)
					b.mu.Unlock()
				}
			}
		}()
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bridgeFake) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *bridgeFake) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("transport never connected to the bridge")
		return nil
	}
}

func (b *bridgeFake) sentTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *bridgeFake) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns
}

func startTransport(t *testing.T, b *bridgeFake, token string) *WebsocketTransport {
	t.Helper()
	tr := NewWebsocketTransport(b.url(), token)
	tr.backoff = 5 * time.Millisecond
	tr.Start()
	t.Cleanup(tr.Stop)
	return tr
}

func TestWebsocketDeliversInboundFrames(t *testing.T) {
	b := newBridgeFake(t, "")
	tr := startTransport(t, b, "")
	conn := b.waitConn(t)

	require.NoError(t, conn.WriteJSON(frame{Type: "sms", ID: 7, Text: "status"}))

	var msgs []Inbound
	require.Eventually(t, func() bool {
		var err error
		msgs, err = tr.Poll(context.Background(), 0)
		require.NoError(t, err)
		return len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Inbound{ID: 7, Text: "status"}, msgs[0])

	again, err := tr.Poll(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, again, "poll drains the buffer")
}

func TestWebsocketPollFiltersStaleIDs(t *testing.T) {
	b := newBridgeFake(t, "")
	tr := startTransport(t, b, "")
	conn := b.waitConn(t)

	require.NoError(t, conn.WriteJSON(frame{Type: "sms", ID: 3, Text: "old"}))
	require.NoError(t, conn.WriteJSON(frame{Type: "sms", ID: 9, Text: "new"}))

	var msgs []Inbound
	require.Eventually(t, func() bool {
		var err error
		msgs, err = tr.Poll(context.Background(), 3)
		require.NoError(t, err)
		return len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Inbound{ID: 9, Text: "new"}, msgs[0])
}

func TestWebsocketSendChunksFrames(t *testing.T) {
	b := newBridgeFake(t, "secret")
	tr := NewWebsocketTransport(b.url(), "secret")
	tr.backoff = 5 * time.Millisecond
	tr.limit = 10
	tr.Start()
	t.Cleanup(tr.Stop)
	b.waitConn(t)

	require.NoError(t, tr.Send(context.Background(), "aaaa bbbb cccc"))

	require.Eventually(t, func() bool {
		return len(b.sentTexts()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"aaaa bbbb", "cccc"}, b.sentTexts())
}

func TestWebsocketSendWithoutConnectionFails(t *testing.T) {
	tr := NewWebsocketTransport("ws://127.0.0.1:1/ws", "")

	err := tr.Send(context.Background(), "hello")

	require.ErrorIs(t, err, errBridgeDown)
}

func TestWebsocketReconnectsAfterDrop(t *testing.T) {
	b := newBridgeFake(t, "")
	tr := startTransport(t, b, "")

	first := b.waitConn(t)
	first.Close()

	second := b.waitConn(t)
	require.NoError(t, second.WriteJSON(frame{Type: "sms", ID: 1, Text: "back"}))

	require.Eventually(t, func() bool {
		msgs, err := tr.Poll(context.Background(), 0)
		require.NoError(t, err)
		return len(msgs) == 1 && msgs[0].Text == "back"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, b.connCount())
}

func TestWebsocketStopIsIdempotent(t *testing.T) {
	b := newBridgeFake(t, "")
	tr := startTransport(t, b, "")
	b.waitConn(t)

	tr.Stop()
	tr.Stop()
}
