package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout    = 10 * time.Second
	helloTimeout   = 5 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	inboxCap       = 256
)

var errBridgeDown = errors.New("sms bridge is not connected")

// frame is the wire shape in both directions. The client opens with
// {"type":"hello","token":...} and expects {"type":"welcome"}; after
// that the bridge pushes {"type":"sms","id":N,"text":...} for each
// inbound message and accepts {"type":"send","text":...} replies.
type frame struct {
	Type  string `json:"type"`
	ID    int64  `json:"id,omitempty"`
	Text  string `json:"text,omitempty"`
	Token string `json:"token,omitempty"`
}

// WebsocketTransport keeps a persistent connection to an SMS gateway
// bridge, redialing with backoff when it drops. Inbound frames are
// buffered so Poll never touches the network.
type WebsocketTransport struct {
	url     string
	token   string
	limit   int
	backoff time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	inbox []Inbound

	writeMu sync.Mutex

	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewWebsocketTransport(url, token string) *WebsocketTransport {
	return &WebsocketTransport{
		url:     url,
		token:   token,
		limit:   smsLimit,
		backoff: initialBackoff,
		logger:  slog.Default().With("component", "sms-websocket"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the connection loop. Safe to call once.
func (t *WebsocketTransport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.stopped {
		return
	}
	t.running = true
	go t.run()
}

// Stop closes the connection and waits for the loop to exit.
func (t *WebsocketTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.stopped = true
	close(t.stopCh)
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-t.doneCh
}

// Poll drains the buffered inbox, dropping anything at or below sinceID.
func (t *WebsocketTransport) Poll(_ context.Context, sinceID int64) ([]Inbound, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) == 0 {
		return nil, nil
	}
	var msgs []Inbound
	for _, m := range t.inbox {
		if m.ID > sinceID {
			msgs = append(msgs, m)
		}
	}
	t.inbox = nil
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (t *WebsocketTransport) Send(_ context.Context, text string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errBridgeDown
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, part := range Chunk(text, t.limit) {
		if err := conn.WriteJSON(frame{Type: "send", Text: part}); err != nil {
			return fmt.Errorf("failed to send over sms bridge: %w", err)
		}
	}
	return nil
}

func (t *WebsocketTransport) run() {
	defer close(t.doneCh)
	backoff := t.backoff
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}
		conn, err := t.dial()
		if err != nil {
			t.logger.Warn("failed to reach sms bridge", "error", err, "retry_in", backoff)
			select {
			case <-t.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = t.backoff
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.logger.Info("sms bridge connected", "url", t.url)
		t.readLoop(conn)
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		_ = conn.Close()
	}
}

func (t *WebsocketTransport) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("failed to dial sms bridge: %w", err)
	}
	if err := conn.WriteJSON(frame{Type: "hello", Token: t.token}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var welcome frame
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		_ = conn.Close()
		return nil, fmt.Errorf("expected welcome from bridge, got %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopCh:
			default:
				t.logger.Warn("sms bridge connection lost", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn("dropping malformed bridge frame", "error", err)
			continue
		}
		if f.Type != "sms" {
			continue
		}
		t.bufferInbound(Inbound{ID: f.ID, Text: f.Text})
	}
}

func (t *WebsocketTransport) bufferInbound(msg Inbound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) >= inboxCap {
		t.logger.Warn("sms inbox full, dropping oldest message", "dropped_id", t.inbox[0].ID)
		t.inbox = t.inbox[1:]
	}
	t.inbox = append(t.inbox, msg)
}
