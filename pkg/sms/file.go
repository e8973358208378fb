package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	inboxFileName  = "inbox.jsonl"
	outboxFileName = "outbox.jsonl"
)

// fileMessage is one jsonl line in either direction.
type fileMessage struct {
	Text string `json:"text"`
	At   string `json:"at,omitempty"`
}

// FileTransport exchanges messages through a jsonl file pair. Inbound
// ids are 1-based line numbers, so the inbox must only ever be
// appended to. Meant for development:
//
//	echo '{"text":"status"}' >> inbox.jsonl
//
// talks to the daemon, and outbox.jsonl records what it said back.
type FileTransport struct {
	dir    string
	limit  int
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

func NewFileTransport(dir string) (*FileTransport, error) {
	if dir == "" {
		return nil, errors.New("file transport requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sms directory: %w", err)
	}
	return &FileTransport{
		dir:    dir,
		limit:  smsLimit,
		logger: slog.Default().With("component", "sms-file"),
		now:    time.Now,
	}, nil
}

func (t *FileTransport) Poll(_ context.Context, sinceID int64) ([]Inbound, error) {
	data, err := os.ReadFile(filepath.Join(t.dir, inboxFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	var msgs []Inbound
	for i, line := range strings.Split(string(data), "\n") {
		// Blank and malformed lines still consume an id: the id is the
		// line's position, and the file only grows.
		id := int64(i + 1)
		line = strings.TrimSpace(line)
		if line == "" || id <= sinceID {
			continue
		}
		var msg fileMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Hand-written inboxes get to skip the JSON.
			msg.Text = line
		}
		if msg.Text == "" {
			continue
		}
		msgs = append(msgs, Inbound{ID: id, Text: msg.Text})
	}
	return msgs, nil
}

func (t *FileTransport) Send(_ context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(t.dir, outboxFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open outbox: %w", err)
	}
	defer f.Close()
	for _, part := range Chunk(text, t.limit) {
		line, err := json.Marshal(fileMessage{Text: part, At: t.now().UTC().Format(time.RFC3339)})
		if err != nil {
			return fmt.Errorf("failed to encode outbox message: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append to outbox: %w", err)
		}
	}
	return nil
}
