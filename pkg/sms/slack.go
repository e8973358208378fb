package sms

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

const (
	slackHistoryLimit = 50
	slackCallTimeout  = 15 * time.Second
)

// SlackTransport treats a Slack channel as the operator line. Slack
// message timestamps ("1712345678.000100") encode seconds and
// microseconds, so folding them into one integer yields the monotonic
// ids the cursor needs.
type SlackTransport struct {
	api     *goslack.Client
	channel string
	limit   int
	logger  *slog.Logger
	epoch   time.Time
}

func NewSlackTransport(token, channel string) *SlackTransport {
	return newSlackTransport(goslack.New(token), channel)
}

// NewSlackTransportWithAPIURL targets a custom API URL. Useful for
// testing with a mock server.
func NewSlackTransportWithAPIURL(token, channel, apiURL string) *SlackTransport {
	return newSlackTransport(goslack.New(token, goslack.OptionAPIURL(apiURL)), channel)
}

func newSlackTransport(api *goslack.Client, channel string) *SlackTransport {
	return &SlackTransport{
		api:     api,
		channel: channel,
		limit:   smsLimit,
		logger:  slog.Default().With("component", "sms-slack"),
		epoch:   time.Now(),
	}
}

func (t *SlackTransport) Poll(ctx context.Context, sinceID int64) ([]Inbound, error) {
	ctx, cancel := context.WithTimeout(ctx, slackCallTimeout)
	defer cancel()

	cursor := sinceID
	if cursor == 0 {
		// A fresh cursor starts at boot; replaying channel history would
		// re-run every command the operator ever sent.
		cursor = idFromTime(t.epoch)
	}
	params := &goslack.GetConversationHistoryParameters{
		ChannelID: t.channel,
		Oldest:    tsFromID(cursor),
		Limit:     slackHistoryLimit,
	}
	history, err := t.api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to read slack history: %w", err)
	}

	var msgs []Inbound
	for _, m := range history.Messages {
		// Bot posts are our own replies; subtyped messages are channel
		// noise (joins, edits), not operator text.
		if m.BotID != "" || m.SubType != "" {
			continue
		}
		id, err := idFromTS(m.Timestamp)
		if err != nil {
			t.logger.Warn("skipping slack message with unparseable ts", "ts", m.Timestamp)
			continue
		}
		if id <= cursor {
			continue
		}
		msgs = append(msgs, Inbound{ID: id, Text: m.Text})
	}
	// conversations.history returns newest first.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (t *SlackTransport) Send(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, slackCallTimeout)
	defer cancel()
	for _, part := range Chunk(text, t.limit) {
		if _, _, err := t.api.PostMessageContext(ctx, t.channel, goslack.MsgOptionText(part, false)); err != nil {
			return fmt.Errorf("chat.postMessage failed: %w", err)
		}
	}
	return nil
}

func idFromTS(ts string) (int64, error) {
	secs, frac, ok := strings.Cut(ts, ".")
	if !ok {
		frac = "0"
	}
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad slack ts %q", ts)
	}
	for len(frac) < 6 {
		frac += "0"
	}
	f, err := strconv.ParseInt(frac[:6], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad slack ts %q", ts)
	}
	return s*1_000_000 + f, nil
}

func tsFromID(id int64) string {
	return fmt.Sprintf("%d.%06d", id/1_000_000, id%1_000_000)
}

func idFromTime(t time.Time) int64 {
	return t.Unix()*1_000_000 + int64(t.Nanosecond()/1000)
}
