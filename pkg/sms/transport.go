// Package sms carries the operator conversation. A Transport reads
// inbound messages by monotonic id and sends plain-text replies,
// chunked to SMS size. Three implementations exist: a websocket
// bridge to an SMS gateway, a Slack channel, and a jsonl file pair
// for development.
package sms

import (
	"context"
	"strings"
	"unicode/utf8"
)

// smsLimit is the outbound chunk size in runes.
const smsLimit = 1500

// Inbound is one operator message. IDs are monotonic within a
// transport so a stored cursor survives daemon restarts.
type Inbound struct {
	ID   int64
	Text string
}

// Transport is the operator line. Poll returns messages with id
// greater than sinceID, oldest first. Send delivers a reply, splitting
// it into SMS-sized chunks when needed.
type Transport interface {
	Poll(ctx context.Context, sinceID int64) ([]Inbound, error)
	Send(ctx context.Context, text string) error
}

// Chunk splits text into pieces of at most limit runes, preferring to
// break on a newline or space in the back half of each window. Parts
// never carry the boundary whitespace. Text already within the limit
// passes through untouched.
func Chunk(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := breakPoint(runes, limit)
		part := strings.TrimRight(string(runes[:cut]), " \n")
		if part != "" {
			parts = append(parts, part)
		}
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if tail := strings.TrimRight(string(runes), " \n"); tail != "" {
		parts = append(parts, tail)
	}
	if len(parts) == 0 {
		parts = []string{""}
	}
	return parts
}

func breakPoint(runes []rune, limit int) int {
	for i := limit; i > limit/2; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := limit; i > limit/2; i-- {
		if runes[i-1] == ' ' {
			return i
		}
	}
	return limit
}
