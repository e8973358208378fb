package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"

	"github.com/drover-sh/drover/pkg/database"
	"github.com/drover-sh/drover/pkg/masking"
	"github.com/drover-sh/drover/pkg/models"
)

const conversationTable = "conversation_messages"

// Conversation retention: entries beyond the cap or older than the TTL
// are pruned on every read and write.
const (
	ConversationMaxMessages = 100
	ConversationTTL         = 7 * 24 * time.Hour
)

// ConversationStore is the durable operator chat log. Every entry is
// credential-redacted before it touches the database.
type ConversationStore struct {
	client   *database.Client
	redactor *masking.Redactor

	maxMessages int
	ttl         time.Duration
	now         func() time.Time
}

// NewConversationStore creates a ConversationStore with default retention.
func NewConversationStore(client *database.Client, redactor *masking.Redactor) *ConversationStore {
	return &ConversationStore{
		client:      client,
		redactor:    redactor,
		maxMessages: ConversationMaxMessages,
		ttl:         ConversationTTL,
		now:         time.Now,
	}
}

// Push appends one redacted entry and prunes expired/overflow rows.
func (s *ConversationStore) Push(ctx context.Context, role models.Role, text string) error {
	if text == "" {
		return NewValidationError("text", "required")
	}
	if role != models.RoleUser && role != models.RoleAssistant {
		return NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}

	query, args := sql.Dialect(dialect.SQLite).
		Insert(conversationTable).
		Columns("role", "text", "ts").
		Values(string(role), s.redactor.Redact(text), s.now().UTC()).
		Query()
	if _, err := s.client.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to push conversation entry: %w", err)
	}

	return s.prune(ctx)
}

// Recent returns the newest n entries in chronological order.
func (s *ConversationStore) Recent(ctx context.Context, n int) ([]models.ConversationEntry, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}

	query, args := sql.Dialect(dialect.SQLite).
		Select("id", "role", "text", "ts").
		From(sql.Table(conversationTable)).
		OrderBy(sql.Desc("id")).
		Limit(n).
		Query()
	entries, err := s.scan(ctx, query, args)
	if err != nil {
		return nil, err
	}

	slices.Reverse(entries)
	return entries, nil
}

// All returns every retained entry in chronological order.
func (s *ConversationStore) All(ctx context.Context) ([]models.ConversationEntry, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}

	query, args := sql.Dialect(dialect.SQLite).
		Select("id", "role", "text", "ts").
		From(sql.Table(conversationTable)).
		OrderBy(sql.Asc("id")).
		Query()
	return s.scan(ctx, query, args)
}

// Search returns entries containing the substring, oldest first.
func (s *ConversationStore) Search(ctx context.Context, substring string) ([]models.ConversationEntry, error) {
	if err := s.prune(ctx); err != nil {
		return nil, err
	}

	query, args := sql.Dialect(dialect.SQLite).
		Select("id", "role", "text", "ts").
		From(sql.Table(conversationTable)).
		Where(sql.Contains("text", substring)).
		OrderBy(sql.Asc("id")).
		Query()
	return s.scan(ctx, query, args)
}

// Clear removes the entire conversation log.
func (s *ConversationStore) Clear(ctx context.Context) error {
	query, args := sql.Dialect(dialect.SQLite).
		Delete(conversationTable).
		Query()
	if _, err := s.client.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

// prune drops entries past the TTL, then everything older than the newest
// maxMessages rows.
func (s *ConversationStore) prune(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.ttl)
	query, args := sql.Dialect(dialect.SQLite).
		Delete(conversationTable).
		Where(sql.LT("ts", cutoff)).
		Query()
	if _, err := s.client.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune expired entries: %w", err)
	}

	// Keep-newest cap. Ids are monotonic, so the cap is an id floor.
	_, err := s.client.DB().ExecContext(ctx,
		"DELETE FROM conversation_messages WHERE id NOT IN (SELECT id FROM conversation_messages ORDER BY id DESC LIMIT ?)",
		s.maxMessages)
	if err != nil {
		return fmt.Errorf("failed to prune overflow entries: %w", err)
	}
	return nil
}

func (s *ConversationStore) scan(ctx context.Context, query string, args []any) ([]models.ConversationEntry, error) {
	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	var entries []models.ConversationEntry
	for rows.Next() {
		var e models.ConversationEntry
		var role string
		if err := rows.Scan(&e.ID, &role, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan conversation entry: %w", err)
		}
		e.Role = models.Role(role)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
