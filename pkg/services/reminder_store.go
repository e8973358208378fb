package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/drover-sh/drover/pkg/database"
	"github.com/drover-sh/drover/pkg/models"
)

const reminderTable = "reminders"

// ReminderStore persists one-shot deferred reminders. The fired flag
// guarantees each reminder fires exactly once, even across restarts.
type ReminderStore struct {
	client *database.Client
	now    func() time.Time
}

// NewReminderStore creates a ReminderStore.
func NewReminderStore(client *database.Client) *ReminderStore {
	return &ReminderStore{client: client, now: time.Now}
}

// Set stores a new pending reminder and returns its id.
func (s *ReminderStore) Set(ctx context.Context, text string, fireAt time.Time, sourceMessage string) (string, error) {
	if text == "" {
		return "", NewValidationError("text", "required")
	}
	if fireAt.IsZero() {
		return "", NewValidationError("fireAt", "required")
	}

	id := uuid.New().String()
	query, args := entsql.Dialect(dialect.SQLite).
		Insert(reminderTable).
		Columns("id", "text", "fire_at", "created_at", "fired", "source_message").
		Values(id, text, fireAt.UTC(), s.now().UTC(), false, sourceMessage).
		Query()
	if _, err := s.client.DB().ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("failed to set reminder: %w", err)
	}
	return id, nil
}

// Get returns one reminder by id.
func (s *ReminderStore) Get(ctx context.Context, id string) (models.Reminder, error) {
	query, args := entsql.Dialect(dialect.SQLite).
		Select("id", "text", "fire_at", "created_at", "fired", "source_message").
		From(entsql.Table(reminderTable)).
		Where(entsql.EQ("id", id)).
		Query()

	row := s.client.DB().QueryRowContext(ctx, query, args...)
	r, err := scanReminder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reminder{}, fmt.Errorf("%w: reminder %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Reminder{}, fmt.Errorf("failed to get reminder: %w", err)
	}
	return r, nil
}

// CheckAndFire marks every due pending reminder as fired and returns them
// in firing order. Each returned reminder will never be returned again.
func (s *ReminderStore) CheckAndFire(ctx context.Context, now time.Time) ([]models.Reminder, error) {
	due, err := s.list(ctx, entsql.And(
		entsql.EQ("fired", false),
		entsql.LTE("fire_at", now.UTC()),
	))
	if err != nil {
		return nil, err
	}

	var fired []models.Reminder
	for _, r := range due {
		// fired=false in the predicate makes the flip race-safe: a
		// concurrent firing of the same row affects zero rows here.
		query, args := entsql.Dialect(dialect.SQLite).
			Update(reminderTable).
			Set("fired", true).
			Where(entsql.And(entsql.EQ("id", r.ID), entsql.EQ("fired", false))).
			Query()
		res, err := s.client.DB().ExecContext(ctx, query, args...)
		if err != nil {
			return fired, fmt.Errorf("failed to mark reminder fired: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		r.Fired = true
		fired = append(fired, r)
	}
	return fired, nil
}

// ListPending returns unfired reminders sorted by fire time ascending.
func (s *ReminderStore) ListPending(ctx context.Context) ([]models.Reminder, error) {
	return s.list(ctx, entsql.EQ("fired", false))
}

// PruneFired deletes fired reminders whose fire time is older than
// olderThan, keeping the table from growing without bound. Pending
// reminders are never touched. Returns the number of rows removed.
func (s *ReminderStore) PruneFired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan).UTC()
	query, args := entsql.Dialect(dialect.SQLite).
		Delete(reminderTable).
		Where(entsql.And(
			entsql.EQ("fired", true),
			entsql.LT("fire_at", cutoff),
		)).
		Query()
	res, err := s.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reminders: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CancelByText marks any pending reminder whose text contains the query
// as fired. Returns the cancelled reminders.
func (s *ReminderStore) CancelByText(ctx context.Context, query string) ([]models.Reminder, error) {
	if query == "" {
		return nil, NewValidationError("query", "required")
	}

	matches, err := s.list(ctx, entsql.And(
		entsql.EQ("fired", false),
		entsql.Contains("text", query),
	))
	if err != nil {
		return nil, err
	}

	var cancelled []models.Reminder
	for _, r := range matches {
		stmt, args := entsql.Dialect(dialect.SQLite).
			Update(reminderTable).
			Set("fired", true).
			Where(entsql.And(entsql.EQ("id", r.ID), entsql.EQ("fired", false))).
			Query()
		res, err := s.client.DB().ExecContext(ctx, stmt, args...)
		if err != nil {
			return cancelled, fmt.Errorf("failed to cancel reminder: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		r.Fired = true
		cancelled = append(cancelled, r)
	}
	return cancelled, nil
}

func (s *ReminderStore) list(ctx context.Context, where *entsql.Predicate) ([]models.Reminder, error) {
	query, args := entsql.Dialect(dialect.SQLite).
		Select("id", "text", "fire_at", "created_at", "fired", "source_message").
		From(entsql.Table(reminderTable)).
		Where(where).
		OrderBy(entsql.Asc("fire_at")).
		Query()

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var reminders []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

func scanReminder(scan func(...any) error) (models.Reminder, error) {
	var r models.Reminder
	err := scan(&r.ID, &r.Text, &r.FireAt, &r.CreatedAt, &r.Fired, &r.SourceMessage)
	return r, err
}
