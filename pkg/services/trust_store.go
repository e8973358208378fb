package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/drover-sh/drover/pkg/database"
	"github.com/drover-sh/drover/pkg/models"
)

const trustTable = "trust_levels"

// TrustStore persists one performance-counter row per autonomy level.
type TrustStore struct {
	client *database.Client
}

// NewTrustStore creates a TrustStore.
func NewTrustStore(client *database.Client) *TrustStore {
	return &TrustStore{client: client}
}

// Get returns the row for a level, or ErrNotFound.
func (s *TrustStore) Get(ctx context.Context, level models.AutonomyLevel) (models.TrustRow, error) {
	query, args := entsql.Dialect(dialect.SQLite).
		Select("level", "total_sessions", "total_evaluations", "sum_eval_scores",
			"first_entered_at", "last_entered_at", "total_days", "promotion_sent").
		From(entsql.Table(trustTable)).
		Where(entsql.EQ("level", string(level))).
		Query()

	var (
		r              models.TrustRow
		lvl            string
		firstEnteredAt sql.NullTime
		lastEnteredAt  sql.NullTime
	)
	err := s.client.DB().QueryRowContext(ctx, query, args...).Scan(
		&lvl, &r.TotalSessions, &r.TotalEvaluations, &r.SumEvalScores,
		&firstEnteredAt, &lastEnteredAt, &r.TotalDays, &r.PromotionSent)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrustRow{}, fmt.Errorf("%w: trust row %s", ErrNotFound, level)
	}
	if err != nil {
		return models.TrustRow{}, fmt.Errorf("failed to get trust row: %w", err)
	}

	r.Level = models.AutonomyLevel(lvl)
	if firstEnteredAt.Valid {
		r.FirstEnteredAt = firstEnteredAt.Time
	}
	if lastEnteredAt.Valid {
		r.LastEnteredAt = lastEnteredAt.Time
	}
	return r, nil
}

// Upsert writes the full row for its level, inserting on first sight.
func (s *TrustStore) Upsert(ctx context.Context, row models.TrustRow) error {
	if !row.Level.IsValid() {
		return NewValidationError("level", fmt.Sprintf("unknown level %q", row.Level))
	}

	query, args := entsql.Dialect(dialect.SQLite).
		Update(trustTable).
		Set("total_sessions", row.TotalSessions).
		Set("total_evaluations", row.TotalEvaluations).
		Set("sum_eval_scores", row.SumEvalScores).
		Set("first_entered_at", nullableTime(row.FirstEnteredAt)).
		Set("last_entered_at", nullableTime(row.LastEnteredAt)).
		Set("total_days", row.TotalDays).
		Set("promotion_sent", row.PromotionSent).
		Where(entsql.EQ("level", string(row.Level))).
		Query()
	res, err := s.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update trust row: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	query, args = entsql.Dialect(dialect.SQLite).
		Insert(trustTable).
		Columns("level", "total_sessions", "total_evaluations", "sum_eval_scores",
			"first_entered_at", "last_entered_at", "total_days", "promotion_sent").
		Values(string(row.Level), row.TotalSessions, row.TotalEvaluations, row.SumEvalScores,
			nullableTime(row.FirstEnteredAt), nullableTime(row.LastEnteredAt), row.TotalDays, row.PromotionSent).
		Query()
	if _, err := s.client.DB().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert trust row: %w", err)
	}
	return nil
}

// All returns every stored row keyed by level.
func (s *TrustStore) All(ctx context.Context) (map[models.AutonomyLevel]models.TrustRow, error) {
	rows := make(map[models.AutonomyLevel]models.TrustRow, len(models.AutonomyLevels))
	for _, level := range models.AutonomyLevels {
		row, err := s.Get(ctx, level)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rows[level] = row
	}
	return rows, nil
}

// nullableTime maps the zero time to NULL so "never entered" stays
// distinguishable after a round trip.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
