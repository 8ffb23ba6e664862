package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-presence-api/internal/models"
)

const occurrenceColumns = `id, subject_id, activity_name, group_id, weekday, starts_at, ends_at`

// OccurrenceRepository reads the weekly activity schedule maintained elsewhere.
type OccurrenceRepository struct {
	db *sqlx.DB
}

// NewOccurrenceRepository constructs the repository.
func NewOccurrenceRepository(db *sqlx.DB) *OccurrenceRepository {
	return &OccurrenceRepository{db: db}
}

// GetByID fetches an occurrence.
func (r *OccurrenceRepository) GetByID(ctx context.Context, id string) (*models.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + ` FROM occurrences WHERE id = $1`
	var occurrence models.Occurrence
	if err := r.db.GetContext(ctx, &occurrence, query, id); err != nil {
		return nil, err
	}
	return &occurrence, nil
}

// ListBySubjectAndWeekday returns the subject's occurrences scheduled on weekday.
func (r *OccurrenceRepository) ListBySubjectAndWeekday(ctx context.Context, subjectID string, weekday time.Weekday) ([]models.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + ` FROM occurrences
WHERE subject_id = $1 AND weekday = $2 ORDER BY starts_at ASC, id ASC`
	var occurrences []models.Occurrence
	if err := r.db.SelectContext(ctx, &occurrences, query, subjectID, int(weekday)); err != nil {
		return nil, fmt.Errorf("list occurrences by weekday: %w", err)
	}
	return occurrences, nil
}
