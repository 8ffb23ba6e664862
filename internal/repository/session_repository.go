package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-presence-api/internal/models"
)

const sessionColumns = `id, occurrence_id, subject_id, session_date, status, started_at, ended_at, note, created_at, updated_at`

// SessionRepository persists session records keyed by occurrence and date.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Get returns the record for the key or sql.ErrNoRows.
func (r *SessionRepository) Get(ctx context.Context, occurrenceID string, date time.Time) (*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_records WHERE occurrence_id = $1 AND session_date = $2`
	var record models.SessionRecord
	if err := r.db.GetContext(ctx, &record, query, occurrenceID, date); err != nil {
		return nil, err
	}
	return &record, nil
}

// Insert creates the record unless one already exists for the key. It reports
// false without error when another writer got there first.
func (r *SessionRepository) Insert(ctx context.Context, record *models.SessionRecord) (bool, error) {
	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt
	const query = `INSERT INTO session_records (id, occurrence_id, subject_id, session_date, status, started_at, ended_at, note, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (occurrence_id, session_date) DO NOTHING RETURNING id`
	var insertedID string
	err := r.db.QueryRowxContext(ctx, query,
		record.ID, record.OccurrenceID, record.SubjectID, record.SessionDate, record.Status,
		record.StartedAt, record.EndedAt, record.Note, record.CreatedAt, record.UpdatedAt,
	).Scan(&insertedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert session record: %w", err)
	}
	return true, nil
}

// Finish closes an open present session. It returns nil without error when the
// record is missing or not open.
func (r *SessionRepository) Finish(ctx context.Context, occurrenceID string, date, endedAt time.Time) (*models.SessionRecord, error) {
	query := `UPDATE session_records SET ended_at = $1, updated_at = $1
WHERE occurrence_id = $2 AND session_date = $3
AND status = 'present' AND started_at IS NOT NULL AND ended_at IS NULL
RETURNING ` + sessionColumns
	var record models.SessionRecord
	if err := r.db.GetContext(ctx, &record, query, endedAt, occurrenceID, date); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finish session record: %w", err)
	}
	return &record, nil
}

// List returns records matching the filter, newest first.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.SessionRecord, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.SubjectID != "" {
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.OccurrenceID != "" {
		where = append(where, fmt.Sprintf("occurrence_id = $%d", len(args)+1))
		args = append(args, filter.OccurrenceID)
	}
	if filter.DateFrom != nil {
		where = append(where, fmt.Sprintf("session_date >= $%d", len(args)+1))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		where = append(where, fmt.Sprintf("session_date <= $%d", len(args)+1))
		args = append(args, *filter.DateTo)
	}
	query := fmt.Sprintf(`SELECT %s FROM session_records WHERE %s ORDER BY session_date DESC, created_at DESC`,
		sessionColumns, strings.Join(where, " AND "))

	var records []models.SessionRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	return records, nil
}

// ListForDate returns the records of the given occurrences on one date.
func (r *SessionRepository) ListForDate(ctx context.Context, occurrenceIDs []string, date time.Time) ([]models.SessionRecord, error) {
	if len(occurrenceIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM session_records
WHERE occurrence_id = ANY($1) AND session_date = $2`
	var records []models.SessionRecord
	if err := r.db.SelectContext(ctx, &records, query, pq.Array(occurrenceIDs), date); err != nil {
		return nil, fmt.Errorf("list session records for date: %w", err)
	}
	return records, nil
}
