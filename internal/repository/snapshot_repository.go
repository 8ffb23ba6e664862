package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/pkg/database"
)

// SnapshotRepository loads the rows a rollup needs inside a single read-only
// transaction so counts never mix two versions of the ledger.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository constructs the repository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// SessionSnapshot loads responsible subjects, their occurrences and the
// session records inside the window. subjectID narrows to one subject.
func (r *SnapshotRepository) SessionSnapshot(ctx context.Context, subjectID string, window models.DateWindow) (*models.SessionSnapshot, error) {
	snapshot := &models.SessionSnapshot{}
	err := database.ReadSnapshot(ctx, r.db, func(tx *sqlx.Tx) error {
		subjectWhere := "1=1"
		args := []interface{}{}
		if subjectID != "" {
			subjectWhere = "s.id = $1"
			args = append(args, subjectID)
		}

		subjectQuery := fmt.Sprintf(`SELECT DISTINCT s.id, s.full_name, s.group_id FROM subjects s
JOIN occurrences o ON o.subject_id = s.id
WHERE %s ORDER BY s.full_name ASC, s.id ASC`, subjectWhere)
		if err := tx.SelectContext(ctx, &snapshot.Subjects, subjectQuery, args...); err != nil {
			return fmt.Errorf("snapshot subjects: %w", err)
		}

		occurrenceQuery := fmt.Sprintf(`SELECT o.id, o.subject_id, o.activity_name, o.group_id, o.weekday, o.starts_at, o.ends_at
FROM occurrences o JOIN subjects s ON s.id = o.subject_id
WHERE %s ORDER BY o.subject_id ASC, o.weekday ASC, o.starts_at ASC`, subjectWhere)
		if err := tx.SelectContext(ctx, &snapshot.Occurrences, occurrenceQuery, args...); err != nil {
			return fmt.Errorf("snapshot occurrences: %w", err)
		}

		where := []string{"1=1"}
		recordArgs := []interface{}{}
		if subjectID != "" {
			where = append(where, fmt.Sprintf("subject_id = $%d", len(recordArgs)+1))
			recordArgs = append(recordArgs, subjectID)
		}
		where, recordArgs = appendWindow(where, recordArgs, "session_date", window)
		recordQuery := fmt.Sprintf(`SELECT %s FROM session_records WHERE %s ORDER BY session_date ASC, created_at ASC`,
			sessionColumns, strings.Join(where, " AND "))
		if err := tx.SelectContext(ctx, &snapshot.Records, recordQuery, recordArgs...); err != nil {
			return fmt.Errorf("snapshot session records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// PointSnapshot loads subjects and their point entries inside the window.
// groupID and subjectID are optional filters.
func (r *SnapshotRepository) PointSnapshot(ctx context.Context, groupID, subjectID string, window models.DateWindow) (*models.PointSnapshot, error) {
	snapshot := &models.PointSnapshot{}
	err := database.ReadSnapshot(ctx, r.db, func(tx *sqlx.Tx) error {
		subjectWhere := []string{"1=1"}
		args := []interface{}{}
		if groupID != "" {
			subjectWhere = append(subjectWhere, fmt.Sprintf("s.group_id = $%d", len(args)+1))
			args = append(args, groupID)
		}
		if subjectID != "" {
			subjectWhere = append(subjectWhere, fmt.Sprintf("s.id = $%d", len(args)+1))
			args = append(args, subjectID)
		}
		subjectClause := strings.Join(subjectWhere, " AND ")

		subjectQuery := fmt.Sprintf(`SELECT s.id, s.full_name, s.group_id FROM subjects s
WHERE %s ORDER BY s.full_name ASC, s.id ASC`, subjectClause)
		if err := tx.SelectContext(ctx, &snapshot.Subjects, subjectQuery, args...); err != nil {
			return fmt.Errorf("snapshot point subjects: %w", err)
		}

		entryWhere := []string{subjectClause}
		entryWhere, args = appendWindow(entryWhere, args, "p.entry_date", window)
		entryQuery := fmt.Sprintf(`SELECT p.id, p.subject_id, p.category, p.magnitude, p.description, p.entry_date, p.recorded_by, p.created_at
FROM point_entries p JOIN subjects s ON s.id = p.subject_id
WHERE %s ORDER BY p.entry_date ASC, p.created_at ASC`, strings.Join(entryWhere, " AND "))
		if err := tx.SelectContext(ctx, &snapshot.Entries, entryQuery, args...); err != nil {
			return fmt.Errorf("snapshot point entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func appendWindow(where []string, args []interface{}, column string, window models.DateWindow) ([]string, []interface{}) {
	if window.From != nil {
		where = append(where, fmt.Sprintf("%s >= $%d", column, len(args)+1))
		args = append(args, *window.From)
	}
	if window.To != nil {
		where = append(where, fmt.Sprintf("%s <= $%d", column, len(args)+1))
		args = append(args, *window.To)
	}
	return where, args
}
