package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-presence-api/internal/models"
)

func TestSnapshotRepositorySessionSnapshotUsesOneTransaction(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewSnapshotRepository(db)

	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	started := from.Add(25 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT s.id, s.full_name, s.group_id FROM subjects s")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "group_id"}).AddRow("subj-1", "Ada", nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM occurrences o JOIN subjects s")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "activity_name", "group_id", "weekday", "starts_at", "ends_at"}).
			AddRow("occ-1", "subj-1", "Math", "grp-1", 4, "07:00", "08:30"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM session_records WHERE 1=1 AND session_date >= $1 AND session_date <= $2")).
		WithArgs(from, to).
		WillReturnRows(sessionRows().AddRow("rec-1", "occ-1", "subj-1", from.AddDate(0, 0, 1), "present", started, nil, nil, started, started))
	mock.ExpectCommit()

	snapshot, err := repo.SessionSnapshot(context.Background(), "", models.DateWindow{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, snapshot.Subjects, 1)
	require.Len(t, snapshot.Occurrences, 1)
	assert.Equal(t, time.Thursday, snapshot.Occurrences[0].Weekday)
	require.Len(t, snapshot.Records, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryRollsBackOnError(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewSnapshotRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM subjects s")).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := repo.SessionSnapshot(context.Background(), "subj-1", models.DateWindow{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepositoryPointSnapshotFiltersGroup(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewSnapshotRepository(db)

	entryDate := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND s.group_id = $1 ORDER BY s.full_name")).
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "group_id"}).AddRow("subj-1", "Ada", "grp-1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM point_entries p JOIN subjects s ON s.id = p.subject_id")).
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "category", "magnitude", "description", "entry_date", "recorded_by", "created_at"}).
			AddRow("pt-1", "subj-1", "merit", 10, "helped", entryDate, nil, entryDate))
	mock.ExpectCommit()

	snapshot, err := repo.PointSnapshot(context.Background(), "grp-1", "", models.DateWindow{})
	require.NoError(t, err)
	require.Len(t, snapshot.Entries, 1)
	assert.Equal(t, models.PointCategoryMerit, snapshot.Entries[0].Category)
	require.NoError(t, mock.ExpectationsWereMet())
}
