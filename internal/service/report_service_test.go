package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/pkg/clock"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
)

type stubSnapshotRepo struct {
	sessions      models.SessionSnapshot
	points        models.PointSnapshot
	sessionCalls  int32
	pointCalls    int32
	delay         time.Duration
	err           error
	lastWindow    models.DateWindow
	lastSubjectID string
	mu            sync.Mutex

	// when set, SessionSnapshot signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (r *stubSnapshotRepo) SessionSnapshot(_ context.Context, subjectID string, window models.DateWindow) (*models.SessionSnapshot, error) {
	atomic.AddInt32(&r.sessionCalls, 1)
	if r.entered != nil {
		r.entered <- struct{}{}
		<-r.release
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.lastWindow = window
	r.lastSubjectID = subjectID
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if subjectID == "" {
		snapshot := r.sessions
		return &snapshot, nil
	}
	filtered := models.SessionSnapshot{}
	for _, occurrence := range r.sessions.Occurrences {
		if occurrence.SubjectID == subjectID {
			filtered.Occurrences = append(filtered.Occurrences, occurrence)
		}
	}
	for _, record := range r.sessions.Records {
		if record.SubjectID == subjectID {
			filtered.Records = append(filtered.Records, record)
		}
	}
	return &filtered, nil
}

func (r *stubSnapshotRepo) PointSnapshot(_ context.Context, groupID, subjectID string, window models.DateWindow) (*models.PointSnapshot, error) {
	atomic.AddInt32(&r.pointCalls, 1)
	r.mu.Lock()
	r.lastWindow = window
	r.mu.Unlock()
	if subjectID == "" {
		snapshot := r.points
		return &snapshot, nil
	}
	filtered := models.PointSnapshot{}
	for _, entry := range r.points.Entries {
		if entry.SubjectID == subjectID {
			filtered.Entries = append(filtered.Entries, entry)
		}
	}
	return &filtered, nil
}

func at(value string) *time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return &t
}

func sessionFixture() models.SessionSnapshot {
	return models.SessionSnapshot{
		Subjects: []models.Subject{
			{ID: "teacher-b", FullName: "Budi"},
			{ID: "teacher-a", FullName: "Ani"},
			{ID: "teacher-c", FullName: "Citra"},
		},
		Occurrences: []models.Occurrence{
			{ID: "occ-a", SubjectID: "teacher-a", Weekday: time.Thursday},
			{ID: "occ-b", SubjectID: "teacher-b", Weekday: time.Thursday},
			{ID: "occ-c", SubjectID: "teacher-c", Weekday: time.Thursday},
		},
		Records: []models.SessionRecord{
			{OccurrenceID: "occ-a", SubjectID: "teacher-a", SessionDate: day("2024-05-02"), Status: models.SessionStatusPresent, StartedAt: at("2024-05-02T07:30:00+07:00")},
			{OccurrenceID: "occ-a", SubjectID: "teacher-a", SessionDate: day("2024-05-09"), Status: models.SessionStatusPresent, StartedAt: at("2024-05-09T08:15:00+07:00")},
			{OccurrenceID: "occ-b", SubjectID: "teacher-b", SessionDate: day("2024-05-02"), Status: models.SessionStatusPresent, StartedAt: at("2024-05-02T07:55:00+07:00")},
			{OccurrenceID: "occ-c", SubjectID: "teacher-c", SessionDate: day("2024-05-09"), Status: models.SessionStatusPresent, StartedAt: at("2024-05-09T07:00:00+07:00")},
		},
	}
}

func newReportFixture(repo *stubSnapshotRepo, cache *CacheService) *ReportService {
	clk := clock.NewFixed(*at("2024-05-16T10:00:00+07:00"))
	return NewReportService(repo, cache, nil, clk, ReportConfig{Location: time.FixedZone("WIB", 7*3600)}, nil)
}

func TestSessionRankingByPercentage(t *testing.T) {
	repo := &stubSnapshotRepo{sessions: sessionFixture()}
	svc := newReportFixture(repo, nil)

	rows, err := svc.SessionRanking(context.Background(), ReportWindow{Month: "2024-05"})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "teacher-a", rows[0].SubjectID)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, 100, rows[0].Percentage)
	assert.Equal(t, 1, rows[0].Late)

	assert.Equal(t, "teacher-b", rows[1].SubjectID)
	assert.Equal(t, 2, rows[1].Rank)
	assert.Equal(t, "teacher-c", rows[2].SubjectID)
	assert.Equal(t, 2, rows[2].Rank)
	assert.Equal(t, 50, rows[1].Percentage)
	assert.Equal(t, 1, rows[1].Absent)
	assert.Equal(t, 2, rows[1].Total)
}

func TestSessionRankingDefaultsToCurrentMonth(t *testing.T) {
	repo := &stubSnapshotRepo{}
	svc := newReportFixture(repo, nil)

	rows, err := svc.SessionRanking(context.Background(), ReportWindow{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	require.NotNil(t, repo.lastWindow.From)
	assert.Equal(t, "2024-05-01", models.DateKey(*repo.lastWindow.From))
	assert.Equal(t, "2024-05-31", models.DateKey(*repo.lastWindow.To))
}

func TestSubjectSessionsIncludesRecent(t *testing.T) {
	repo := &stubSnapshotRepo{sessions: sessionFixture()}
	svc := newReportFixture(repo, nil)

	report, err := svc.SubjectSessions(context.Background(), "teacher-b", ReportWindow{From: "2024-05-01", To: "2024-05-31"})
	require.NoError(t, err)
	assert.Equal(t, "teacher-b", report.SubjectID)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Present)
	assert.Equal(t, 1, report.Absent)
	assert.Equal(t, 50, report.Percentage)
	require.Len(t, report.Recent, 1)
}

func TestReportWindowValidation(t *testing.T) {
	svc := newReportFixture(&stubSnapshotRepo{}, nil)

	_, err := svc.SessionRanking(context.Background(), ReportWindow{Month: "May"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.SessionRanking(context.Background(), ReportWindow{From: "2024-05-10", To: "2024-05-01"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.SubjectPoints(context.Background(), " ", ReportWindow{})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestPointRankingSharesRankOnTies(t *testing.T) {
	repo := &stubSnapshotRepo{points: models.PointSnapshot{
		Subjects: []models.Subject{{ID: "x"}, {ID: "y"}, {ID: "z"}, {ID: "w"}},
		Entries: []models.PointEntry{
			{SubjectID: "x", Category: models.PointCategoryMerit, Magnitude: 10, EntryDate: day("2024-05-01")},
			{SubjectID: "y", Category: models.PointCategoryMerit, Magnitude: 30, EntryDate: day("2024-05-02")},
			{SubjectID: "z", Category: models.PointCategoryMerit, Magnitude: 40, EntryDate: day("2024-05-03")},
			{SubjectID: "z", Category: models.PointCategoryDemerit, Magnitude: 10, EntryDate: day("2024-05-04")},
			{SubjectID: "w", Category: models.PointCategoryDemerit, Magnitude: 5, EntryDate: day("2024-05-05")},
		},
	}}
	svc := newReportFixture(repo, nil)

	rows, err := svc.PointRanking(context.Background(), "grp-1", ReportWindow{})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	ids := []string{rows[0].SubjectID, rows[1].SubjectID, rows[2].SubjectID, rows[3].SubjectID}
	ranks := []int{rows[0].Rank, rows[1].Rank, rows[2].Rank, rows[3].Rank}
	assert.Equal(t, []string{"y", "z", "x", "w"}, ids)
	assert.Equal(t, []int{1, 1, 3, 4}, ranks)
	assert.Equal(t, -5, rows[3].Net)
	assert.Len(t, rows[1].Recent, 2)
	assert.Nil(t, repo.lastWindow.From, "points default to all time")
}

func TestSubjectPointsSummary(t *testing.T) {
	repo := &stubSnapshotRepo{points: models.PointSnapshot{Entries: []models.PointEntry{
		{SubjectID: "x", Category: models.PointCategoryMerit, Magnitude: 10},
		{SubjectID: "x", Category: models.PointCategoryDemerit, Magnitude: 3},
	}}}
	svc := newReportFixture(repo, nil)

	summary, err := svc.SubjectPoints(context.Background(), "x", ReportWindow{})
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Merit)
	assert.Equal(t, 3, summary.Demerit)
	assert.Equal(t, 7, summary.Net)
	assert.Equal(t, 2, summary.Entries)
}

func TestReportServiceServesFromCache(t *testing.T) {
	repo := &stubSnapshotRepo{sessions: sessionFixture()}
	cache := NewCacheService(newMemoryCache(), nil, time.Minute, nil, true)
	svc := newReportFixture(repo, cache)
	ctx := context.Background()

	first, err := svc.SessionRanking(ctx, ReportWindow{Month: "2024-05"})
	require.NoError(t, err)
	second, err := svc.SessionRanking(ctx, ReportWindow{Month: "2024-05"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&repo.sessionCalls))

	require.NoError(t, svc.InvalidateSessions(ctx))
	_, err = svc.SessionRanking(ctx, ReportWindow{Month: "2024-05"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&repo.sessionCalls))
}

func TestReportServiceCollapsesConcurrentRollups(t *testing.T) {
	repo := &stubSnapshotRepo{sessions: sessionFixture(), delay: 50 * time.Millisecond}
	svc := newReportFixture(repo, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SessionRanking(context.Background(), ReportWindow{Month: "2024-05"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Less(t, atomic.LoadInt32(&repo.sessionCalls), int32(5))
}

func TestReportServiceWrapsSnapshotErrors(t *testing.T) {
	repo := &stubSnapshotRepo{err: errors.New("db down")}
	svc := newReportFixture(repo, nil)

	_, err := svc.SessionRanking(context.Background(), ReportWindow{Month: "2024-05"})
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}

func TestReportServiceDropsRollupInvalidatedWhileComputing(t *testing.T) {
	repo := &stubSnapshotRepo{sessions: sessionFixture(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	store := newMemoryCache()
	svc := newReportFixture(repo, NewCacheService(store, nil, time.Minute, nil, true))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.SessionRanking(ctx, ReportWindow{Month: "2024-05"})
		done <- err
	}()
	<-repo.entered
	require.NoError(t, svc.InvalidateSessions(ctx))
	close(repo.release)
	require.NoError(t, <-done)

	store.mu.Lock()
	assert.Zero(t, store.sets, "a rollup read before the invalidation must not be cached")
	store.mu.Unlock()

	repo.entered = nil
	_, err := svc.SessionRanking(ctx, ReportWindow{Month: "2024-05"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&repo.sessionCalls))
	store.mu.Lock()
	assert.Equal(t, 1, store.sets)
	store.mu.Unlock()
}

func TestReportServiceInvalidatePoints(t *testing.T) {
	repo := &stubSnapshotRepo{points: models.PointSnapshot{Entries: []models.PointEntry{
		{SubjectID: "x", Category: models.PointCategoryMerit, Magnitude: 4},
	}}}
	svc := newReportFixture(repo, NewCacheService(newMemoryCache(), nil, time.Minute, nil, true))
	ctx := context.Background()

	_, err := svc.SubjectPoints(ctx, "x", ReportWindow{})
	require.NoError(t, err)
	_, err = svc.SubjectPoints(ctx, "x", ReportWindow{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&repo.pointCalls))

	require.NoError(t, svc.InvalidatePoints(ctx))
	_, err = svc.SubjectPoints(ctx, "x", ReportWindow{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&repo.pointCalls))
}
