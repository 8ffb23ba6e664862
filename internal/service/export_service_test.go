package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/internal/repository"
	"github.com/noah-isme/sma-presence-api/pkg/clock"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
	"github.com/noah-isme/sma-presence-api/pkg/jobs"
	"github.com/noah-isme/sma-presence-api/pkg/storage"
)

type stubExportStore struct {
	mu   sync.Mutex
	jobs map[string]*models.ExportJob
	seq  int
}

func newStubExportStore() *stubExportStore {
	return &stubExportStore{jobs: map[string]*models.ExportJob{}}
}

func (s *stubExportStore) Create(_ context.Context, job *models.ExportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if job.ID == "" {
		job.ID = "exp-" + string(rune('0'+s.seq))
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *stubExportStore) GetByID(_ context.Context, id string) (*models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *job
	return &clone, nil
}

func (s *stubExportStore) Update(_ context.Context, id string, params repository.UpdateExportParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.ResultURL != nil {
		job.ResultURL = params.ResultURL
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

func (s *stubExportStore) ListQueued(_ context.Context, _ int) ([]models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExportJob
	for _, job := range s.jobs {
		if job.Status == models.ExportStatusQueued {
			out = append(out, *job)
		}
	}
	return out, nil
}

type stubRankings struct {
	err        error
	lastWindow ReportWindow
	lastGroup  string
}

func (r *stubRankings) SessionRanking(_ context.Context, req ReportWindow) ([]models.SessionRankingRow, error) {
	r.lastWindow = req
	if r.err != nil {
		return nil, r.err
	}
	return []models.SessionRankingRow{
		{Rank: 1, SubjectID: "teacher-a", SubjectName: "Ani", Total: 2, Present: 2, Percentage: 100},
		{Rank: 2, SubjectID: "teacher-b", Total: 2, Present: 1, Absent: 1, Percentage: 50},
	}, nil
}

func (r *stubRankings) PointRanking(_ context.Context, groupID string, req ReportWindow) ([]models.PointRankingRow, error) {
	r.lastWindow = req
	r.lastGroup = groupID
	if r.err != nil {
		return nil, r.err
	}
	return []models.PointRankingRow{{Rank: 1, SubjectID: "s-1", SubjectName: "Sari", Merit: 10, Demerit: 2, Net: 8}}, nil
}

type recordingDispatcher struct {
	err  error
	jobs []jobs.Job
}

func (d *recordingDispatcher) Enqueue(_ context.Context, job jobs.Job) error {
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

type exportFixture struct {
	svc        *ExportService
	store      *stubExportStore
	rankings   *stubRankings
	dispatcher *recordingDispatcher
	files      *storage.LocalStorage
	signer     *storage.SignedURLSigner
}

func newExportFixture(t *testing.T, enabled bool) *exportFixture {
	t.Helper()
	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	f := &exportFixture{
		store:      newStubExportStore(),
		rankings:   &stubRankings{},
		dispatcher: &recordingDispatcher{},
		files:      files,
		signer:     signer,
	}
	clk := clock.NewFixed(time.Date(2024, 5, 16, 3, 0, 0, 0, time.UTC))
	f.svc = NewExportService(f.store, f.rankings, files, signer, nil, clk, ExportConfig{Enabled: enabled, APIPrefix: "/api/v1"}, nil, nil)
	f.svc.UseQueue(f.dispatcher)
	return f
}

func tokenFromURL(url string) string {
	return url[strings.LastIndex(url, "/")+1:]
}

func TestExportCreateRequiresFeature(t *testing.T) {
	f := newExportFixture(t, false)
	_, err := f.svc.Create(context.Background(), ExportRequest{Kind: "session_ranking", Format: "csv"})
	assert.ErrorIs(t, err, appErrors.ErrFeatureDisabled)
}

func TestExportCreateValidation(t *testing.T) {
	f := newExportFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, ExportRequest{Kind: "grades", Format: "csv"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = f.svc.Create(ctx, ExportRequest{Kind: "session_ranking", Format: "xlsx"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	_, err = f.svc.Create(ctx, ExportRequest{Kind: "session_ranking", Format: "csv", From: "2024-05-10", To: "2024-05-01"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Empty(t, f.dispatcher.jobs)
}

func TestExportCreateQueuesJob(t *testing.T) {
	f := newExportFixture(t, true)

	job, err := f.svc.Create(context.Background(), ExportRequest{Kind: "session_ranking", Format: "csv", Month: "2024-04"})
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, job.Status)
	require.NotNil(t, job.Params.From)
	assert.Equal(t, "2024-04-01", models.DateKey(*job.Params.From))
	assert.Equal(t, "2024-04-30", models.DateKey(*job.Params.To))

	require.Len(t, f.dispatcher.jobs, 1)
	assert.Equal(t, job.ID, f.dispatcher.jobs[0].ID)
	assert.Equal(t, ExportJobType, f.dispatcher.jobs[0].Type)
}

func TestExportCreateMarksFailedWhenQueueRejects(t *testing.T) {
	f := newExportFixture(t, true)
	f.dispatcher.err = jobs.ErrQueueStopped

	_, err := f.svc.Create(context.Background(), ExportRequest{Kind: "point_ranking", Format: "pdf"})
	assert.ErrorIs(t, err, appErrors.ErrInternal)

	queued, _ := f.store.ListQueued(context.Background(), 10)
	assert.Empty(t, queued)
	for _, job := range f.store.jobs {
		assert.Equal(t, models.ExportStatusFailed, job.Status)
		assert.NotNil(t, job.FinishedAt)
	}
}

func TestExportHandleRendersAndServesDownload(t *testing.T) {
	f := newExportFixture(t, true)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, ExportRequest{Kind: "session_ranking", Format: "csv", From: "2024-05-01", To: "2024-05-15"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, f.dispatcher.jobs[0]))
	assert.Equal(t, ReportWindow{From: "2024-05-01", To: "2024-05-15"}, f.rankings.lastWindow)

	done, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFinished, done.Status)
	require.NotNil(t, done.ResultURL)
	assert.True(t, strings.HasPrefix(*done.ResultURL, "/api/v1/exports/"))

	download, err := f.svc.Download(ctx, tokenFromURL(*done.ResultURL))
	require.NoError(t, err)
	defer download.File.Close() //nolint:errcheck
	assert.Equal(t, "text/csv", download.ContentType)
	assert.Equal(t, job.ID+".csv", download.Filename)

	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Rank,Subject,Total")
	assert.Contains(t, string(body), "1,Ani,2,2,0,0,0,0,100")
	assert.Contains(t, string(body), "2,teacher-b,")
}

func TestExportHandleRendersPointPDF(t *testing.T) {
	f := newExportFixture(t, true)
	ctx := context.Background()

	job, err := f.svc.Create(ctx, ExportRequest{Kind: "point_ranking", Format: "pdf", GroupID: "grp-1"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Handle(ctx, f.dispatcher.jobs[0]))
	assert.Equal(t, "grp-1", f.rankings.lastGroup)

	done, _ := f.svc.Get(ctx, job.ID)
	download, err := f.svc.Download(ctx, tokenFromURL(*done.ResultURL))
	require.NoError(t, err)
	defer download.File.Close() //nolint:errcheck
	assert.Equal(t, "application/pdf", download.ContentType)
}

func TestExportHandleFailureRequeuesThenFails(t *testing.T) {
	f := newExportFixture(t, true)
	f.rankings.err = errors.New("snapshot failed")
	ctx := context.Background()

	job, err := f.svc.Create(ctx, ExportRequest{Kind: "session_ranking", Format: "csv"})
	require.NoError(t, err)
	qjob := f.dispatcher.jobs[0]

	err = f.svc.Handle(ctx, qjob)
	require.Error(t, err)
	current, _ := f.svc.Get(ctx, job.ID)
	assert.Equal(t, models.ExportStatusQueued, current.Status)
	require.NotNil(t, current.ErrorMessage)
	assert.Contains(t, *current.ErrorMessage, "snapshot failed")

	f.svc.HandleExhausted(ctx, qjob, err)
	current, _ = f.svc.Get(ctx, job.ID)
	assert.Equal(t, models.ExportStatusFailed, current.Status)
	assert.NotNil(t, current.FinishedAt)

	require.NoError(t, f.svc.Handle(ctx, qjob), "finished jobs are skipped")
}

func TestExportDownloadRejectsBadTokens(t *testing.T) {
	f := newExportFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Download(ctx, "not-a-token")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	job, err := f.svc.Create(ctx, ExportRequest{Kind: "session_ranking", Format: "csv"})
	require.NoError(t, err)
	token, _, err := f.signer.Generate(job.ID, "session_ranking/"+job.ID+".csv")
	require.NoError(t, err)
	_, err = f.svc.Download(ctx, token)
	assert.ErrorIs(t, err, appErrors.ErrForbidden, "queued jobs have nothing to serve")

	orphan, _, err := f.signer.Generate("missing", "x.csv")
	require.NoError(t, err)
	_, err = f.svc.Download(ctx, orphan)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestExportRecoverRequeuesPending(t *testing.T) {
	f := newExportFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &models.ExportJob{ID: "left-1", Kind: models.ExportKindPointRanking, Format: models.ExportFormatCSV, Status: models.ExportStatusQueued}))
	require.NoError(t, f.store.Create(ctx, &models.ExportJob{ID: "done-1", Kind: models.ExportKindPointRanking, Format: models.ExportFormatCSV, Status: models.ExportStatusFinished}))

	assert.Equal(t, 1, f.svc.Recover(ctx))
	require.Len(t, f.dispatcher.jobs, 1)
	assert.Equal(t, "left-1", f.dispatcher.jobs[0].ID)
}

func TestExportCleanupRemovesExpiredFiles(t *testing.T) {
	f := newExportFixture(t, true)
	_, err := f.files.Save("session_ranking/old.csv", []byte("x"))
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(f.files.Path("session_ranking/old.csv"), past, past))
	_, err = f.files.Save("session_ranking/new.csv", []byte("y"))
	require.NoError(t, err)

	deleted, err := f.svc.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, []string{"session_ranking/old.csv"}, deleted)
}

func TestExportRunsOnWorkerQueue(t *testing.T) {
	f := newExportFixture(t, true)
	queue := jobs.NewQueue("exports-test", f.svc.Handle, jobs.QueueConfig{OnExhausted: f.svc.HandleExhausted})
	queue.Start(context.Background())
	defer queue.Stop()
	f.svc.UseQueue(queue)

	job, err := f.svc.Create(context.Background(), ExportRequest{Kind: "point_ranking", Format: "csv"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := f.svc.Get(context.Background(), job.ID)
		return err == nil && current.Status == models.ExportStatusFinished
	}, 2*time.Second, 10*time.Millisecond)
}
