package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/internal/repository"
	"github.com/noah-isme/sma-presence-api/pkg/clock"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
	"github.com/noah-isme/sma-presence-api/pkg/export"
	"github.com/noah-isme/sma-presence-api/pkg/jobs"
	"github.com/noah-isme/sma-presence-api/pkg/storage"
)

// ExportJobType tags report export jobs on the worker queue.
const ExportJobType = "report_export"

type exportStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
}

type rankingSource interface {
	SessionRanking(ctx context.Context, req ReportWindow) ([]models.SessionRankingRow, error)
	PointRanking(ctx context.Context, groupID string, req ReportWindow) ([]models.PointRankingRow, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type jobDispatcher interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

// ExportRequest asks for a ranking to be rendered asynchronously.
type ExportRequest struct {
	Kind    string `json:"kind" validate:"required,export_kind"`
	Format  string `json:"format" validate:"required,oneof=csv pdf"`
	Month   string `json:"month"`
	From    string `json:"from"`
	To      string `json:"to"`
	GroupID string `json:"group_id" validate:"omitempty,max=64"`
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	Enabled         bool
	APIPrefix       string
	CleanupInterval time.Duration
}

// ExportDownload is a resolved download token.
type ExportDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	ExpiresAt   time.Time
}

// ExportService queues ranking exports, renders them on the worker queue and
// serves the results through signed download tokens.
type ExportService struct {
	repo      exportStore
	reports   rankingSource
	storage   fileStorage
	signer    *storage.SignedURLSigner
	renderers map[models.ExportFormat]export.Renderer
	queue     jobDispatcher
	metrics   *MetricsService
	clock     clock.Clock
	validator *validator.Validate
	logger    *zap.Logger
	cfg       ExportConfig
}

// NewExportService constructs the export service. The queue is attached
// separately because it needs Handle as its handler.
func NewExportService(repo exportStore, reports rankingSource, store fileStorage, signer *storage.SignedURLSigner, metrics *MetricsService, clk clock.Clock, cfg ExportConfig, validate *validator.Validate, logger *zap.Logger) *ExportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	svc := &ExportService{
		repo:    repo,
		reports: reports,
		storage: store,
		signer:  signer,
		renderers: map[models.ExportFormat]export.Renderer{
			models.ExportFormatCSV: export.NewCSVExporter(),
			models.ExportFormatPDF: export.NewPDFExporter(),
		},
		metrics:   metrics,
		clock:     clk,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
	svc.validator.RegisterValidation("export_kind", func(fl validator.FieldLevel) bool {
		return models.ExportKind(fl.Field().String()).Valid()
	})
	return svc
}

// UseQueue attaches the dispatcher that runs Handle.
func (s *ExportService) UseQueue(queue jobDispatcher) {
	s.queue = queue
}

// Create stores a queued export and hands it to the worker queue.
func (s *ExportService) Create(ctx context.Context, req ExportRequest) (*models.ExportJob, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "report exports are disabled")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export request")
	}
	params, err := exportParams(req)
	if err != nil {
		return nil, err
	}
	job := &models.ExportJob{
		Kind:   models.ExportKind(req.Kind),
		Format: models.ExportFormat(req.Format),
		Params: params,
		Status: models.ExportStatusQueued,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if err := s.dispatch(ctx, job); err != nil {
		s.fail(ctx, job.ID, job.Kind, "failed to enqueue export job")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	return job, nil
}

// Get returns the current state of an export job.
func (s *ExportService) Get(ctx context.Context, id string) (*models.ExportJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	return job, nil
}

// Handle renders one queued export. A returned error lets the queue retry;
// the job goes back to QUEUED with the last error recorded.
func (s *ExportService) Handle(ctx context.Context, qjob jobs.Job) error {
	job, err := s.repo.GetByID(ctx, qjob.ID)
	if err != nil {
		return fmt.Errorf("load export job %s: %w", qjob.ID, err)
	}
	if job.Status == models.ExportStatusFinished || job.Status == models.ExportStatusFailed {
		return nil
	}
	log := s.logger.With(zap.String("export_id", job.ID), zap.String("kind", string(job.Kind)), zap.Int("attempt", qjob.Attempt+1))

	running := models.ExportStatusRunning
	if err := s.repo.Update(ctx, job.ID, repository.UpdateExportParams{Status: &running}); err != nil {
		return fmt.Errorf("mark export running: %w", err)
	}

	url, err := s.generate(ctx, job)
	if err != nil {
		queued := models.ExportStatusQueued
		msg := err.Error()
		if updateErr := s.repo.Update(ctx, job.ID, repository.UpdateExportParams{Status: &queued, ErrorMessage: &msg}); updateErr != nil {
			log.Warn("failed to requeue export job", zap.Error(updateErr))
		}
		return err
	}

	finished := models.ExportStatusFinished
	now := s.clock.Now().UTC()
	clear := ""
	if err := s.repo.Update(ctx, job.ID, repository.UpdateExportParams{
		Status:       &finished,
		ResultURL:    &url,
		ErrorMessage: &clear,
		FinishedAt:   &now,
	}); err != nil {
		return fmt.Errorf("mark export finished: %w", err)
	}
	s.metrics.RecordExport(job.Kind, models.ExportStatusFinished)
	log.Info("export finished")
	return nil
}

// HandleExhausted marks a job failed once the queue gives up on it.
func (s *ExportService) HandleExhausted(ctx context.Context, qjob jobs.Job, cause error) {
	kind := models.ExportKind("")
	if payload, ok := qjob.Payload.(models.ExportKind); ok {
		kind = payload
	}
	s.fail(ctx, qjob.ID, kind, cause.Error())
}

// Download resolves a signed token into the stored file.
func (s *ExportService) Download(ctx context.Context, token string) (*ExportDownload, error) {
	claims, err := s.signer.Parse(token, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download token")
	}
	job, err := s.Get(ctx, claims.ExportID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.ExportStatusFinished || job.ResultURL == nil || !strings.HasSuffix(*job.ResultURL, "/"+token) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export not available")
	}
	renderer, ok := s.renderers[job.Format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInternal, "unsupported export format")
	}
	file, err := s.storage.Open(claims.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	return &ExportDownload{
		File:        file,
		Filename:    path.Base(claims.Path),
		ContentType: renderer.ContentType(),
		ExpiresAt:   claims.ExpiresAt,
	}, nil
}

// Recover re-dispatches queued jobs left behind by a previous process.
func (s *ExportService) Recover(ctx context.Context) int {
	pending, err := s.repo.ListQueued(ctx, 50)
	if err != nil {
		s.logger.Warn("failed to recover queued export jobs", zap.Error(err))
		return 0
	}
	recovered := 0
	for i := range pending {
		if err := s.dispatch(ctx, &pending[i]); err != nil {
			s.logger.Warn("failed to requeue pending export", zap.String("export_id", pending[i].ID), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered
}

// Cleanup deletes export files older than the download token TTL.
func (s *ExportService) Cleanup() ([]string, error) {
	deleted, err := s.storage.CleanupOlderThan(s.signer.TTL())
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		s.logger.Info("expired exports removed", zap.Int("count", len(deleted)))
	}
	return deleted, nil
}

// StartCleanup runs Cleanup every CleanupInterval until ctx is cancelled.
func (s *ExportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Cleanup(); err != nil {
					s.logger.Warn("export cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

func (s *ExportService) dispatch(ctx context.Context, job *models.ExportJob) error {
	if s.queue == nil {
		return fmt.Errorf("export queue not configured")
	}
	return s.queue.Enqueue(ctx, jobs.Job{ID: job.ID, Type: ExportJobType, Payload: job.Kind})
}

func (s *ExportService) fail(ctx context.Context, id string, kind models.ExportKind, message string) {
	failed := models.ExportStatusFailed
	now := s.clock.Now().UTC()
	if err := s.repo.Update(ctx, id, repository.UpdateExportParams{
		Status:       &failed,
		ErrorMessage: &message,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Warn("failed to mark export failed", zap.String("export_id", id), zap.Error(err))
	}
	s.metrics.RecordExport(kind, models.ExportStatusFailed)
}

func (s *ExportService) generate(ctx context.Context, job *models.ExportJob) (string, error) {
	renderer, ok := s.renderers[job.Format]
	if !ok {
		return "", fmt.Errorf("unsupported export format %q", job.Format)
	}
	table, err := s.buildTable(ctx, job)
	if err != nil {
		return "", err
	}
	payload, err := renderer.Render(table)
	if err != nil {
		return "", err
	}
	filename := fmt.Sprintf("%s/%s.%s", job.Kind, job.ID, renderer.Extension())
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return "", err
	}
	token, _, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s.cfg.APIPrefix, "/") + "/exports/" + token, nil
}

func (s *ExportService) buildTable(ctx context.Context, job *models.ExportJob) (export.Table, error) {
	window := ReportWindow{}
	if job.Params.From != nil {
		window.From = models.DateKey(*job.Params.From)
	}
	if job.Params.To != nil {
		window.To = models.DateKey(*job.Params.To)
	}

	switch job.Kind {
	case models.ExportKindSessionRanking:
		rows, err := s.reports.SessionRanking(ctx, window)
		if err != nil {
			return export.Table{}, err
		}
		return sessionRankingTable(rows, job.Params), nil
	case models.ExportKindPointRanking:
		rows, err := s.reports.PointRanking(ctx, job.Params.GroupID, window)
		if err != nil {
			return export.Table{}, err
		}
		return pointRankingTable(rows, job.Params), nil
	default:
		return export.Table{}, fmt.Errorf("unsupported export kind %q", job.Kind)
	}
}

func sessionRankingTable(rows []models.SessionRankingRow, params models.ExportParams) export.Table {
	table := export.Table{
		Title:   "Session Attendance Ranking " + describeWindow(params, "current month"),
		Headers: []string{"Rank", "Subject", "Total", "Present", "Excused", "Sick", "Absent", "Late", "Attendance (%)"},
		Rows:    make([][]string, 0, len(rows)),
	}
	for _, row := range rows {
		table.Rows = append(table.Rows, []string{
			strconv.Itoa(row.Rank),
			displayName(row.SubjectName, row.SubjectID),
			strconv.Itoa(row.Total),
			strconv.Itoa(row.Present),
			strconv.Itoa(row.Excused),
			strconv.Itoa(row.Sick),
			strconv.Itoa(row.Absent),
			strconv.Itoa(row.Late),
			strconv.Itoa(row.Percentage),
		})
	}
	return table
}

func pointRankingTable(rows []models.PointRankingRow, params models.ExportParams) export.Table {
	title := "Merit Point Ranking " + describeWindow(params, "all time")
	if params.GroupID != "" {
		title += " group " + params.GroupID
	}
	table := export.Table{
		Title:   title,
		Headers: []string{"Rank", "Subject", "Merit", "Demerit", "Net"},
		Rows:    make([][]string, 0, len(rows)),
	}
	for _, row := range rows {
		table.Rows = append(table.Rows, []string{
			strconv.Itoa(row.Rank),
			displayName(row.SubjectName, row.SubjectID),
			strconv.Itoa(row.Merit),
			strconv.Itoa(row.Demerit),
			strconv.Itoa(row.Net),
		})
	}
	return table
}

func describeWindow(params models.ExportParams, fallback string) string {
	switch {
	case params.From != nil && params.To != nil:
		return fmt.Sprintf("(%s to %s)", models.DateKey(*params.From), models.DateKey(*params.To))
	case params.From != nil:
		return fmt.Sprintf("(from %s)", models.DateKey(*params.From))
	case params.To != nil:
		return fmt.Sprintf("(until %s)", models.DateKey(*params.To))
	default:
		return "(" + fallback + ")"
	}
}

func displayName(name, id string) string {
	if strings.TrimSpace(name) == "" {
		return id
	}
	return name
}

// exportParams pins the requested window at creation time so a retried job
// renders the same range.
func exportParams(req ExportRequest) (models.ExportParams, error) {
	params := models.ExportParams{GroupID: strings.TrimSpace(req.GroupID)}
	if month := strings.TrimSpace(req.Month); month != "" {
		first, err := time.Parse(monthLayout, month)
		if err != nil {
			return params, appErrors.Clone(appErrors.ErrValidation, "invalid month, expected YYYY-MM")
		}
		window := monthWindow(first)
		params.From, params.To = window.From, window.To
		return params, nil
	}
	if raw := strings.TrimSpace(req.From); raw != "" {
		from, err := time.Parse(dateLayout, raw)
		if err != nil {
			return params, appErrors.Clone(appErrors.ErrValidation, "invalid from date, expected YYYY-MM-DD")
		}
		params.From = &from
	}
	if raw := strings.TrimSpace(req.To); raw != "" {
		to, err := time.Parse(dateLayout, raw)
		if err != nil {
			return params, appErrors.Clone(appErrors.ErrValidation, "invalid to date, expected YYYY-MM-DD")
		}
		params.To = &to
	}
	if params.From != nil && params.To != nil && params.From.After(*params.To) {
		return params, appErrors.Clone(appErrors.ErrValidation, "from must not be after to")
	}
	return params, nil
}
