package handler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/internal/service"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
)

type exportServiceMock struct {
	lastRequest service.ExportRequest
	job         *models.ExportJob
	download    *service.ExportDownload
	err         error
}

func (m *exportServiceMock) Create(_ context.Context, req service.ExportRequest) (*models.ExportJob, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.ExportJob{ID: "exp-1", Kind: models.ExportKind(req.Kind), Format: models.ExportFormat(req.Format), Status: models.ExportStatusQueued}, nil
}

func (m *exportServiceMock) Get(context.Context, string) (*models.ExportJob, error) {
	return m.job, m.err
}

func (m *exportServiceMock) Download(context.Context, string) (*service.ExportDownload, error) {
	return m.download, m.err
}

func TestExportHandlerCreate(t *testing.T) {
	mock := &exportServiceMock{}
	h := NewExportHandler(mock)

	c, w := newGinContext(http.MethodPost, "/reports/exports", []byte(`{"kind":"point_ranking","format":"pdf","group_id":"grp-1"}`))
	h.Create(c)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "grp-1", mock.lastRequest.GroupID)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "QUEUED", data["status"])
}

func TestExportHandlerCreateDisabled(t *testing.T) {
	h := NewExportHandler(&exportServiceMock{err: appErrors.Clone(appErrors.ErrFeatureDisabled, "report exports are disabled")})
	c, w := newGinContext(http.MethodPost, "/reports/exports", []byte(`{"kind":"point_ranking","format":"csv"}`))
	h.Create(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportHandlerStatusHidesErrorUntilFailed(t *testing.T) {
	msg := "snapshot failed"
	h := NewExportHandler(&exportServiceMock{job: &models.ExportJob{ID: "exp-1", Status: models.ExportStatusQueued, ErrorMessage: &msg}})

	c, w := newGinContext(http.MethodGet, "/reports/exports/exp-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "exp-1"}}
	h.Status(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.NotContains(t, data, "error")
}

func TestExportHandlerDownload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp-1.csv")
	require.NoError(t, os.WriteFile(path, []byte("Rank,Subject\n1,Ani\n"), 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)

	h := NewExportHandler(&exportServiceMock{download: &service.ExportDownload{
		File:        file,
		Filename:    "exp-1.csv",
		ContentType: "text/csv",
		ExpiresAt:   time.Now().Add(time.Hour),
	}})
	c, w := newGinContext(http.MethodGet, "/exports/token", nil)
	c.Params = gin.Params{{Key: "token", Value: "token"}}
	h.Download(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="exp-1.csv"`)
	assert.Equal(t, "Rank,Subject\n1,Ani\n", w.Body.String())
}

func TestExportHandlerDownloadForbidden(t *testing.T) {
	h := NewExportHandler(&exportServiceMock{err: appErrors.Clone(appErrors.ErrForbidden, "invalid download token")})
	c, w := newGinContext(http.MethodGet, "/exports/bad", nil)
	c.Params = gin.Params{{Key: "token", Value: "bad"}}
	h.Download(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
