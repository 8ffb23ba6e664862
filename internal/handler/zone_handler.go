package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-presence-api/internal/dto"
	"github.com/noah-isme/sma-presence-api/internal/models"
	"github.com/noah-isme/sma-presence-api/internal/service"
	appErrors "github.com/noah-isme/sma-presence-api/pkg/errors"
	"github.com/noah-isme/sma-presence-api/pkg/response"
)

type zoneService interface {
	List(ctx context.Context) ([]models.Zone, error)
	ActiveZones(ctx context.Context) ([]models.Zone, error)
	Get(ctx context.Context, id string) (*models.Zone, error)
	Create(ctx context.Context, req service.ZoneRequest) (*models.Zone, error)
	Update(ctx context.Context, id string, req service.ZoneRequest) (*models.Zone, error)
	Delete(ctx context.Context, id string) error
	Check(ctx context.Context, coordinate models.Coordinate) (*models.GeofenceDecision, error)
}

// ZoneHandler manages attendance zones.
type ZoneHandler struct {
	service zoneService
}

// NewZoneHandler builds a zone handler.
func NewZoneHandler(service zoneService) *ZoneHandler {
	return &ZoneHandler{service: service}
}

// List godoc
// @Summary List zones
// @Tags Zones
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /zones [get]
func (h *ZoneHandler) List(c *gin.Context) {
	zones, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, zones, nil)
}

// Active godoc
// @Summary List active zones
// @Tags Zones
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /zones/active [get]
func (h *ZoneHandler) Active(c *gin.Context) {
	zones, err := h.service.ActiveZones(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, zones, nil)
}

// Get godoc
// @Summary Get zone
// @Tags Zones
// @Produce json
// @Param id path string true "Zone ID"
// @Success 200 {object} response.Envelope
// @Router /zones/{id} [get]
func (h *ZoneHandler) Get(c *gin.Context) {
	zone, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, zone, nil)
}

// Create godoc
// @Summary Create zone
// @Tags Zones
// @Accept json
// @Produce json
// @Param payload body dto.ZoneRequest true "Zone payload"
// @Success 201 {object} response.Envelope
// @Router /zones [post]
func (h *ZoneHandler) Create(c *gin.Context) {
	req, ok := bindZone(c)
	if !ok {
		return
	}
	zone, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, zone)
}

// Update godoc
// @Summary Update zone
// @Tags Zones
// @Accept json
// @Produce json
// @Param id path string true "Zone ID"
// @Param payload body dto.ZoneRequest true "Zone payload"
// @Success 200 {object} response.Envelope
// @Router /zones/{id} [put]
func (h *ZoneHandler) Update(c *gin.Context) {
	req, ok := bindZone(c)
	if !ok {
		return
	}
	zone, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, zone, nil)
}

// Delete godoc
// @Summary Delete zone
// @Tags Zones
// @Param id path string true "Zone ID"
// @Success 204
// @Router /zones/{id} [delete]
func (h *ZoneHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Check godoc
// @Summary Check a coordinate against the active zones
// @Description Does not record anything.
// @Tags Zones
// @Accept json
// @Produce json
// @Param payload body models.Coordinate true "Observed position"
// @Success 200 {object} response.Envelope
// @Router /zones/check [post]
func (h *ZoneHandler) Check(c *gin.Context) {
	var coordinate models.Coordinate
	if err := c.ShouldBindJSON(&coordinate); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid coordinate payload"))
		return
	}
	decision, err := h.service.Check(c.Request.Context(), coordinate)
	if err != nil {
		response.Error(c, err)
		return
	}
	resp := dto.ZoneCheckResponse{Admitted: decision.Admitted, DistanceMeters: decision.DistanceMeters}
	if decision.NearestZone != nil {
		resp.NearestZoneID = decision.NearestZone.ID
		resp.NearestZone = decision.NearestZone.Name
		resp.RadiusMeters = decision.NearestZone.RadiusMeters
	}
	response.JSON(c, http.StatusOK, resp, nil)
}

func bindZone(c *gin.Context) (service.ZoneRequest, bool) {
	var req dto.ZoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid zone payload"))
		return service.ZoneRequest{}, false
	}
	return service.ZoneRequest{
		Name:         req.Name,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		RadiusMeters: req.RadiusMeters,
		Active:       req.Active,
	}, true
}
