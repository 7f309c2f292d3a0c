package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/internal/service"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
	"github.com/noah-isme/cca-portal-api/pkg/response"
)

type rolloverService interface {
	Start(ctx context.Context, req dto.StartRolloverRequest, actor *models.JWTClaims) (*models.RolloverRun, error)
	Status(ctx context.Context, id string) (*dto.RolloverResponse, error)
	OpenBackup(ctx context.Context, token string) (*service.BackupDownload, error)
}

// RolloverHandler exposes term rollover endpoints.
type RolloverHandler struct {
	service rolloverService
}

// NewRolloverHandler constructs the handler.
func NewRolloverHandler(service rolloverService) *RolloverHandler {
	return &RolloverHandler{service: service}
}

// Start godoc
// @Summary Back up and clear every selection for the next term
// @Tags Rollover
// @Accept json
// @Produce json
// @Param payload body dto.StartRolloverRequest true "Typed confirmation"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /admin/rollover [post]
func (h *RolloverHandler) Start(c *gin.Context) {
	var req dto.StartRolloverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid rollover payload"))
		return
	}
	run, err := h.service.Start(c.Request.Context(), req, callerClaims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, run)
}

// Status godoc
// @Summary Get rollover progress
// @Tags Rollover
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /admin/rollover/{id} [get]
func (h *RolloverHandler) Status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Download godoc
// @Summary Download a rollover backup
// @Tags Rollover
// @Produce text/csv
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /admin/rollover/backups/{token} [get]
func (h *RolloverHandler) Download(c *gin.Context) {
	download, err := h.service.OpenBackup(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck
	response.Attachment(c, download.Filename, "text/csv", download.Size, download.File)
}
