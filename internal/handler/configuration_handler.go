package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
	"github.com/noah-isme/cca-portal-api/pkg/response"
)

type configurationService interface {
	EnrollmentSettings(ctx context.Context) (*models.EnrollmentSettings, error)
	UpdateEnrollmentSettings(ctx context.Context, req dto.UpdateEnrollmentSettingsRequest, actor *models.JWTClaims) (*models.EnrollmentSettings, error)
}

// ConfigurationHandler exposes enrollment settings endpoints.
type ConfigurationHandler struct {
	service configurationService
}

// NewConfigurationHandler builds a new handler.
func NewConfigurationHandler(service configurationService) *ConfigurationHandler {
	return &ConfigurationHandler{service: service}
}

// GetEnrollment godoc
// @Summary Get selection limits and registration window
// @Tags Configuration
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/settings/enrollment [get]
func (h *ConfigurationHandler) GetEnrollment(c *gin.Context) {
	settings, err := h.service.EnrollmentSettings(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, settings, nil)
}

// UpdateEnrollment godoc
// @Summary Update selection limits or open/close registration
// @Tags Configuration
// @Accept json
// @Produce json
// @Param payload body dto.UpdateEnrollmentSettingsRequest true "Settings patch"
// @Success 200 {object} response.Envelope
// @Router /admin/settings/enrollment [put]
func (h *ConfigurationHandler) UpdateEnrollment(c *gin.Context) {
	var req dto.UpdateEnrollmentSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid settings payload"))
		return
	}
	settings, err := h.service.UpdateEnrollmentSettings(c.Request.Context(), req, callerClaims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, settings, nil)
}
