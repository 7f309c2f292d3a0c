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

type enrollmentService interface {
	Submit(ctx context.Context, identity models.Identity, req dto.SubmitSelectionRequest) (*dto.SubmitSelectionResponse, error)
	GetSelection(ctx context.Context, studentID string) (*models.Selection, error)
	Availability(ctx context.Context, classID string) ([]models.ActivityAvailability, error)
}

// EnrollmentHandler exposes the student selection endpoints.
type EnrollmentHandler struct {
	service enrollmentService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(service enrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{service: service}
}

// Availability godoc
// @Summary List activities with advisory seat counts
// @Tags Enrollment
// @Produce json
// @Param class_id query string false "Limit to the class allow-list"
// @Success 200 {object} response.Envelope
// @Router /activities/availability [get]
func (h *EnrollmentHandler) Availability(c *gin.Context) {
	items, err := h.service.Availability(c.Request.Context(), c.Query("class_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// GetMine godoc
// @Summary Get the caller's selection record
// @Tags Enrollment
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /me/selection [get]
func (h *EnrollmentHandler) GetMine(c *gin.Context) {
	claims, ok := requireCaller(c)
	if !ok {
		return
	}
	selection, err := h.service.GetSelection(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, selection, nil)
}

// Submit godoc
// @Summary Submit the caller's full activity selection
// @Tags Enrollment
// @Accept json
// @Produce json
// @Param payload body dto.SubmitSelectionRequest true "Desired activities"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /me/selection [post]
func (h *EnrollmentHandler) Submit(c *gin.Context) {
	identity, ok := requireStudent(c)
	if !ok {
		return
	}
	var req dto.SubmitSelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid selection payload"))
		return
	}
	result, err := h.service.Submit(c.Request.Context(), identity, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
