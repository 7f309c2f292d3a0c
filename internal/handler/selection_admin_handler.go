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

type compensationService interface {
	ListSelections(ctx context.Context, filter models.SelectionFilter) ([]models.Selection, *models.Pagination, error)
	RemoveActivity(ctx context.Context, studentID, activityID string) (*models.Selection, error)
	ResetStudent(ctx context.Context, studentID string) (*dto.ResetStudentResponse, error)
}

// SelectionAdminHandler exposes admin views and reversals of student selections.
type SelectionAdminHandler struct {
	service compensationService
}

// NewSelectionAdminHandler constructs the handler.
func NewSelectionAdminHandler(service compensationService) *SelectionAdminHandler {
	return &SelectionAdminHandler{service: service}
}

// List godoc
// @Summary List selection records
// @Tags Admin
// @Produce json
// @Param search query string false "Match student name or email"
// @Param class_id query string false "Filter by class"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/selections [get]
func (h *SelectionAdminHandler) List(c *gin.Context) {
	var query dto.SelectionListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	items, pagination, err := h.service.ListSelections(c.Request.Context(), models.SelectionFilter{
		Search:   query.Search,
		ClassID:  query.ClassID,
		Page:     query.Page,
		PageSize: query.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// RemoveActivity godoc
// @Summary Remove one activity from a student's selection
// @Tags Admin
// @Produce json
// @Param studentId path string true "Student ID"
// @Param activityId path string true "Activity ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/selections/{studentId}/activities/{activityId} [delete]
func (h *SelectionAdminHandler) RemoveActivity(c *gin.Context) {
	selection, err := h.service.RemoveActivity(c.Request.Context(), c.Param("studentId"), c.Param("activityId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, selection, nil)
}

// Reset godoc
// @Summary Delete a student's selection and release every seat
// @Tags Admin
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /admin/selections/{studentId} [delete]
func (h *SelectionAdminHandler) Reset(c *gin.Context) {
	result, err := h.service.ResetStudent(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
