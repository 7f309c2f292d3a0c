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

type catalogService interface {
	ListActivities(ctx context.Context, query dto.ActivityListQuery) ([]models.Activity, error)
	CreateActivity(ctx context.Context, req dto.ActivityRequest) (*models.Activity, error)
	UpdateActivity(ctx context.Context, id string, req dto.ActivityRequest) (*models.Activity, error)
	DeleteActivity(ctx context.Context, id string) error
	ListClasses(ctx context.Context) ([]models.Class, error)
	CreateClass(ctx context.Context, req dto.CreateClassRequest) (*models.Class, error)
	SetClassActivities(ctx context.Context, classID string, req dto.SetClassActivitiesRequest) (*models.Class, error)
	ListVendors(ctx context.Context) ([]models.VendorDetail, error)
	CreateVendor(ctx context.Context, req dto.VendorRequest) (*models.Vendor, error)
	DeleteVendor(ctx context.Context, id string) error
}

// CatalogHandler manages activities, classes and vendors.
type CatalogHandler struct {
	service catalogService
}

// NewCatalogHandler constructs the handler.
func NewCatalogHandler(service catalogService) *CatalogHandler {
	return &CatalogHandler{service: service}
}

// ListActivities godoc
// @Summary List activities
// @Tags Catalog
// @Produce json
// @Param vendor_id query string false "Filter by vendor"
// @Param active_only query bool false "Only active activities"
// @Success 200 {object} response.Envelope
// @Router /admin/activities [get]
func (h *CatalogHandler) ListActivities(c *gin.Context) {
	var query dto.ActivityListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	items, err := h.service.ListActivities(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// CreateActivity godoc
// @Summary Create activity
// @Tags Catalog
// @Accept json
// @Produce json
// @Param payload body dto.ActivityRequest true "Activity payload"
// @Success 201 {object} response.Envelope
// @Router /admin/activities [post]
func (h *CatalogHandler) CreateActivity(c *gin.Context) {
	var req dto.ActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid activity payload"))
		return
	}
	activity, err := h.service.CreateActivity(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, activity)
}

// UpdateActivity godoc
// @Summary Update activity
// @Tags Catalog
// @Accept json
// @Produce json
// @Param id path string true "Activity ID"
// @Param payload body dto.ActivityRequest true "Activity payload"
// @Success 200 {object} response.Envelope
// @Router /admin/activities/{id} [put]
func (h *CatalogHandler) UpdateActivity(c *gin.Context) {
	var req dto.ActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid activity payload"))
		return
	}
	activity, err := h.service.UpdateActivity(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, activity, nil)
}

// DeleteActivity godoc
// @Summary Delete an activity nobody is enrolled in
// @Tags Catalog
// @Param id path string true "Activity ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /admin/activities/{id} [delete]
func (h *CatalogHandler) DeleteActivity(c *gin.Context) {
	if err := h.service.DeleteActivity(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ListClasses godoc
// @Summary List classes
// @Tags Catalog
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/classes [get]
func (h *CatalogHandler) ListClasses(c *gin.Context) {
	items, err := h.service.ListClasses(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// CreateClass godoc
// @Summary Create class
// @Tags Catalog
// @Accept json
// @Produce json
// @Param payload body dto.CreateClassRequest true "Class payload"
// @Success 201 {object} response.Envelope
// @Router /admin/classes [post]
func (h *CatalogHandler) CreateClass(c *gin.Context) {
	var req dto.CreateClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid class payload"))
		return
	}
	class, err := h.service.CreateClass(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, class)
}

// SetClassActivities godoc
// @Summary Replace the activities a class may select
// @Tags Catalog
// @Accept json
// @Produce json
// @Param id path string true "Class ID"
// @Param payload body dto.SetClassActivitiesRequest true "Allow-list"
// @Success 200 {object} response.Envelope
// @Router /admin/classes/{id}/activities [put]
func (h *CatalogHandler) SetClassActivities(c *gin.Context) {
	var req dto.SetClassActivitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid allow-list payload"))
		return
	}
	class, err := h.service.SetClassActivities(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, class, nil)
}

// ListVendors godoc
// @Summary List vendors
// @Tags Catalog
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/vendors [get]
func (h *CatalogHandler) ListVendors(c *gin.Context) {
	items, err := h.service.ListVendors(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// CreateVendor godoc
// @Summary Create vendor
// @Tags Catalog
// @Accept json
// @Produce json
// @Param payload body dto.VendorRequest true "Vendor payload"
// @Success 201 {object} response.Envelope
// @Router /admin/vendors [post]
func (h *CatalogHandler) CreateVendor(c *gin.Context) {
	var req dto.VendorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid vendor payload"))
		return
	}
	vendor, err := h.service.CreateVendor(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, vendor)
}

// DeleteVendor godoc
// @Summary Delete a vendor without activities
// @Tags Catalog
// @Param id path string true "Vendor ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /admin/vendors/{id} [delete]
func (h *CatalogHandler) DeleteVendor(c *gin.Context) {
	if err := h.service.DeleteVendor(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
