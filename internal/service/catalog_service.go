package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/pkg/database"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

type activityStore interface {
	List(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error)
	FindByID(ctx context.Context, id string) (*models.Activity, error)
	Create(ctx context.Context, activity *models.Activity) error
	Update(ctx context.Context, activity *models.Activity) error
	DeleteIfEmpty(ctx context.Context, id string) error
	CountByVendor(ctx context.Context, vendorID string) (int, error)
}

type classStore interface {
	List(ctx context.Context) ([]models.Class, error)
	FindByID(ctx context.Context, id string) (*models.Class, error)
	ExistsByName(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, class *models.Class) error
	UpdateAllowedActivities(ctx context.Context, class *models.Class) error
}

type vendorStore interface {
	List(ctx context.Context) ([]models.VendorDetail, error)
	FindByID(ctx context.Context, id string) (*models.Vendor, error)
	Create(ctx context.Context, vendor *models.Vendor) error
	Delete(ctx context.Context, id string) error
}

// CatalogService manages activities, classes and vendors.
// It never writes enrolled counters; those belong to the enrollment ledger.
type CatalogService struct {
	activities activityStore
	classes    classStore
	vendors    vendorStore
	cache      *CacheService
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewCatalogService constructs the service.
func NewCatalogService(activities activityStore, classes classStore, vendors vendorStore, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *CatalogService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{activities: activities, classes: classes, vendors: vendors, cache: cache, validator: validate, logger: logger}
}

// ListActivities returns activities matching the query.
func (s *CatalogService) ListActivities(ctx context.Context, query dto.ActivityListQuery) ([]models.Activity, error) {
	activities, err := s.activities.List(ctx, models.ActivityFilter{VendorID: query.VendorID, ActiveOnly: query.ActiveOnly})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list activities")
	}
	return activities, nil
}

// GetActivity returns a single activity.
func (s *CatalogService) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	activity, err := s.activities.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ForEntity(appErrors.ErrNotFound, id, fmt.Sprintf("activity %s not found", id))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
	}
	return activity, nil
}

// CreateActivity adds an activity with an empty seat counter.
func (s *CatalogService) CreateActivity(ctx context.Context, req dto.ActivityRequest) (*models.Activity, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid activity payload")
	}
	if err := s.ensureVendor(ctx, req.VendorID); err != nil {
		return nil, err
	}
	activity := &models.Activity{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		VendorID:    normaliseVendorID(req.VendorID),
		MaxSeats:    req.MaxSeats,
		Active:      req.Active == nil || *req.Active,
	}
	if err := s.activities.Create(ctx, activity); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create activity")
	}
	s.cache.Invalidate(ctx, availabilityCacheKey)
	s.logger.Info("activity created", zap.String("activity_id", activity.ID), zap.String("name", activity.Name))
	return activity, nil
}

// UpdateActivity edits descriptive fields and the seat cap. A cap below the current occupancy is rejected.
func (s *CatalogService) UpdateActivity(ctx context.Context, id string, req dto.ActivityRequest) (*models.Activity, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid activity payload")
	}
	activity, err := s.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.MaxSeats > 0 && req.MaxSeats < activity.EnrolledCount {
		return nil, seatCapError(activity)
	}
	if err := s.ensureVendor(ctx, req.VendorID); err != nil {
		return nil, err
	}

	activity.Name = strings.TrimSpace(req.Name)
	activity.Description = req.Description
	activity.VendorID = normaliseVendorID(req.VendorID)
	activity.MaxSeats = req.MaxSeats
	if req.Active != nil {
		activity.Active = *req.Active
	}
	if err := s.activities.Update(ctx, activity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// seats were taken between the read and the update
			if latest, findErr := s.activities.FindByID(ctx, id); findErr == nil {
				return nil, seatCapError(latest)
			}
			return nil, appErrors.ForEntity(appErrors.ErrNotFound, id, fmt.Sprintf("activity %s not found", id))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update activity")
	}
	s.cache.Invalidate(ctx, availabilityCacheKey)
	return activity, nil
}

// DeleteActivity removes an activity nobody is enrolled in.
func (s *CatalogService) DeleteActivity(ctx context.Context, id string) error {
	activity, err := s.GetActivity(ctx, id)
	if err != nil {
		return err
	}
	if activity.EnrolledCount > 0 {
		return occupiedError(activity)
	}
	if err := s.activities.DeleteIfEmpty(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// a student took a seat between the read and the delete
			if latest, findErr := s.activities.FindByID(ctx, id); findErr == nil {
				return occupiedError(latest)
			}
			return appErrors.ForEntity(appErrors.ErrNotFound, id, fmt.Sprintf("activity %s not found", id))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete activity")
	}
	s.cache.Invalidate(ctx, availabilityCacheKey)
	s.logger.Info("activity deleted", zap.String("activity_id", id))
	return nil
}

func seatCapError(activity *models.Activity) error {
	return appErrors.ForEntity(appErrors.ErrValidation, activity.ID,
		fmt.Sprintf("%s already has %d students enrolled; max seats cannot drop below that", activity.Name, activity.EnrolledCount))
}

func occupiedError(activity *models.Activity) error {
	return appErrors.ForEntity(appErrors.ErrOperationGuarded, activity.ID,
		fmt.Sprintf("%s still has %d students enrolled; remove them first", activity.Name, activity.EnrolledCount))
}

// ListClasses returns every class with its allow-list.
func (s *CatalogService) ListClasses(ctx context.Context) ([]models.Class, error) {
	classes, err := s.classes.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classes")
	}
	return classes, nil
}

// CreateClass adds a class, validating the initial allow-list.
func (s *CatalogService) CreateClass(ctx context.Context, req dto.CreateClassRequest) (*models.Class, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class payload")
	}
	name := strings.TrimSpace(req.Name)
	exists, err := s.classes.ExistsByName(ctx, name)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check class name")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("class %s already exists", name))
	}
	ids, err := s.ensureActivities(ctx, req.ActivityIDs)
	if err != nil {
		return nil, err
	}
	class := &models.Class{Name: name, AllowedActivityIDs: ids}
	if err := s.classes.Create(ctx, class); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create class")
	}
	return class, nil
}

// SetClassActivities replaces the allow-list of a class. Existing selections are left as they are.
func (s *CatalogService) SetClassActivities(ctx context.Context, classID string, req dto.SetClassActivitiesRequest) (*models.Class, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid allow-list payload")
	}
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ForEntity(appErrors.ErrNotFound, classID, fmt.Sprintf("class %s not found", classID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	ids, err := s.ensureActivities(ctx, req.ActivityIDs)
	if err != nil {
		return nil, err
	}
	class.AllowedActivityIDs = ids
	if err := s.classes.UpdateAllowedActivities(ctx, class); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update class activities")
	}
	s.cache.Invalidate(ctx, availabilityCacheKey)
	return class, nil
}

// ListVendors returns vendors with their activity counts.
func (s *CatalogService) ListVendors(ctx context.Context) ([]models.VendorDetail, error) {
	vendors, err := s.vendors.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list vendors")
	}
	return vendors, nil
}

// CreateVendor registers a vendor.
func (s *CatalogService) CreateVendor(ctx context.Context, req dto.VendorRequest) (*models.Vendor, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid vendor payload")
	}
	vendor := &models.Vendor{
		Name:            strings.TrimSpace(req.Name),
		ContactPerson:   req.ContactPerson,
		ContactNumber:   req.ContactNumber,
		BankName:        req.BankName,
		BankAccountName: req.BankAccountName,
		AccountNumber:   req.AccountNumber,
	}
	if err := s.vendors.Create(ctx, vendor); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create vendor")
	}
	return vendor, nil
}

// DeleteVendor removes a vendor that no activity references.
func (s *CatalogService) DeleteVendor(ctx context.Context, id string) error {
	vendor, err := s.vendors.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ForEntity(appErrors.ErrNotFound, id, fmt.Sprintf("vendor %s not found", id))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load vendor")
	}
	count, err := s.activities.CountByVendor(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count vendor activities")
	}
	if count > 0 {
		return vendorInUse(vendor, count)
	}
	if err := s.vendors.Delete(ctx, id); err != nil {
		if database.IsForeignKeyViolation(err) {
			return vendorInUse(vendor, count+1)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ForEntity(appErrors.ErrNotFound, id, fmt.Sprintf("vendor %s not found", id))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete vendor")
	}
	return nil
}

func vendorInUse(vendor *models.Vendor, count int) error {
	return appErrors.ForEntity(appErrors.ErrOperationGuarded, vendor.ID,
		fmt.Sprintf("vendor %s still has %d activities assigned", vendor.Name, count))
}

func (s *CatalogService) ensureVendor(ctx context.Context, vendorID *string) error {
	id := normaliseVendorID(vendorID)
	if id == nil {
		return nil
	}
	if _, err := s.vendors.FindByID(ctx, *id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ForEntity(appErrors.ErrValidation, *id, fmt.Sprintf("vendor %s not found", *id))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load vendor")
	}
	return nil
}

// ensureActivities dedupes ids and checks that each one exists.
func (s *CatalogService) ensureActivities(ctx context.Context, ids []string) ([]string, error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return []string{}, nil
	}
	found, err := s.activities.List(ctx, models.ActivityFilter{IDs: unique})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activities")
	}
	known := make(map[string]struct{}, len(found))
	for _, activity := range found {
		known[activity.ID] = struct{}{}
	}
	for _, id := range unique {
		if _, ok := known[id]; !ok {
			return nil, appErrors.ForEntity(appErrors.ErrValidation, id, fmt.Sprintf("activity %s not found", id))
		}
	}
	return unique, nil
}

func normaliseVendorID(id *string) *string {
	if id == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*id)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
