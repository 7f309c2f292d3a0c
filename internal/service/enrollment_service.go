package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/internal/repository"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

const availabilityCacheKey = "availability"

type ledgerStore interface {
	WithinTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error
	FindSelection(ctx context.Context, studentID string) (*models.Selection, error)
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type activityLister interface {
	List(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error)
}

type enrollmentSettingsReader interface {
	EnrollmentSettings(ctx context.Context) (*models.EnrollmentSettings, error)
}

// EnrollmentServiceConfig tunes the enrollment protocol.
type EnrollmentServiceConfig struct {
	// LockConfirmed keeps committed activities in every later submission.
	LockConfirmed   bool
	Retry           RetryPolicy
	AvailabilityTTL time.Duration
	// Gate refuses submissions while a term rollover is running.
	Gate *RolloverGate
}

// EnrollmentService validates and commits student activity selections against the capacity ledger.
type EnrollmentService struct {
	ledger     ledgerStore
	classes    classReader
	activities activityLister
	settings   enrollmentSettingsReader
	cache      *CacheService
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	cfg        EnrollmentServiceConfig
	now        func() time.Time
}

// NewEnrollmentService constructs the service.
func NewEnrollmentService(ledger ledgerStore, classes classReader, activities activityLister, settings enrollmentSettingsReader, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg EnrollmentServiceConfig) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		ledger:     ledger,
		classes:    classes,
		activities: activities,
		settings:   settings,
		cache:      cache,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit commits the student's full desired activity set. Only activities not already held take a seat;
// either every new seat is taken and the record written, or nothing changes.
func (s *EnrollmentService) Submit(ctx context.Context, identity models.Identity, req dto.SubmitSelectionRequest) (*dto.SubmitSelectionResponse, error) {
	resp, err := s.submit(ctx, identity, req)
	s.metrics.RecordEnrollment(outcomeOf(resp, err))
	return resp, err
}

func (s *EnrollmentService) submit(ctx context.Context, identity models.Identity, req dto.SubmitSelectionRequest) (*dto.SubmitSelectionResponse, error) {
	if identity.UserID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid selection payload")
	}
	desired := dedupe(req.ActivityIDs)
	if err := s.cfg.Gate.Check("submitting selections"); err != nil {
		return nil, err
	}

	settings, err := s.settings.EnrollmentSettings(ctx)
	if err != nil {
		return nil, err
	}
	if len(desired) > settings.MaxSelections {
		return nil, appErrors.ForEntity(appErrors.ErrValidation, identity.UserID,
			fmt.Sprintf("select at most %d activities, got %d", settings.MaxSelections, len(desired)))
	}
	if len(desired) < settings.MinSelections {
		return nil, appErrors.ForEntity(appErrors.ErrValidation, identity.UserID,
			fmt.Sprintf("select at least %d activities, got %d", settings.MinSelections, len(desired)))
	}
	if !settings.RegistrationOpen {
		return nil, appErrors.Clone(appErrors.ErrValidation, "registration is closed")
	}

	class, err := s.classes.FindByID(ctx, req.ClassID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ForEntity(appErrors.ErrNotFound, req.ClassID, fmt.Sprintf("class %s not found", req.ClassID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	labels := s.activityLabels(ctx, desired)
	for _, id := range desired {
		if !class.Allows(id) {
			return nil, appErrors.ForEntity(appErrors.ErrValidation, id,
				fmt.Sprintf("%s is not offered to class %s", labelFor(labels, id), class.Name))
		}
	}

	existing, err := s.ledger.FindSelection(ctx, identity.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load selection")
	}
	if err := s.checkPolicy(existing, class, desired); err != nil {
		return nil, err
	}

	var resp *dto.SubmitSelectionResponse
	err = runWithRetry(ctx, s.cfg.Retry, s.metrics, s.logger, "submit_selection", func(ctx context.Context) error {
		var txErr error
		resp, txErr = s.commit(ctx, identity, class, desired, labels)
		return txErr
	})
	if err != nil {
		return nil, normaliseLedgerError(err, "failed to submit selection")
	}

	if len(resp.Added) > 0 || len(resp.Released) > 0 {
		s.cache.Invalidate(ctx, availabilityCacheKey)
	}
	s.logger.Info("selection committed",
		zap.String("student_uid", identity.UserID),
		zap.String("class_id", class.ID),
		zap.Strings("added", resp.Added),
		zap.Strings("released", resp.Released),
	)
	return resp, nil
}

// commit is one attempt of the atomic unit. Every decision is re-derived from reads inside the transaction.
// labels holds display names resolved before the transaction for error messages.
func (s *EnrollmentService) commit(ctx context.Context, identity models.Identity, class *models.Class, desired []string, labels map[string]string) (*dto.SubmitSelectionResponse, error) {
	var resp *dto.SubmitSelectionResponse
	err := s.ledger.WithinTx(ctx, func(tx repository.LedgerTx) error {
		if err := s.cfg.Gate.Check("submitting selections"); err != nil {
			return err
		}
		open, found, err := tx.RegistrationOpen(ctx)
		if err != nil {
			return err
		}
		if found && !open {
			return appErrors.Clone(appErrors.ErrValidation, "registration is closed")
		}
		if err := tx.LockStudent(ctx, identity.UserID); err != nil {
			return err
		}
		current, err := tx.GetSelection(ctx, identity.UserID)
		if err != nil {
			return err
		}
		if err := s.checkPolicy(current, class, desired); err != nil {
			return err
		}

		previous := current.CommittedActivities()
		desiredSet := make(map[string]struct{}, len(desired))
		for _, id := range desired {
			desiredSet[id] = struct{}{}
		}
		toIncrement := make([]string, 0, len(desired))
		for _, id := range desired {
			if !previous.Contains(id) {
				toIncrement = append(toIncrement, id)
			}
		}
		toRelease := make([]string, 0)
		for _, ref := range previous {
			if _, keep := desiredSet[ref.ID]; !keep {
				toRelease = append(toRelease, ref.ID)
			}
		}

		locked, err := tx.GetActivities(ctx, sortedCopy(toIncrement))
		if err != nil {
			return err
		}
		for _, id := range toIncrement {
			activity, ok := locked[id]
			if !ok {
				return appErrors.ForEntity(appErrors.ErrNotFound, id, fmt.Sprintf("%s no longer exists", labelFor(labels, id)))
			}
			if !activity.Active {
				return appErrors.ForEntity(appErrors.ErrValidation, id, fmt.Sprintf("%s is not open for registration", activity.Name))
			}
			if activity.IsFull() {
				return appErrors.ForEntity(appErrors.ErrCapacityExceeded, id, fmt.Sprintf("%s is sold out", activity.Name))
			}
		}

		for _, id := range sortedCopy(toIncrement) {
			if err := tx.AdjustEnrolled(ctx, id, 1); err != nil {
				return err
			}
		}
		for _, id := range sortedCopy(toRelease) {
			if err := tx.AdjustEnrolled(ctx, id, -1); err != nil {
				return err
			}
		}

		refs := make(models.ActivityRefs, 0, len(desired))
		for _, id := range desired {
			if activity, ok := locked[id]; ok {
				refs = append(refs, activity.Ref())
				continue
			}
			for _, ref := range previous {
				if ref.ID == id {
					refs = append(refs, ref)
					break
				}
			}
		}

		selection := &models.Selection{
			StudentUID:   identity.UserID,
			StudentName:  identity.DisplayName,
			StudentEmail: identity.Email,
			ClassID:      class.ID,
			Activities:   refs,
			SubmittedAt:  s.now(),
			Status:       models.SelectionStatusSubmitted,
		}
		if err := tx.SaveSelection(ctx, selection); err != nil {
			return err
		}
		resp = &dto.SubmitSelectionResponse{Selection: selection, Added: toIncrement, Released: toRelease}
		return nil
	})
	return resp, err
}

// checkPolicy enforces the class lock and, when enabled, the confirmed-activity lock.
func (s *EnrollmentService) checkPolicy(existing *models.Selection, class *models.Class, desired []string) error {
	if !existing.Counts() {
		return nil
	}
	if existing.ClassID != "" && existing.ClassID != class.ID {
		return appErrors.ForEntity(appErrors.ErrValidation, existing.ClassID,
			"class cannot be changed after submitting; ask an administrator to reset your selection")
	}
	if !s.cfg.LockConfirmed {
		return nil
	}
	wanted := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		wanted[id] = struct{}{}
	}
	for _, ref := range existing.Activities {
		if _, ok := wanted[ref.ID]; !ok {
			return appErrors.ForEntity(appErrors.ErrValidation, ref.ID,
				fmt.Sprintf("%s is confirmed and cannot be removed", ref.Name))
		}
	}
	return nil
}

// GetSelection returns the student's current record.
func (s *EnrollmentService) GetSelection(ctx context.Context, studentID string) (*models.Selection, error) {
	selection, err := s.ledger.FindSelection(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load selection")
	}
	if selection == nil {
		return nil, appErrors.ForEntity(appErrors.ErrNotFound, studentID, "no selection submitted yet")
	}
	return selection, nil
}

// Availability lists active activities with advisory seat counts, narrowed to a class allow-list when classID is set.
// Counts may be stale by up to the cache TTL; only Submit decides capacity.
func (s *EnrollmentService) Availability(ctx context.Context, classID string) ([]models.ActivityAvailability, error) {
	var all []models.ActivityAvailability
	if !s.cache.Get(ctx, availabilityCacheKey, &all) {
		activities, err := s.activities.List(ctx, models.ActivityFilter{ActiveOnly: true})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list activities")
		}
		all = make([]models.ActivityAvailability, 0, len(activities))
		for _, activity := range activities {
			all = append(all, activity.Availability())
		}
		s.cache.Set(ctx, availabilityCacheKey, all, s.cfg.AvailabilityTTL)
	}

	if classID == "" {
		return all, nil
	}
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ForEntity(appErrors.ErrNotFound, classID, fmt.Sprintf("class %s not found", classID))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	filtered := make([]models.ActivityAvailability, 0, len(all))
	for _, item := range all {
		if class.Allows(item.ID) {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// activityLabels resolves display names for error messages. Lookup failures leave the map empty.
func (s *EnrollmentService) activityLabels(ctx context.Context, ids []string) map[string]string {
	labels := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return labels
	}
	activities, err := s.activities.List(ctx, models.ActivityFilter{IDs: ids})
	if err != nil {
		s.logger.Debug("activity names unavailable", zap.Error(err))
		return labels
	}
	for _, activity := range activities {
		labels[activity.ID] = activity.Name
	}
	return labels
}

func labelFor(labels map[string]string, id string) string {
	if name := labels[id]; name != "" {
		return name
	}
	return id
}

func outcomeOf(resp *dto.SubmitSelectionResponse, err error) string {
	if err == nil {
		if resp != nil && len(resp.Added) == 0 && len(resp.Released) == 0 {
			return OutcomeUnchanged
		}
		return OutcomeCommitted
	}
	switch {
	case errors.Is(err, appErrors.ErrValidation):
		return OutcomeValidation
	case errors.Is(err, appErrors.ErrCapacityExceeded):
		return OutcomeCapacityExceeded
	case errors.Is(err, appErrors.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, appErrors.ErrConflictRetryable):
		return OutcomeConflict
	case errors.Is(err, appErrors.ErrOperationGuarded):
		return OutcomeGuarded
	default:
		return OutcomeError
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
