package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	"github.com/noah-isme/cca-portal-api/internal/repository"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

type selectionLister interface {
	List(ctx context.Context, filter models.SelectionFilter) ([]models.Selection, int, error)
}

// CompensationService reverses committed selections on behalf of administrators.
// Each operation writes the record and the matching counter decrements in one transaction.
type CompensationService struct {
	ledger     ledgerStore
	selections selectionLister
	cache      *CacheService
	metrics    *MetricsService
	logger     *zap.Logger
	retry      RetryPolicy
	gate       *RolloverGate
}

// NewCompensationService constructs the service. Corrections are refused while gate reports a rollover.
func NewCompensationService(ledger ledgerStore, selections selectionLister, cache *CacheService, metrics *MetricsService, logger *zap.Logger, retry RetryPolicy, gate *RolloverGate) *CompensationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompensationService{ledger: ledger, selections: selections, cache: cache, metrics: metrics, logger: logger, retry: retry, gate: gate}
}

// ListSelections returns selection records for the admin view with pagination metadata.
func (s *CompensationService) ListSelections(ctx context.Context, filter models.SelectionFilter) ([]models.Selection, *models.Pagination, error) {
	items, total, err := s.selections.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list selections")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// RemoveActivity drops one activity from the student's record and releases its seat.
func (s *CompensationService) RemoveActivity(ctx context.Context, studentID, activityID string) (*models.Selection, error) {
	var updated *models.Selection
	err := runWithRetry(ctx, s.retry, s.metrics, s.logger, "remove_activity", func(ctx context.Context) error {
		return s.ledger.WithinTx(ctx, func(tx repository.LedgerTx) error {
			if err := s.gate.Check("correcting selections"); err != nil {
				return err
			}
			if err := tx.LockStudent(ctx, studentID); err != nil {
				return err
			}
			current, err := tx.GetSelection(ctx, studentID)
			if err != nil {
				return err
			}
			if current == nil {
				return appErrors.ForEntity(appErrors.ErrNotFound, studentID, fmt.Sprintf("student %s has no selection record", studentID))
			}
			if !current.Activities.Contains(activityID) {
				return appErrors.ForEntity(appErrors.ErrNotFound, activityID,
					fmt.Sprintf("activity %s is not in %s's selection", activityID, displayName(current)))
			}

			held := current.Counts()
			current.Activities = current.Activities.Without(activityID)
			if err := tx.SaveSelection(ctx, current); err != nil {
				return err
			}
			if held {
				if err := tx.AdjustEnrolled(ctx, activityID, -1); err != nil {
					return err
				}
			}
			updated = current
			return nil
		})
	})
	if err != nil {
		s.metrics.RecordCompensation("remove_activity", compensationOutcome(err))
		return nil, normaliseLedgerError(err, "failed to remove activity")
	}

	s.metrics.RecordCompensation("remove_activity", "applied")
	s.cache.Invalidate(ctx, availabilityCacheKey)
	s.logger.Info("activity removed from selection", zap.String("student_uid", studentID), zap.String("activity_id", activityID))
	return updated, nil
}

// ResetStudent deletes the student's record and releases every seat it held.
// A missing record is reported through the outcome rather than as an error.
func (s *CompensationService) ResetStudent(ctx context.Context, studentID string) (*dto.ResetStudentResponse, error) {
	resp := &dto.ResetStudentResponse{StudentUID: studentID, Released: []string{}}
	err := runWithRetry(ctx, s.retry, s.metrics, s.logger, "reset_student", func(ctx context.Context) error {
		resp.Outcome = dto.ResetOutcomeNotFound
		resp.Released = []string{}
		return s.ledger.WithinTx(ctx, func(tx repository.LedgerTx) error {
			if err := s.gate.Check("correcting selections"); err != nil {
				return err
			}
			if err := tx.LockStudent(ctx, studentID); err != nil {
				return err
			}
			current, err := tx.GetSelection(ctx, studentID)
			if err != nil || current == nil {
				return err
			}
			if err := tx.DeleteSelection(ctx, studentID); err != nil {
				return err
			}
			released := sortedCopy(current.CommittedActivities().IDs())
			for _, id := range released {
				if err := tx.AdjustEnrolled(ctx, id, -1); err != nil {
					return err
				}
			}
			resp.Outcome = dto.ResetOutcomeReset
			resp.Released = released
			return nil
		})
	})
	if err != nil {
		s.metrics.RecordCompensation("reset_student", compensationOutcome(err))
		return nil, normaliseLedgerError(err, "failed to reset student")
	}

	s.metrics.RecordCompensation("reset_student", string(resp.Outcome))
	if resp.Outcome == dto.ResetOutcomeReset {
		s.cache.Invalidate(ctx, availabilityCacheKey)
	}
	s.logger.Info("student selection reset", zap.String("student_uid", studentID), zap.String("outcome", string(resp.Outcome)), zap.Strings("released", resp.Released))
	return resp, nil
}

func displayName(selection *models.Selection) string {
	if selection.StudentName != "" {
		return selection.StudentName
	}
	return selection.StudentUID
}

func compensationOutcome(err error) string {
	switch {
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

func normaliseLedgerError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
