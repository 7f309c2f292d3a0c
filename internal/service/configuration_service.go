package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/cca-portal-api/internal/dto"
	"github.com/noah-isme/cca-portal-api/internal/models"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

type configurationRepository interface {
	ListByKeys(ctx context.Context, keys []string) ([]models.Configuration, error)
	BulkUpsert(ctx context.Context, cfgs []models.Configuration) error
}

var enrollmentSettingKeys = []string{
	models.ConfigKeyMinSelections,
	models.ConfigKeyMaxSelections,
	models.ConfigKeyRegistrationOpen,
}

// ConfigurationServiceConfig seeds the settings used when no row is stored yet.
type ConfigurationServiceConfig struct {
	Defaults models.EnrollmentSettings
	// Gate keeps registration closed while a term rollover is running.
	Gate *RolloverGate
}

// ConfigurationService reads and updates the enrollment settings. The enrollment protocol only reads them.
type ConfigurationService struct {
	repo      configurationRepository
	validator *validator.Validate
	logger    *zap.Logger
	defaults  models.EnrollmentSettings
	gate      *RolloverGate
}

// NewConfigurationService constructs a ConfigurationService.
func NewConfigurationService(repo configurationRepository, validate *validator.Validate, logger *zap.Logger, cfg ConfigurationServiceConfig) *ConfigurationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := cfg.Defaults
	if defaults.MinSelections <= 0 {
		defaults.MinSelections = 1
	}
	if defaults.MaxSelections < defaults.MinSelections {
		defaults.MaxSelections = 3
	}
	return &ConfigurationService{repo: repo, validator: validate, logger: logger, defaults: defaults, gate: cfg.Gate}
}

// EnrollmentSettings returns the stored settings, filling gaps from defaults.
// Unparseable stored values are logged and ignored.
func (s *ConfigurationService) EnrollmentSettings(ctx context.Context) (*models.EnrollmentSettings, error) {
	rows, err := s.repo.ListByKeys(ctx, enrollmentSettingKeys)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment settings")
	}

	settings := s.defaults
	for _, row := range rows {
		switch row.Key {
		case models.ConfigKeyMinSelections:
			if v, err := strconv.Atoi(strings.TrimSpace(row.Value)); err == nil {
				settings.MinSelections = v
			} else {
				s.logger.Warn("ignoring invalid configuration", zap.String("key", row.Key), zap.String("value", row.Value))
			}
		case models.ConfigKeyMaxSelections:
			if v, err := strconv.Atoi(strings.TrimSpace(row.Value)); err == nil {
				settings.MaxSelections = v
			} else {
				s.logger.Warn("ignoring invalid configuration", zap.String("key", row.Key), zap.String("value", row.Value))
			}
		case models.ConfigKeyRegistrationOpen:
			if v, err := strconv.ParseBool(strings.TrimSpace(row.Value)); err == nil {
				settings.RegistrationOpen = v
			} else {
				s.logger.Warn("ignoring invalid configuration", zap.String("key", row.Key), zap.String("value", row.Value))
			}
		}
	}
	return &settings, nil
}

// UpdateEnrollmentSettings patches the settings atomically after checking min <= max.
func (s *ConfigurationService) UpdateEnrollmentSettings(ctx context.Context, req dto.UpdateEnrollmentSettingsRequest, actor *models.JWTClaims) (*models.EnrollmentSettings, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid settings payload")
	}
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}

	current, err := s.EnrollmentSettings(ctx)
	if err != nil {
		return nil, err
	}
	next := *current
	if req.MinSelections != nil {
		next.MinSelections = *req.MinSelections
	}
	if req.MaxSelections != nil {
		next.MaxSelections = *req.MaxSelections
	}
	if req.RegistrationOpen != nil {
		next.RegistrationOpen = *req.RegistrationOpen
	}
	if next.RegistrationOpen {
		if err := s.gate.Check("reopening registration"); err != nil {
			return nil, err
		}
	}
	if next.MinSelections > next.MaxSelections {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("minimum selections (%d) cannot exceed maximum selections (%d)", next.MinSelections, next.MaxSelections))
	}

	updatedBy := actor.UserID
	rows := []models.Configuration{
		{Key: models.ConfigKeyMinSelections, Value: strconv.Itoa(next.MinSelections), Type: models.ConfigurationTypeInteger, UpdatedBy: &updatedBy},
		{Key: models.ConfigKeyMaxSelections, Value: strconv.Itoa(next.MaxSelections), Type: models.ConfigurationTypeInteger, UpdatedBy: &updatedBy},
		{Key: models.ConfigKeyRegistrationOpen, Value: strconv.FormatBool(next.RegistrationOpen), Type: models.ConfigurationTypeBoolean, UpdatedBy: &updatedBy},
	}
	if err := s.repo.BulkUpsert(ctx, rows); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment settings")
	}

	s.logger.Info("enrollment settings updated",
		zap.String("actor", actor.UserID),
		zap.Int("min_selections", next.MinSelections),
		zap.Int("max_selections", next.MaxSelections),
		zap.Bool("registration_open", next.RegistrationOpen),
	)
	return &next, nil
}
