package dto

import "github.com/noah-isme/cca-portal-api/internal/models"

// StartRolloverRequest requires the administrator to type the confirmation phrase.
type StartRolloverRequest struct {
	Confirmation string `json:"confirmation" validate:"required"`
}

// RolloverResponse wraps a run with its backup download link once available.
type RolloverResponse struct {
	Run       models.RolloverRun `json:"run"`
	BackupURL string             `json:"backup_url,omitempty"`
}
