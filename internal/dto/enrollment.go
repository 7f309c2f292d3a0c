package dto

import "github.com/noah-isme/cca-portal-api/internal/models"

// SubmitSelectionRequest carries the full desired activity set of the calling student.
type SubmitSelectionRequest struct {
	ClassID     string   `json:"class_id" validate:"required"`
	ActivityIDs []string `json:"activity_ids" validate:"dive,required"`
}

// SubmitSelectionResponse reports the committed record and the seats that changed.
type SubmitSelectionResponse struct {
	Selection *models.Selection `json:"selection"`
	Added     []string          `json:"added"`
	Released  []string          `json:"released,omitempty"`
}

// ResetOutcome describes the result of a full student reset.
type ResetOutcome string

const (
	ResetOutcomeReset    ResetOutcome = "reset"
	ResetOutcomeNotFound ResetOutcome = "not_found"
)

// ResetStudentResponse is returned by the admin reset endpoint.
type ResetStudentResponse struct {
	StudentUID string       `json:"student_uid"`
	Outcome    ResetOutcome `json:"outcome"`
	Released   []string     `json:"released"`
}

// SelectionListQuery binds admin listing query parameters.
type SelectionListQuery struct {
	Search   string `form:"search"`
	ClassID  string `form:"class_id"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}
