package dto

// UpdateEnrollmentSettingsRequest patches the selection bounds and registration window.
type UpdateEnrollmentSettingsRequest struct {
	MinSelections    *int  `json:"min_selections" validate:"omitempty,gte=1,lte=20"`
	MaxSelections    *int  `json:"max_selections" validate:"omitempty,gte=1,lte=20"`
	RegistrationOpen *bool `json:"registration_open"`
}
