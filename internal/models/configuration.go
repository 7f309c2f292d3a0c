package models

import "time"

// ConfigurationType defines supported types for configuration values.
type ConfigurationType string

const (
	ConfigurationTypeInteger ConfigurationType = "INTEGER"
	ConfigurationTypeBoolean ConfigurationType = "BOOLEAN"
)

// Configuration keys read by the enrollment protocol.
const (
	ConfigKeyMinSelections    = "enrollment.min_selections"
	ConfigKeyMaxSelections    = "enrollment.max_selections"
	ConfigKeyRegistrationOpen = "enrollment.registration_open"
)

// Configuration represents a persisted configuration entry.
type Configuration struct {
	Key       string            `db:"key" json:"key"`
	Value     string            `db:"value" json:"value"`
	Type      ConfigurationType `db:"type" json:"type"`
	UpdatedBy *string           `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// EnrollmentSettings are the externally configured selection bounds and registration window.
type EnrollmentSettings struct {
	MinSelections    int  `json:"min_selections"`
	MaxSelections    int  `json:"max_selections"`
	RegistrationOpen bool `json:"registration_open"`
}
