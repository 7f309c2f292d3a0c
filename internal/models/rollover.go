package models

import "time"

// RolloverStatus tracks the phases of a term rollover run.
type RolloverStatus string

const (
	RolloverStatusQueued    RolloverStatus = "QUEUED"
	RolloverStatusBackingUp RolloverStatus = "BACKING_UP"
	RolloverStatusDeleting  RolloverStatus = "DELETING"
	RolloverStatusResetting RolloverStatus = "RESETTING"
	RolloverStatusCompleted RolloverStatus = "COMPLETED"
	RolloverStatusFailed    RolloverStatus = "FAILED"
)

// RolloverRun is the progress record of one term rollover.
type RolloverRun struct {
	ID            string         `json:"id"`
	Status        RolloverStatus `json:"status"`
	RequestedBy   string         `json:"requested_by"`
	BackupFile    string         `json:"backup_file,omitempty"`
	BackedUpCount int            `json:"backed_up_count"`
	DeletedCount  int64          `json:"deleted_count"`
	ResetCount    int64          `json:"reset_count"`
	DeleteBatches int            `json:"delete_batches"`
	ResetBatches  int            `json:"reset_batches"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r *RolloverRun) Finished() bool {
	return r.Status == RolloverStatusCompleted || r.Status == RolloverStatusFailed
}
