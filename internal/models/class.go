package models

import (
	"time"

	"github.com/lib/pq"
)

// Class groups students and carries the allow-list of activities they may pick.
type Class struct {
	ID                 string         `db:"id" json:"id"`
	Name               string         `db:"name" json:"name"`
	AllowedActivityIDs pq.StringArray `db:"allowed_activity_ids" json:"allowed_activity_ids"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// Allows reports whether the activity is on the class allow-list.
func (c *Class) Allows(activityID string) bool {
	if c == nil {
		return false
	}
	for _, id := range c.AllowedActivityIDs {
		if id == activityID {
			return true
		}
	}
	return false
}
