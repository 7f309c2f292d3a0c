package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SelectionStatus captures the lifecycle of a student's selection record.
type SelectionStatus string

const (
	SelectionStatusSubmitted SelectionStatus = "submitted"
	SelectionStatusCancelled SelectionStatus = "cancelled"
	SelectionStatusPending   SelectionStatus = "pending"
)

// ActivityRef is an activity reference snapshotted into a selection record.
type ActivityRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ActivityRefs is stored as a JSONB array so a single row carries the whole selection.
type ActivityRefs []ActivityRef

// Value implements driver.Valuer.
func (r ActivityRefs) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *ActivityRefs) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = ActivityRefs{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported activity refs type %T", src)
	}
	var refs []ActivityRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return fmt.Errorf("decode activity refs: %w", err)
	}
	*r = refs
	return nil
}

// IDs returns the referenced activity IDs in stored order.
func (r ActivityRefs) IDs() []string {
	ids := make([]string, len(r))
	for i, ref := range r {
		ids[i] = ref.ID
	}
	return ids
}

// Contains reports whether the activity is referenced.
func (r ActivityRefs) Contains(id string) bool {
	for _, ref := range r {
		if ref.ID == id {
			return true
		}
	}
	return false
}

// Without returns a copy with the activity removed.
func (r ActivityRefs) Without(id string) ActivityRefs {
	out := make(ActivityRefs, 0, len(r))
	for _, ref := range r {
		if ref.ID != id {
			out = append(out, ref)
		}
	}
	return out
}

// Selection is the record of the activities one student has committed to.
type Selection struct {
	StudentUID   string          `db:"student_uid" json:"student_uid"`
	StudentName  string          `db:"student_name" json:"student_name"`
	StudentEmail string          `db:"student_email" json:"student_email"`
	ClassID      string          `db:"class_id" json:"class_id"`
	Activities   ActivityRefs    `db:"activities" json:"activities"`
	SubmittedAt  time.Time       `db:"submitted_at" json:"submitted_at"`
	Status       SelectionStatus `db:"status" json:"status"`
}

// Counts reports whether the record's activities are reflected in the ledger.
func (s *Selection) Counts() bool {
	return s != nil && s.Status != SelectionStatusCancelled
}

// CommittedActivities returns the references currently holding seats.
func (s *Selection) CommittedActivities() ActivityRefs {
	if !s.Counts() {
		return ActivityRefs{}
	}
	return s.Activities
}

// SelectionFilter narrows admin listings of selection records.
type SelectionFilter struct {
	Search   string
	ClassID  string
	Page     int
	PageSize int
}
