package models

import "time"

// UnlimitedSeats is reported as remaining capacity for activities without a seat cap.
const UnlimitedSeats = -1

// Activity is a capacity-bearing CCA offering.
// EnrolledCount is ledger state: it must equal the number of non-cancelled selections referencing the activity.
type Activity struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Description   string    `db:"description" json:"description"`
	VendorID      *string   `db:"vendor_id" json:"vendor_id,omitempty"`
	MaxSeats      int       `db:"max_seats" json:"max_seats"`
	EnrolledCount int       `db:"enrolled_count" json:"enrolled_count"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Unlimited reports whether the activity has no seat cap.
func (a Activity) Unlimited() bool {
	return a.MaxSeats <= 0
}

// IsFull reports whether no seat remains. Advisory outside a transaction.
func (a Activity) IsFull() bool {
	return a.MaxSeats > 0 && a.EnrolledCount >= a.MaxSeats
}

// RemainingSeats returns the open seats, or UnlimitedSeats when uncapped.
func (a Activity) RemainingSeats() int {
	if a.Unlimited() {
		return UnlimitedSeats
	}
	remaining := a.MaxSeats - a.EnrolledCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Ref returns the denormalised reference stored inside selection records.
func (a Activity) Ref() ActivityRef {
	return ActivityRef{ID: a.ID, Name: a.Name}
}

// ActivityAvailability is the advisory seat view served to students.
type ActivityAvailability struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	VendorID       *string `json:"vendor_id,omitempty"`
	MaxSeats       int     `json:"max_seats"`
	EnrolledCount  int     `json:"enrolled_count"`
	RemainingSeats int     `json:"remaining_seats"`
	Full           bool    `json:"full"`
}

// Availability projects the activity into its advisory seat view.
func (a Activity) Availability() ActivityAvailability {
	return ActivityAvailability{
		ID:             a.ID,
		Name:           a.Name,
		Description:    a.Description,
		VendorID:       a.VendorID,
		MaxSeats:       a.MaxSeats,
		EnrolledCount:  a.EnrolledCount,
		RemainingSeats: a.RemainingSeats(),
		Full:           a.IsFull(),
	}
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	VendorID   string
	ActiveOnly bool
	IDs        []string
}
