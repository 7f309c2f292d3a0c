package dto

// ActivityRequest creates or updates an activity. MaxSeats of zero means unlimited.
type ActivityRequest struct {
	Name        string  `json:"name" validate:"required,max=120"`
	Description string  `json:"description" validate:"max=2000"`
	VendorID    *string `json:"vendor_id"`
	MaxSeats    int     `json:"max_seats" validate:"gte=0"`
	Active      *bool   `json:"active"`
}

// CreateClassRequest creates a class with an optional initial allow-list.
type CreateClassRequest struct {
	Name        string   `json:"name" validate:"required,max=60"`
	ActivityIDs []string `json:"activity_ids" validate:"dive,required"`
}

// SetClassActivitiesRequest replaces a class allow-list.
type SetClassActivitiesRequest struct {
	ActivityIDs []string `json:"activity_ids" validate:"required,dive,required"`
}

// VendorRequest creates a vendor. Bank details are display-only.
type VendorRequest struct {
	Name            string `json:"name" validate:"required,max=120"`
	ContactPerson   string `json:"contact_person"`
	ContactNumber   string `json:"contact_number"`
	BankName        string `json:"bank_name"`
	BankAccountName string `json:"bank_account_name"`
	AccountNumber   string `json:"account_number"`
}

// ActivityListQuery binds activity listing query parameters.
type ActivityListQuery struct {
	VendorID   string `form:"vendor_id"`
	ActiveOnly bool   `form:"active_only"`
}
