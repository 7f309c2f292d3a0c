package models

import "time"

// Vendor is an external provider running one or more activities.
type Vendor struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	ContactPerson   string    `db:"contact_person" json:"contact_person"`
	ContactNumber   string    `db:"contact_number" json:"contact_number"`
	BankName        string    `db:"bank_name" json:"bank_name"`
	BankAccountName string    `db:"bank_account_name" json:"bank_account_name"`
	AccountNumber   string    `db:"account_number" json:"account_number"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// VendorDetail adds the activity count used by the deletion guard.
type VendorDetail struct {
	Vendor
	ActivityCount int `db:"activity_count" json:"activity_count"`
}
