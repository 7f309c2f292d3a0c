package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/cca-portal-api/internal/models"
)

// VendorRepository persists activity vendors.
type VendorRepository struct {
	db *sqlx.DB
}

// NewVendorRepository constructs the repository.
func NewVendorRepository(db *sqlx.DB) *VendorRepository {
	return &VendorRepository{db: db}
}

// List returns vendors with the number of activities each one runs.
func (r *VendorRepository) List(ctx context.Context) ([]models.VendorDetail, error) {
	const query = `SELECT v.id, v.name, v.contact_person, v.contact_number, v.bank_name, v.bank_account_name,
       v.account_number, v.created_at, COUNT(a.id) AS activity_count
FROM vendors v LEFT JOIN activities a ON a.vendor_id = v.id
GROUP BY v.id ORDER BY v.name ASC`
	var vendors []models.VendorDetail
	if err := r.db.SelectContext(ctx, &vendors, query); err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	return vendors, nil
}

// FindByID fetches a vendor by ID.
func (r *VendorRepository) FindByID(ctx context.Context, id string) (*models.Vendor, error) {
	const query = `SELECT id, name, contact_person, contact_number, bank_name, bank_account_name, account_number, created_at
FROM vendors WHERE id = $1`
	var vendor models.Vendor
	if err := r.db.GetContext(ctx, &vendor, query, id); err != nil {
		return nil, err
	}
	return &vendor, nil
}

// Create inserts a vendor.
func (r *VendorRepository) Create(ctx context.Context, vendor *models.Vendor) error {
	if vendor.ID == "" {
		vendor.ID = uuid.NewString()
	}
	vendor.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO vendors (id, name, contact_person, contact_number, bank_name, bank_account_name, account_number, created_at)
VALUES (:id, :name, :contact_person, :contact_number, :bank_name, :bank_account_name, :account_number, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, vendor); err != nil {
		return fmt.Errorf("create vendor: %w", err)
	}
	return nil
}

// Delete removes a vendor. Callers must check for assigned activities first.
func (r *VendorRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM vendors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete vendor: %w", err)
	}
	return expectAffected(result, "delete vendor")
}
