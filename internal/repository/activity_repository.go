package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/cca-portal-api/internal/models"
)

// ActivityRepository manages the activity catalogue. Counter mutations live in LedgerRepository.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository constructs a new activity repository.
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

const activityColumns = `id, name, description, vendor_id, max_seats, enrolled_count, active, created_at, updated_at`

// List returns activities matching filter, ordered by name.
func (r *ActivityRepository) List(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error) {
	var conditions []string
	var args []interface{}
	if filter.VendorID != "" {
		args = append(args, filter.VendorID)
		conditions = append(conditions, fmt.Sprintf("vendor_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "active = TRUE")
	}
	if len(filter.IDs) > 0 {
		args = append(args, pq.Array(filter.IDs))
		conditions = append(conditions, fmt.Sprintf("id = ANY($%d)", len(args)))
	}

	query := "SELECT " + activityColumns + " FROM activities"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name ASC, id ASC"

	var activities []models.Activity
	if err := r.db.SelectContext(ctx, &activities, query, args...); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return activities, nil
}

// FindByID returns an activity by ID.
func (r *ActivityRepository) FindByID(ctx context.Context, id string) (*models.Activity, error) {
	var activity models.Activity
	if err := r.db.GetContext(ctx, &activity, "SELECT "+activityColumns+" FROM activities WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &activity, nil
}

// Create persists a new activity with an empty counter.
func (r *ActivityRepository) Create(ctx context.Context, activity *models.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	activity.CreatedAt = now
	activity.UpdatedAt = now
	activity.EnrolledCount = 0

	const query = `INSERT INTO activities (id, name, description, vendor_id, max_seats, enrolled_count, active, created_at, updated_at)
VALUES (:id, :name, :description, :vendor_id, :max_seats, 0, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, activity); err != nil {
		return fmt.Errorf("create activity: %w", err)
	}
	return nil
}

// Update modifies the descriptive fields and seat cap. The enrolled counter is left untouched.
// sql.ErrNoRows is returned when the activity is missing or the new cap is below its occupancy.
func (r *ActivityRepository) Update(ctx context.Context, activity *models.Activity) error {
	activity.UpdatedAt = time.Now().UTC()
	const query = `UPDATE activities SET name = :name, description = :description, vendor_id = :vendor_id,
max_seats = :max_seats, active = :active, updated_at = :updated_at
WHERE id = :id AND (:max_seats = 0 OR enrolled_count <= :max_seats)`
	result, err := r.db.NamedExecContext(ctx, query, activity)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return expectAffected(result, "update activity")
}

// DeleteIfEmpty removes the activity only while no student holds a seat in it.
// sql.ErrNoRows is returned when the activity is missing or still occupied.
func (r *ActivityRepository) DeleteIfEmpty(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM activities WHERE id = $1 AND enrolled_count = 0`, id)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	return expectAffected(result, "delete activity")
}

// CountByVendor returns how many activities are assigned to the vendor.
func (r *ActivityRepository) CountByVendor(ctx context.Context, vendorID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM activities WHERE vendor_id = $1`, vendorID); err != nil {
		return 0, fmt.Errorf("count vendor activities: %w", err)
	}
	return count, nil
}

func expectAffected(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check %s rows: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
