package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/cca-portal-api/internal/models"
)

// LedgerTx exposes the reads and writes allowed inside one enrollment transaction.
type LedgerTx interface {
	LockStudent(ctx context.Context, studentID string) error
	GetSelection(ctx context.Context, studentID string) (*models.Selection, error)
	GetActivities(ctx context.Context, ids []string) (map[string]models.Activity, error)
	AdjustEnrolled(ctx context.Context, activityID string, delta int) error
	SaveSelection(ctx context.Context, selection *models.Selection) error
	DeleteSelection(ctx context.Context, studentID string) error
	// RegistrationOpen re-reads the stored registration flag. found is false when no row exists.
	RegistrationOpen(ctx context.Context) (open bool, found bool, err error)
}

// ledgerGateKey is the advisory lock every ledger transaction holds shared and
// every rollover batch holds exclusively, so batches never interleave with writes.
const ledgerGateKey int64 = 0x6c656467

// LedgerRepository owns the selections table and the enrolled counters of activities.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository constructs the repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const selectionColumns = `student_uid, student_name, student_email, class_id, activities, submitted_at, status`

// WithinTx runs fn inside a single database transaction. The transaction commits only when fn returns nil.
func (r *LedgerRepository) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock_shared($1)`, ledgerGateKey); err != nil {
		return fmt.Errorf("lock ledger gate: %w", err)
	}
	if err = fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// FindSelection returns the student's record outside of a transaction, or nil when none exists.
func (r *LedgerRepository) FindSelection(ctx context.Context, studentID string) (*models.Selection, error) {
	return findSelection(ctx, r.db, studentID)
}

// List returns selection records for the admin listing, newest first.
func (r *LedgerRepository) List(ctx context.Context, filter models.SelectionFilter) ([]models.Selection, int, error) {
	base := "FROM selections WHERE 1=1"
	var args []interface{}
	if filter.ClassID != "" {
		args = append(args, filter.ClassID)
		base += fmt.Sprintf(" AND class_id = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		base += fmt.Sprintf(" AND (LOWER(student_name) LIKE $%d OR LOWER(student_email) LIKE $%d)", len(args), len(args))
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY submitted_at DESC, student_uid LIMIT %d OFFSET %d", selectionColumns, base, size, offset)
	var selections []models.Selection
	if err := r.db.SelectContext(ctx, &selections, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list selections: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base, args...); err != nil {
		return nil, 0, fmt.Errorf("count selections: %w", err)
	}
	return selections, total, nil
}

// ListAfter pages through every selection record by student uid.
func (r *LedgerRepository) ListAfter(ctx context.Context, afterUID string, limit int) ([]models.Selection, error) {
	if limit <= 0 {
		limit = 400
	}
	query := fmt.Sprintf(`SELECT %s FROM selections WHERE student_uid > $1 ORDER BY student_uid LIMIT $2`, selectionColumns)
	var selections []models.Selection
	if err := r.db.SelectContext(ctx, &selections, query, afterUID, limit); err != nil {
		return nil, fmt.Errorf("page selections: %w", err)
	}
	return selections, nil
}

// DeleteSelectionBatch removes up to limit selection records in one transaction.
// Locked rows are waited for, so zero means the table is empty.
func (r *LedgerRepository) DeleteSelectionBatch(ctx context.Context, limit int) (int64, error) {
	const query = `DELETE FROM selections WHERE student_uid IN (
	SELECT student_uid FROM selections ORDER BY student_uid LIMIT $1 FOR UPDATE)`
	return r.execBatch(ctx, "delete selection batch", query, limit)
}

// ResetEnrolledBatch zeroes up to limit non-zero activity counters in one transaction.
func (r *LedgerRepository) ResetEnrolledBatch(ctx context.Context, limit int) (int64, error) {
	const query = `UPDATE activities SET enrolled_count = 0, updated_at = NOW() WHERE id IN (
	SELECT id FROM activities WHERE enrolled_count <> 0 ORDER BY id LIMIT $1 FOR UPDATE)`
	return r.execBatch(ctx, "reset enrolled batch", query, limit)
}

// Remaining counts the selection records and non-zero counters still present.
func (r *LedgerRepository) Remaining(ctx context.Context) (int64, int64, error) {
	const query = `SELECT (SELECT COUNT(*) FROM selections) AS records,
	(SELECT COUNT(*) FROM activities WHERE enrolled_count <> 0) AS held`
	var counts struct {
		Records int64 `db:"records"`
		Held    int64 `db:"held"`
	}
	if err := r.db.GetContext(ctx, &counts, query); err != nil {
		return 0, 0, fmt.Errorf("count remaining ledger rows: %w", err)
	}
	return counts.Records, counts.Held, nil
}

func (r *LedgerRepository) execBatch(ctx context.Context, op, query string, limit int) (affected int64, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin %s: %w", op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerGateKey); err != nil {
		return 0, fmt.Errorf("lock ledger gate: %w", err)
	}
	result, err := tx.ExecContext(ctx, query, limit)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows: %w", op, err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", op, err)
	}
	return affected, nil
}

type ledgerTx struct {
	tx *sqlx.Tx
}

// LockStudent serialises concurrent transactions of the same student until commit.
func (l *ledgerTx) LockStudent(ctx context.Context, studentID string) error {
	if _, err := l.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, studentID); err != nil {
		return fmt.Errorf("lock student %s: %w", studentID, err)
	}
	return nil
}

// RegistrationOpen reads the flag under a share lock, so closing registration waits for this transaction.
// Unparseable values count as missing, matching how settings fall back to defaults.
func (l *ledgerTx) RegistrationOpen(ctx context.Context) (bool, bool, error) {
	var value string
	err := l.tx.GetContext(ctx, &value, `SELECT value FROM configurations WHERE key = $1 FOR SHARE`, models.ConfigKeyRegistrationOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read registration flag: %w", err)
	}
	open, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		return false, false, nil
	}
	return open, true, nil
}

func (l *ledgerTx) GetSelection(ctx context.Context, studentID string) (*models.Selection, error) {
	return findSelection(ctx, l.tx, studentID)
}

// GetActivities locks the requested activity rows in id order and returns those that exist.
func (l *ledgerTx) GetActivities(ctx context.Context, ids []string) (map[string]models.Activity, error) {
	result := make(map[string]models.Activity, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	const query = `SELECT id, name, description, vendor_id, max_seats, enrolled_count, active, created_at, updated_at
FROM activities WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	var activities []models.Activity
	if err := l.tx.SelectContext(ctx, &activities, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("lock activities: %w", err)
	}
	for _, activity := range activities {
		result[activity.ID] = activity
	}
	return result, nil
}

// AdjustEnrolled applies delta to the activity counter, never going below zero.
func (l *ledgerTx) AdjustEnrolled(ctx context.Context, activityID string, delta int) error {
	const query = `UPDATE activities SET enrolled_count = GREATEST(enrolled_count + $2, 0), updated_at = $3 WHERE id = $1`
	if _, err := l.tx.ExecContext(ctx, query, activityID, delta, time.Now().UTC()); err != nil {
		return fmt.Errorf("adjust enrolled %s: %w", activityID, err)
	}
	return nil
}

func (l *ledgerTx) SaveSelection(ctx context.Context, selection *models.Selection) error {
	const query = `INSERT INTO selections (student_uid, student_name, student_email, class_id, activities, submitted_at, status)
VALUES (:student_uid, :student_name, :student_email, :class_id, :activities, :submitted_at, :status)
ON CONFLICT (student_uid)
DO UPDATE SET student_name = EXCLUDED.student_name, student_email = EXCLUDED.student_email, class_id = EXCLUDED.class_id,
              activities = EXCLUDED.activities, submitted_at = EXCLUDED.submitted_at, status = EXCLUDED.status`
	if _, err := l.tx.NamedExecContext(ctx, query, selection); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	return nil
}

func (l *ledgerTx) DeleteSelection(ctx context.Context, studentID string) error {
	if _, err := l.tx.ExecContext(ctx, `DELETE FROM selections WHERE student_uid = $1`, studentID); err != nil {
		return fmt.Errorf("delete selection: %w", err)
	}
	return nil
}

func findSelection(ctx context.Context, q sqlx.QueryerContext, studentID string) (*models.Selection, error) {
	query := fmt.Sprintf(`SELECT %s FROM selections WHERE student_uid = $1`, selectionColumns)
	var selection models.Selection
	if err := sqlx.GetContext(ctx, q, &selection, query, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get selection: %w", err)
	}
	return &selection, nil
}
