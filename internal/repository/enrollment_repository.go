package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/class-admission-api/internal/models"
	"github.com/noah-isme/class-admission-api/pkg/database"
	appErrors "github.com/noah-isme/class-admission-api/pkg/errors"
)

// Unique constraints backing one-application-per-(user,class) and the
// idempotency ledger. The row lock serializes admitters per class; these
// indexes are the second line of defense for races the lock does not cover.
const (
	uniqueUserClass      = "enrollments_user_id_class_id_key"
	uniqueIdempotencyKey = "enrollments_idempotency_key_key"
)

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// WithTx runs fn inside one transaction, rolling back on error. All
// admission work (snapshot, decision, write, promotion) happens inside a
// single call so no other transaction can interleave a capacity-changing
// write between read and write.
func (r *EnrollmentRepository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin admission transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit admission transaction: %w", err)
	}
	return nil
}

const enrollmentColumns = `id, user_id, class_id, form_id, answers, status, idempotency_key,
        applied_at, decided_at, decided_by, decision_reason, canceled_at, cancel_reason,
        version, created_at, updated_at`

// FindByID returns an enrollment by its ID. Pass a transaction to read
// inside it, or nil to read through the pool.
func (r *EnrollmentRepository) FindByID(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Enrollment, error) {
	if q == nil {
		q = r.db
	}
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindByIdempotencyKey is the idempotency ledger lookup. It returns nil
// without error when no prior enrollment carries the key.
func (r *EnrollmentRepository) FindByIdempotencyKey(ctx context.Context, q sqlx.QueryerContext, key string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE idempotency_key = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &enrollment, nil
}

// FindByUserAndClass returns the enrollment for a (user, class) pair, nil
// when none exists.
func (r *EnrollmentRepository) FindByUserAndClass(ctx context.Context, q sqlx.QueryerContext, userID, classID string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE user_id = $1 AND class_id = $2`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := sqlx.GetContext(ctx, q, &enrollment, query, userID, classID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup enrollment by user and class: %w", err)
	}
	return &enrollment, nil
}

// Create persists a new enrollment with the decided status. A (user, class)
// unique violation becomes a duplicate-application error; an idempotency-key
// violation becomes a storage conflict so the retry coordinator re-runs the
// transaction and the ledger lookup returns the winning row.
func (r *EnrollmentRepository) Create(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment) error {
	now := time.Now().UTC()
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.AppliedAt.IsZero() {
		enrollment.AppliedAt = now
	}
	enrollment.Version = 1
	enrollment.CreatedAt = now
	enrollment.UpdatedAt = now

	const query = `INSERT INTO enrollments (id, user_id, class_id, form_id, answers, status, idempotency_key,
        applied_at, decided_at, decided_by, decision_reason, version, created_at, updated_at)
        VALUES (:id, :user_id, :class_id, :form_id, :answers, :status, :idempotency_key,
        :applied_at, :decided_at, :decided_by, :decision_reason, :version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, enrollment); err != nil {
		if database.IsUniqueViolation(err, uniqueUserClass) {
			return appErrors.Wrap(err, appErrors.ErrDuplicateApplication.Code,
				appErrors.ErrDuplicateApplication.Status, "already applied")
		}
		if database.IsUniqueViolation(err, uniqueIdempotencyKey) {
			return appErrors.Wrap(err, appErrors.ErrStorageConflict.Code,
				appErrors.ErrStorageConflict.Status, "idempotency key raced")
		}
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// UpdateStatus transitions an enrollment and stamps the decision fields.
// Every mutation bumps the version counter.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, status models.EnrollmentStatus, decidedAt time.Time, decidedBy, reason string) error {
	const query = `UPDATE enrollments
        SET status = $2, decided_at = $3, decided_by = $4, decision_reason = $5,
            version = version + 1, updated_at = $6
        WHERE id = $1`
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	res, err := tx.ExecContext(ctx, query, id, status, decidedAt, decidedBy, reasonArg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	return nil
}

// Cancel marks an enrollment CANCELED and stamps the cancellation fields.
// The status guard keeps a raced cancel from resurrecting a row another
// transaction already closed; zero rows affected means the enrollment is no
// longer cancelable.
func (r *EnrollmentRepository) Cancel(ctx context.Context, tx *sqlx.Tx, id string, reason string, canceledAt time.Time) error {
	const query = `UPDATE enrollments
        SET status = $2, canceled_at = $3, cancel_reason = $4, version = version + 1, updated_at = $5
        WHERE id = $1 AND status IN ('APPLIED', 'WAITLISTED', 'APPROVED')`
	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}
	res, err := tx.ExecContext(ctx, query, id, models.EnrollmentStatusCanceled, canceledAt, reasonArg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel enrollment: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrInvalidState, "enrollment is already closed")
	}
	return nil
}

// UpdateAnswersWithVersion replaces the answers only when the stored version
// matches expectedVersion. Zero rows affected means the caller lost the
// optimistic race; the stored record is left untouched.
func (r *EnrollmentRepository) UpdateAnswersWithVersion(ctx context.Context, tx *sqlx.Tx, id string, answers models.AnswerMap, expectedVersion int64) error {
	const query = `UPDATE enrollments
        SET answers = $2, version = version + 1, updated_at = $3
        WHERE id = $1 AND version = $4`
	res, err := tx.ExecContext(ctx, query, id, answers, time.Now().UTC(), expectedVersion)
	if err != nil {
		return fmt.Errorf("update enrollment answers: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment answers: %w", err)
	}
	if affected == 0 {
		return appErrors.Clone(appErrors.ErrVersionConflict, "enrollment was modified concurrently")
	}
	return nil
}

// OldestWaitlisted selects the WAITLISTED enrollment with the earliest
// applied_at for the class, ties broken deterministically by insertion
// order. Returns nil when the waitlist is empty. Runs under the class row
// lock held by the enclosing transaction.
func (r *EnrollmentRepository) OldestWaitlisted(ctx context.Context, tx *sqlx.Tx, classID string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments
        WHERE class_id = $1 AND status = $2
        ORDER BY applied_at ASC, created_at ASC, id ASC
        LIMIT 1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := tx.GetContext(ctx, &enrollment, query, classID, models.EnrollmentStatusWaitlisted); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find oldest waitlisted: %w", err)
	}
	return &enrollment, nil
}

// StatsByClass aggregates enrollment counts per status for a class.
func (r *EnrollmentRepository) StatsByClass(ctx context.Context, classID string) (*models.ClassStats, error) {
	const query = `SELECT
        COUNT(*) FILTER (WHERE status = 'APPROVED') AS approved,
        COUNT(*) FILTER (WHERE status = 'WAITLISTED') AS waitlisted,
        COUNT(*) FILTER (WHERE status = 'APPLIED') AS applied,
        COUNT(*) FILTER (WHERE status = 'REJECTED') AS rejected,
        COUNT(*) FILTER (WHERE status = 'CANCELED') AS canceled
        FROM enrollments WHERE class_id = $1`
	var stats struct {
		Approved   int `db:"approved"`
		Waitlisted int `db:"waitlisted"`
		Applied    int `db:"applied"`
		Rejected   int `db:"rejected"`
		Canceled   int `db:"canceled"`
	}
	if err := r.db.GetContext(ctx, &stats, query, classID); err != nil {
		return nil, fmt.Errorf("class stats: %w", err)
	}
	return &models.ClassStats{
		ClassID:    classID,
		Approved:   stats.Approved,
		Waitlisted: stats.Waitlisted,
		Applied:    stats.Applied,
		Rejected:   stats.Rejected,
		Canceled:   stats.Canceled,
	}, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	var conditions []string
	var args []interface{}

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"applied_at": "applied_at",
		"decided_at": "decided_at",
		"status":     "status",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "applied_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
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

	query := fmt.Sprintf(`SELECT %s FROM enrollments%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		enrollmentColumns, clause, orderBy, order, size, offset)

	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM enrollments" + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// RosterByClass returns every enrollment of a class in application order,
// for the admin roster export.
func (r *EnrollmentRepository) RosterByClass(ctx context.Context, classID string) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE class_id = $1
        ORDER BY applied_at ASC, created_at ASC, id ASC`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, classID); err != nil {
		return nil, fmt.Errorf("class roster: %w", err)
	}
	return enrollments, nil
}
