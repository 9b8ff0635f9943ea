package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/class-admission-api/internal/models"
)

// ClassRepository reads class records and their admission snapshots. Classes
// are owned by the class-management collaborator; this repository never
// writes them.
type ClassRepository struct {
	db *sqlx.DB
}

// NewClassRepository constructs the repository.
func NewClassRepository(db *sqlx.DB) *ClassRepository {
	return &ClassRepository{db: db}
}

const classColumns = `id, name, capacity, allow_waitlist, waitlist_capacity,
        recruit_start_at, recruit_end_at, selection_type, visibility, active_form_id,
        created_at, updated_at`

// FindByID returns a class without locking it.
func (r *ClassRepository) FindByID(ctx context.Context, id string) (*models.Class, error) {
	query := fmt.Sprintf(`SELECT %s FROM classes WHERE id = $1`, classColumns)
	var class models.Class
	if err := r.db.GetContext(ctx, &class, query, id); err != nil {
		return nil, err
	}
	return &class, nil
}

// FindFormByID returns an application form regardless of its active flag.
// Answers of an existing enrollment validate against the form it was
// submitted with, even after the class rotates to a newer form.
func (r *ClassRepository) FindFormByID(ctx context.Context, id string) (*models.ApplicationForm, error) {
	const query = `SELECT id, class_id, questions, active, created_at
        FROM application_forms WHERE id = $1`
	var form models.ApplicationForm
	if err := r.db.GetContext(ctx, &form, query, id); err != nil {
		return nil, err
	}
	return &form, nil
}

// LockSnapshot acquires the class row lock and returns the admission
// snapshot: class rules, the active form (nil when none), and live counts of
// APPROVED and WAITLISTED enrollments. It must run inside the transaction
// that will write the admission outcome, so the count-then-act sequence is
// atomic against other admitters of the same class. The lock is per class;
// applicants to different classes never contend.
func (r *ClassRepository) LockSnapshot(ctx context.Context, tx *sqlx.Tx, classID string) (*models.ClassSnapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM classes WHERE id = $1 FOR UPDATE`, classColumns)
	var snap models.ClassSnapshot
	if err := tx.GetContext(ctx, &snap.Class, query, classID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock class %s: %w", classID, err)
	}

	const countQuery = `SELECT
        COUNT(*) FILTER (WHERE status = $2) AS approved,
        COUNT(*) FILTER (WHERE status = $3) AS waitlisted
        FROM enrollments WHERE class_id = $1`
	var counts struct {
		Approved   int `db:"approved"`
		Waitlisted int `db:"waitlisted"`
	}
	if err := tx.GetContext(ctx, &counts, countQuery, classID,
		models.EnrollmentStatusApproved, models.EnrollmentStatusWaitlisted); err != nil {
		return nil, fmt.Errorf("count enrollments for class %s: %w", classID, err)
	}
	snap.ApprovedCount = counts.Approved
	snap.WaitlistedCount = counts.Waitlisted

	if snap.ActiveFormID != nil {
		const formQuery = `SELECT id, class_id, questions, active, created_at
            FROM application_forms WHERE id = $1 AND active = TRUE`
		var form models.ApplicationForm
		if err := tx.GetContext(ctx, &form, formQuery, *snap.ActiveFormID); err != nil {
			if err != sql.ErrNoRows {
				return nil, fmt.Errorf("load active form %s: %w", *snap.ActiveFormID, err)
			}
		} else {
			snap.Form = &form
		}
	}

	return &snap, nil
}
