package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EnrollmentStatus represents the lifecycle of an application.
type EnrollmentStatus string

// Possible enrollment statuses. REJECTED and CANCELED are terminal.
const (
	EnrollmentStatusApplied    EnrollmentStatus = "APPLIED"
	EnrollmentStatusApproved   EnrollmentStatus = "APPROVED"
	EnrollmentStatusWaitlisted EnrollmentStatus = "WAITLISTED"
	EnrollmentStatusRejected   EnrollmentStatus = "REJECTED"
	EnrollmentStatusCanceled   EnrollmentStatus = "CANCELED"
)

// Terminal reports whether no further transition is allowed from s.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusRejected || s == EnrollmentStatusCanceled
}

// CanTransition reports whether the state machine permits moving from s to
// target. APPLIED and WAITLISTED records may be approved, rejected or
// canceled; APPROVED records may only leave their seat via rejection or
// cancellation.
func (s EnrollmentStatus) CanTransition(target EnrollmentStatus) bool {
	if s.Terminal() || s == target {
		return false
	}
	switch s {
	case EnrollmentStatusApplied:
		return target == EnrollmentStatusApproved || target == EnrollmentStatusWaitlisted ||
			target == EnrollmentStatusRejected || target == EnrollmentStatusCanceled
	case EnrollmentStatusWaitlisted:
		return target == EnrollmentStatusApproved || target == EnrollmentStatusRejected ||
			target == EnrollmentStatusCanceled
	case EnrollmentStatusApproved:
		return target == EnrollmentStatusRejected || target == EnrollmentStatusCanceled
	default:
		return false
	}
}

// AnswerMap holds form answers as an opaque key-value JSONB document. The
// engine only checks required-answer presence; answer semantics belong to
// the form collaborator.
type AnswerMap map[string]interface{}

// Value implements driver.Valuer.
func (a AnswerMap) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *AnswerMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported answer map type %T", src)
	}
}

// Enrollment is one user's application to one class. Rows are never
// physically deleted; terminal statuses are retained. The version counter
// increases on every mutation and guards optimistic answer edits.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	UserID         string           `db:"user_id" json:"user_id"`
	ClassID        string           `db:"class_id" json:"class_id"`
	FormID         string           `db:"form_id" json:"form_id"`
	Answers        AnswerMap        `db:"answers" json:"answers"`
	Status         EnrollmentStatus `db:"status" json:"status"`
	IdempotencyKey *string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	AppliedAt      time.Time        `db:"applied_at" json:"applied_at"`
	DecidedAt      *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	DecidedBy      *string          `db:"decided_by" json:"decided_by,omitempty"`
	DecisionReason *string          `db:"decision_reason" json:"decision_reason,omitempty"`
	CanceledAt     *time.Time       `db:"canceled_at" json:"canceled_at,omitempty"`
	CancelReason   *string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Version        int64            `db:"version" json:"version"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentFilter provides filters for the admin listing endpoint.
type EnrollmentFilter struct {
	UserID    string
	ClassID   string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// ClassStats aggregates enrollment counts per status for one class.
type ClassStats struct {
	ClassID          string `json:"class_id"`
	Approved         int    `json:"approved"`
	Waitlisted       int    `json:"waitlisted"`
	Applied          int    `json:"applied"`
	Rejected         int    `json:"rejected"`
	Canceled         int    `json:"canceled"`
	Capacity         *int   `json:"capacity,omitempty"`
	WaitlistCapacity *int   `json:"waitlist_capacity,omitempty"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
