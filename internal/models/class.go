package models

import "time"

// SelectionType controls whether applicants are admitted first-come or held
// for manual review.
type SelectionType string

const (
	SelectionFirstCome SelectionType = "FIRST_COME"
	SelectionReview    SelectionType = "REVIEW"
)

// Visibility controls who may apply to a class.
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityUnlisted Visibility = "UNLISTED"
)

// Class represents a capacity-limited event open for enrollment. The class
// record is owned by the class-management collaborator; the admission engine
// only reads it.
type Class struct {
	ID               string        `db:"id" json:"id"`
	Name             string        `db:"name" json:"name"`
	Capacity         *int          `db:"capacity" json:"capacity,omitempty"`
	AllowWaitlist    bool          `db:"allow_waitlist" json:"allow_waitlist"`
	WaitlistCapacity *int          `db:"waitlist_capacity" json:"waitlist_capacity,omitempty"`
	RecruitStartAt   time.Time     `db:"recruit_start_at" json:"recruit_start_at"`
	RecruitEndAt     time.Time     `db:"recruit_end_at" json:"recruit_end_at"`
	SelectionType    SelectionType `db:"selection_type" json:"selection_type"`
	Visibility       Visibility    `db:"visibility" json:"visibility"`
	ActiveFormID     *string       `db:"active_form_id" json:"active_form_id,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// ClassSnapshot is the state read under the class row lock: the class rules
// plus live counts of admitted and waitlisted enrollments. All admission
// decisions for a class are computed against a snapshot taken inside the
// same transaction that writes the outcome.
type ClassSnapshot struct {
	Class
	ApprovedCount   int
	WaitlistedCount int
	Form            *ApplicationForm
}

// HasActiveForm reports whether applicants have a form to answer.
func (s *ClassSnapshot) HasActiveForm() bool {
	return s.Form != nil
}

// Recruiting reports whether now falls inside the recruitment window.
func (s *ClassSnapshot) Recruiting(now time.Time) bool {
	return !now.Before(s.RecruitStartAt) && !now.After(s.RecruitEndAt)
}

// SeatAvailable reports whether an APPROVED seat remains. A nil capacity
// means unlimited.
func (s *ClassSnapshot) SeatAvailable() bool {
	return s.Capacity == nil || s.ApprovedCount < *s.Capacity
}

// WaitlistAvailable reports whether the waitlist can take one more entry.
func (s *ClassSnapshot) WaitlistAvailable() bool {
	return s.AllowWaitlist && s.WaitlistCapacity != nil && s.WaitlistedCount < *s.WaitlistCapacity
}
