package service

import (
	"time"

	"github.com/noah-isme/class-admission-api/internal/models"
	appErrors "github.com/noah-isme/class-admission-api/pkg/errors"
)

// DecideAdmission is the pure admission decision over a locked class
// snapshot. It either rejects with a typed business-rule error or returns
// the status a new application receives:
//
//   - APPROVED when the class is first-come and a seat remains
//   - WAITLISTED when the class is full and the waitlist can take one more
//   - APPLIED otherwise, the pending-review fallback
//
// REVIEW classes never auto-admit; while seats remain every application
// lands in APPLIED for a manual decision. Only a full class overflows onto
// the waitlist.
func DecideAdmission(snap *models.ClassSnapshot, now time.Time) (models.EnrollmentStatus, error) {
	if snap.Visibility != models.VisibilityPublic {
		return "", appErrors.Clone(appErrors.ErrNotEnrollable, "class is not enrollable")
	}
	if !snap.Recruiting(now) {
		return "", appErrors.Clone(appErrors.ErrNotRecruiting, "class is not recruiting")
	}
	if !snap.HasActiveForm() {
		return "", appErrors.Clone(appErrors.ErrFormNotReady, "application form not ready")
	}

	if snap.SelectionType == models.SelectionFirstCome && snap.SeatAvailable() {
		return models.EnrollmentStatusApproved, nil
	}
	if !snap.SeatAvailable() && snap.WaitlistAvailable() {
		return models.EnrollmentStatusWaitlisted, nil
	}
	return models.EnrollmentStatusApplied, nil
}

// ValidateRequiredAnswers checks required-answer presence against the form's
// question set. Nil and empty-string answers fail; zero and false are valid
// answers. Type and pattern validation belong to the form collaborator.
func ValidateRequiredAnswers(questions models.QuestionList, answers models.AnswerMap) error {
	for _, q := range questions {
		if !q.Required {
			continue
		}
		value, ok := answers[q.ID]
		if !ok || value == nil {
			return appErrors.Clone(appErrors.ErrValidation, "missing required answer: "+q.Label)
		}
		if s, isString := value.(string); isString && s == "" {
			return appErrors.Clone(appErrors.ErrValidation, "missing required answer: "+q.Label)
		}
	}
	return nil
}
