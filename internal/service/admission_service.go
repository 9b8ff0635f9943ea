package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/class-admission-api/internal/models"
	appErrors "github.com/noah-isme/class-admission-api/pkg/errors"
)

// SystemDecider stamps decisions made by the engine itself, such as
// automatic waitlist promotion.
const SystemDecider = "system"

const promotionReason = "promoted from waitlist"

type enrollmentStore interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	FindByID(ctx context.Context, q sqlx.QueryerContext, id string) (*models.Enrollment, error)
	FindByIdempotencyKey(ctx context.Context, q sqlx.QueryerContext, key string) (*models.Enrollment, error)
	FindByUserAndClass(ctx context.Context, q sqlx.QueryerContext, userID, classID string) (*models.Enrollment, error)
	Create(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment) error
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, status models.EnrollmentStatus, decidedAt time.Time, decidedBy, reason string) error
	Cancel(ctx context.Context, tx *sqlx.Tx, id string, reason string, canceledAt time.Time) error
	UpdateAnswersWithVersion(ctx context.Context, tx *sqlx.Tx, id string, answers models.AnswerMap, expectedVersion int64) error
	OldestWaitlisted(ctx context.Context, tx *sqlx.Tx, classID string) (*models.Enrollment, error)
	StatsByClass(ctx context.Context, classID string) (*models.ClassStats, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
}

type classStore interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
	FindFormByID(ctx context.Context, id string) (*models.ApplicationForm, error)
	LockSnapshot(ctx context.Context, tx *sqlx.Tx, classID string) (*models.ClassSnapshot, error)
}

// StatsCache caches class stats between reads. A nil StatsCache disables
// caching.
type StatsCache interface {
	GetStats(ctx context.Context, classID string) (*models.ClassStats, error)
	SetStats(ctx context.Context, classID string, stats *models.ClassStats, ttl time.Duration) error
	InvalidateStats(ctx context.Context, classID string) error
}

// ApplyRequest describes a new application.
type ApplyRequest struct {
	ClassID        string           `json:"class_id" validate:"required"`
	UserID         string           `json:"user_id" validate:"required"`
	Answers        models.AnswerMap `json:"answers"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// UpdateAnswersRequest describes an optimistic answers edit.
type UpdateAnswersRequest struct {
	Answers         models.AnswerMap `json:"answers" validate:"required"`
	ExpectedVersion int64            `json:"expected_version" validate:"required,gte=1"`
}

// DecideRequest describes an admin decision on an enrollment.
type DecideRequest struct {
	Status models.EnrollmentStatus `json:"status" validate:"required,oneof=APPROVED REJECTED WAITLISTED"`
	Reason string                  `json:"reason"`
}

// AdmissionConfig tunes retry behaviour and stats caching.
type AdmissionConfig struct {
	MaxRetries    int
	RetryBackoff  time.Duration
	StatsCacheTTL time.Duration
}

// AdmissionService is the enrollment admission engine. It serializes
// concurrent applicants per class behind the class row lock, guarantees
// exactly-once admission for retried requests, and hands freed seats to the
// oldest waitlisted applicant.
type AdmissionService struct {
	enrollments enrollmentStore
	classes     classStore
	cache       StatsCache
	notifier    Notifier
	metrics     *MetricsService
	retry       *retryCoordinator
	validator   *validator.Validate
	logger      *zap.Logger
	statsTTL    time.Duration
	now         func() time.Time
}

// NewAdmissionService constructs AdmissionService. cache, notifier and
// metrics may be nil; the engine then skips the corresponding concern.
func NewAdmissionService(enrollments enrollmentStore, classes classStore, cache StatsCache, notifier Notifier, metrics *MetricsService, cfg AdmissionConfig, validate *validator.Validate, logger *zap.Logger) *AdmissionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.StatsCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AdmissionService{
		enrollments: enrollments,
		classes:     classes,
		cache:       cache,
		notifier:    notifier,
		metrics:     metrics,
		retry:       newRetryCoordinator(cfg.MaxRetries, cfg.RetryBackoff, logger, metrics),
		validator:   validate,
		logger:      logger,
		statsTTL:    ttl,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Apply admits, waitlists or parks a new application. A request replaying a
// known idempotency key returns the previously created enrollment unchanged,
// with no recount and no re-validation; the second return reports such a
// replay.
func (s *AdmissionService) Apply(ctx context.Context, req ApplyRequest) (*models.Enrollment, bool, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid application payload")
	}

	var result *models.Enrollment
	var replayed bool
	err := s.retry.Run(ctx, "apply", func(ctx context.Context) error {
		result = nil
		replayed = false
		return s.enrollments.WithTx(ctx, func(tx *sqlx.Tx) error {
			if req.IdempotencyKey != "" {
				existing, err := s.enrollments.FindByIdempotencyKey(ctx, tx, req.IdempotencyKey)
				if err != nil {
					return err
				}
				if existing != nil {
					result = existing
					replayed = true
					return nil
				}
			}

			snap, err := s.classes.LockSnapshot(ctx, tx, req.ClassID)
			if err != nil {
				if err == sql.ErrNoRows {
					return appErrors.Clone(appErrors.ErrNotFound, "class not found")
				}
				return err
			}

			status, err := DecideAdmission(snap, s.now())
			if err != nil {
				return err
			}

			existing, err := s.enrollments.FindByUserAndClass(ctx, tx, req.UserID, req.ClassID)
			if err != nil {
				return err
			}
			if existing != nil {
				return appErrors.Clone(appErrors.ErrDuplicateApplication, "already applied to this class")
			}

			if err := ValidateRequiredAnswers(snap.Form.Questions, req.Answers); err != nil {
				return err
			}

			enrollment := &models.Enrollment{
				UserID:  req.UserID,
				ClassID: req.ClassID,
				FormID:  snap.Form.ID,
				Answers: req.Answers,
				Status:  status,
			}
			if req.IdempotencyKey != "" {
				key := req.IdempotencyKey
				enrollment.IdempotencyKey = &key
			}
			if err := s.enrollments.Create(ctx, tx, enrollment); err != nil {
				return err
			}
			result = enrollment
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	if !replayed {
		s.metrics.RecordDecision(string(result.Status))
		s.invalidateStats(ctx, result.ClassID)
		s.notify(result, applyKind(result.Status))
		s.logger.Info("application processed",
			zap.String("enrollment_id", result.ID),
			zap.String("class_id", result.ClassID),
			zap.String("status", string(result.Status)),
		)
	}
	return result, replayed, nil
}

// Cancel withdraws an enrollment. Only the owner (or an admin) may cancel,
// and only from APPLIED, WAITLISTED or APPROVED. Canceling an APPROVED
// enrollment frees a seat and promotes the oldest waitlisted applicant
// within the same transaction.
func (s *AdmissionService) Cancel(ctx context.Context, enrollmentID, userID string, isAdmin bool, reason string) (*models.Enrollment, error) {
	var result *models.Enrollment
	var promoted *models.Enrollment
	err := s.retry.Run(ctx, "cancel", func(ctx context.Context) error {
		result, promoted = nil, nil
		return s.enrollments.WithTx(ctx, func(tx *sqlx.Tx) error {
			enrollment, err := s.enrollments.FindByID(ctx, tx, enrollmentID)
			if err != nil {
				if err == sql.ErrNoRows {
					return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
				}
				return err
			}
			if enrollment.UserID != userID && !isAdmin {
				return appErrors.Clone(appErrors.ErrForbidden, "not your enrollment")
			}
			if !enrollment.Status.CanTransition(models.EnrollmentStatusCanceled) {
				return appErrors.Clone(appErrors.ErrInvalidState, "enrollment cannot be canceled from "+string(enrollment.Status))
			}

			// Lock the class row before mutating so cancellation and
			// promotion serialize with concurrent admitters.
			if _, err := s.classes.LockSnapshot(ctx, tx, enrollment.ClassID); err != nil {
				return err
			}

			// Re-read after acquiring the lock: a concurrent cancel or
			// decision may have committed while this transaction waited on
			// the class row, and the freed-seat check below must see the
			// final status.
			enrollment, err = s.enrollments.FindByID(ctx, tx, enrollment.ID)
			if err != nil {
				return err
			}
			if !enrollment.Status.CanTransition(models.EnrollmentStatusCanceled) {
				return appErrors.Clone(appErrors.ErrInvalidState, "enrollment cannot be canceled from "+string(enrollment.Status))
			}

			now := s.now()
			if err := s.enrollments.Cancel(ctx, tx, enrollment.ID, reason, now); err != nil {
				return err
			}

			if enrollment.Status == models.EnrollmentStatusApproved {
				promoted, err = s.promoteOldestWaitlisted(ctx, tx, enrollment.ClassID)
				if err != nil {
					return err
				}
			}

			updated, err := s.enrollments.FindByID(ctx, tx, enrollment.ID)
			if err != nil {
				return err
			}
			result = updated
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStats(ctx, result.ClassID)
	s.notify(result, NotifyCanceled)
	if promoted != nil {
		s.notify(promoted, NotifyPromoted)
	}
	return result, nil
}

// UpdateAnswers replaces an enrollment's answers behind the optimistic
// version check. A stale expected version fails with a version conflict and
// leaves the stored record untouched; the engine never auto-retries it.
func (s *AdmissionService) UpdateAnswers(ctx context.Context, enrollmentID, userID string, req UpdateAnswersRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid answers payload")
	}

	var result *models.Enrollment
	err := s.retry.Run(ctx, "update_answers", func(ctx context.Context) error {
		result = nil
		return s.enrollments.WithTx(ctx, func(tx *sqlx.Tx) error {
			enrollment, err := s.enrollments.FindByID(ctx, tx, enrollmentID)
			if err != nil {
				if err == sql.ErrNoRows {
					return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
				}
				return err
			}
			if enrollment.UserID != userID {
				return appErrors.Clone(appErrors.ErrForbidden, "not your enrollment")
			}
			if enrollment.Status.Terminal() {
				return appErrors.Clone(appErrors.ErrInvalidState, "enrollment is closed")
			}

			form, err := s.classes.FindFormByID(ctx, enrollment.FormID)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if form != nil {
				if err := ValidateRequiredAnswers(form.Questions, req.Answers); err != nil {
					return err
				}
			}

			if err := s.enrollments.UpdateAnswersWithVersion(ctx, tx, enrollment.ID, req.Answers, req.ExpectedVersion); err != nil {
				return err
			}

			updated, err := s.enrollments.FindByID(ctx, tx, enrollment.ID)
			if err != nil {
				return err
			}
			result = updated
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Decide applies an admin decision. Moving an enrollment into APPROVED
// re-checks capacity under the class lock; moving an APPROVED enrollment to
// REJECTED frees its seat and promotes the oldest waitlisted applicant in
// the same transaction. Approving one record never triggers promotion.
func (s *AdmissionService) Decide(ctx context.Context, enrollmentID, adminID string, req DecideRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}

	var result *models.Enrollment
	var promoted *models.Enrollment
	err := s.retry.Run(ctx, "decide", func(ctx context.Context) error {
		result, promoted = nil, nil
		return s.enrollments.WithTx(ctx, func(tx *sqlx.Tx) error {
			enrollment, err := s.enrollments.FindByID(ctx, tx, enrollmentID)
			if err != nil {
				if err == sql.ErrNoRows {
					return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
				}
				return err
			}
			if !enrollment.Status.CanTransition(req.Status) {
				return appErrors.Clone(appErrors.ErrInvalidState,
					"cannot move enrollment from "+string(enrollment.Status)+" to "+string(req.Status))
			}

			snap, err := s.classes.LockSnapshot(ctx, tx, enrollment.ClassID)
			if err != nil {
				return err
			}

			// Re-read under the lock; a concurrent cancel or decision may
			// have moved the enrollment while this transaction waited on
			// the class row.
			enrollment, err = s.enrollments.FindByID(ctx, tx, enrollment.ID)
			if err != nil {
				return err
			}
			if !enrollment.Status.CanTransition(req.Status) {
				return appErrors.Clone(appErrors.ErrInvalidState,
					"cannot move enrollment from "+string(enrollment.Status)+" to "+string(req.Status))
			}

			if req.Status == models.EnrollmentStatusApproved && !snap.SeatAvailable() {
				return appErrors.Clone(appErrors.ErrCapacityExceeded, "class capacity exceeded")
			}
			if req.Status == models.EnrollmentStatusWaitlisted && !snap.WaitlistAvailable() {
				return appErrors.Clone(appErrors.ErrWaitlistFull, "waitlist is full")
			}

			if err := s.enrollments.UpdateStatus(ctx, tx, enrollment.ID, req.Status, s.now(), adminID, req.Reason); err != nil {
				return err
			}

			// A seat frees only when an APPROVED record leaves that state.
			if enrollment.Status == models.EnrollmentStatusApproved && req.Status == models.EnrollmentStatusRejected {
				promoted, err = s.promoteOldestWaitlisted(ctx, tx, enrollment.ClassID)
				if err != nil {
					return err
				}
			}

			updated, err := s.enrollments.FindByID(ctx, tx, enrollment.ID)
			if err != nil {
				return err
			}
			result = updated
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordDecision(string(result.Status))
	s.invalidateStats(ctx, result.ClassID)
	s.notify(result, decisionKind(result.Status))
	if promoted != nil {
		s.notify(promoted, NotifyPromoted)
	}
	return result, nil
}

// Get returns an enrollment visible to the caller.
func (s *AdmissionService) Get(ctx context.Context, enrollmentID, userID string, isAdmin bool) (*models.Enrollment, error) {
	enrollment, err := s.enrollments.FindByID(ctx, nil, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.UserID != userID && !isAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not your enrollment")
	}
	return enrollment, nil
}

// List returns enrollments with pagination metadata.
func (s *AdmissionService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	enrollments, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Stats aggregates per-status counts for a class, served from cache when
// fresh. Every committed mutation of the class's enrollments invalidates
// the cached entry.
func (s *AdmissionService) Stats(ctx context.Context, classID string) (*models.ClassStats, error) {
	if s.cache != nil {
		cached, err := s.cache.GetStats(ctx, classID)
		if err == nil && cached != nil {
			s.metrics.RecordCacheOperation(true)
			return cached, nil
		}
		s.metrics.RecordCacheOperation(false)
	}

	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}

	stats, err := s.enrollments.StatsByClass(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate stats")
	}
	stats.Capacity = class.Capacity
	stats.WaitlistCapacity = class.WaitlistCapacity

	if s.cache != nil {
		if err := s.cache.SetStats(ctx, classID, stats, s.statsTTL); err != nil {
			s.logger.Warn("failed to cache class stats", zap.String("class_id", classID), zap.Error(err))
		}
	}
	return stats, nil
}

// promoteOldestWaitlisted hands a freed seat to the earliest waitlisted
// applicant of the class. No-op when the waitlist is empty. Runs inside the
// caller's transaction, under the class row lock.
func (s *AdmissionService) promoteOldestWaitlisted(ctx context.Context, tx *sqlx.Tx, classID string) (*models.Enrollment, error) {
	next, err := s.enrollments.OldestWaitlisted(ctx, tx, classID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	if err := s.enrollments.UpdateStatus(ctx, tx, next.ID, models.EnrollmentStatusApproved, s.now(), SystemDecider, promotionReason); err != nil {
		return nil, err
	}
	next.Status = models.EnrollmentStatusApproved
	s.metrics.RecordPromotion()
	s.logger.Info("promoted waitlisted enrollment",
		zap.String("enrollment_id", next.ID),
		zap.String("class_id", classID),
	)
	return next, nil
}

func (s *AdmissionService) invalidateStats(ctx context.Context, classID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateStats(ctx, classID); err != nil {
		s.logger.Warn("failed to invalidate stats cache", zap.String("class_id", classID), zap.Error(err))
	}
}

func (s *AdmissionService) notify(enrollment *models.Enrollment, kind string) {
	if s.notifier == nil || enrollment == nil {
		return
	}
	s.notifier.Enqueue(NotificationEvent{
		EnrollmentID:    enrollment.ID,
		Kind:            kind,
		RecipientUserID: enrollment.UserID,
		Payload: map[string]interface{}{
			"class_id": enrollment.ClassID,
			"status":   string(enrollment.Status),
		},
	})
}

func applyKind(status models.EnrollmentStatus) string {
	switch status {
	case models.EnrollmentStatusApproved:
		return NotifyApproved
	case models.EnrollmentStatusWaitlisted:
		return NotifyWaitlisted
	default:
		return NotifyApplied
	}
}

func decisionKind(status models.EnrollmentStatus) string {
	switch status {
	case models.EnrollmentStatusApproved:
		return NotifyApproved
	case models.EnrollmentStatusRejected:
		return NotifyRejected
	case models.EnrollmentStatusWaitlisted:
		return NotifyWaitlisted
	default:
		return NotifyApplied
	}
}
