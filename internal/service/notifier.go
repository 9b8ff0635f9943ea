package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/class-admission-api/pkg/jobs"
)

// Notification kinds handed to the dispatcher after a commit.
const (
	NotifyApplied    = "enrollment.applied"
	NotifyApproved   = "enrollment.approved"
	NotifyWaitlisted = "enrollment.waitlisted"
	NotifyRejected   = "enrollment.rejected"
	NotifyCanceled   = "enrollment.canceled"
	NotifyPromoted   = "enrollment.promoted"
)

// NotificationEvent is the payload handed to the notification collaborator.
type NotificationEvent struct {
	EnrollmentID    string                 `json:"enrollment_id"`
	Kind            string                 `json:"kind"`
	RecipientUserID string                 `json:"recipient_user_id"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

// Notifier is the fire-and-forget boundary to the notification dispatcher.
type Notifier interface {
	Enqueue(event NotificationEvent)
}

// QueueNotifier dispatches events onto the in-process jobs queue. Enqueue is
// called strictly after the admitting transaction commits; a failed enqueue
// is logged and never affects the committed enrollment outcome.
type QueueNotifier struct {
	queue  *jobs.Queue[NotificationEvent]
	logger *zap.Logger
}

// NewQueueNotifier constructs the notifier.
func NewQueueNotifier(queue *jobs.Queue[NotificationEvent], logger *zap.Logger) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueNotifier{queue: queue, logger: logger}
}

// Enqueue hands the event to the dispatcher without blocking on delivery.
func (n *QueueNotifier) Enqueue(event NotificationEvent) {
	job := jobs.Job[NotificationEvent]{
		ID:      uuid.NewString(),
		Type:    event.Kind,
		Payload: event,
	}
	if err := n.queue.Enqueue(job); err != nil {
		n.logger.Warn("failed to enqueue notification",
			zap.String("enrollment_id", event.EnrollmentID),
			zap.String("kind", event.Kind),
			zap.Error(err),
		)
	}
}

// NotificationHandler returns the queue handler that delivers events. Email
// composition and delivery live with the notification collaborator; this
// handler records the hand-off.
func NotificationHandler(logger *zap.Logger) jobs.Handler[NotificationEvent] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job jobs.Job[NotificationEvent]) error {
		event := job.Payload
		logger.Info("notification dispatched",
			zap.String("enrollment_id", event.EnrollmentID),
			zap.String("kind", event.Kind),
			zap.String("recipient", event.RecipientUserID),
		)
		return nil
	}
}
