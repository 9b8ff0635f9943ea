package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/class-admission-api/pkg/database"
	appErrors "github.com/noah-isme/class-admission-api/pkg/errors"
)

// retryCoordinator re-executes a whole admission transaction when the store
// reports a serialization failure or deadlock. Only that error class is
// retried; business-rule errors propagate immediately. Exhausting the
// attempt budget surfaces the last conflict as a terminal storage conflict.
type retryCoordinator struct {
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
	metrics    *MetricsService
}

func newRetryCoordinator(maxRetries int, backoff time.Duration, logger *zap.Logger, metrics *MetricsService) *retryCoordinator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryCoordinator{maxRetries: maxRetries, backoff: backoff, logger: logger, metrics: metrics}
}

// Run executes fn, retrying on transient storage conflicts with exponential
// backoff (backoff × 2^attempt). The transaction inside fn either commits or
// rolls back entirely, so re-running it is safe.
func (r *retryCoordinator) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff << uint(attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			r.metrics.RecordRetry(op)
			r.logger.Warn("retrying after storage conflict",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
			)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}

	r.logger.Error("storage conflict retries exhausted",
		zap.String("operation", op),
		zap.Int("attempts", r.maxRetries),
		zap.Error(lastErr),
	)
	return appErrors.Wrap(lastErr, appErrors.ErrStorageConflict.Code,
		appErrors.ErrStorageConflict.Status, "conflicting transactions exhausted retries")
}

func retryable(err error) bool {
	return database.IsSerializationFailure(err) || appErrors.IsStorageConflict(err)
}
