package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/cca-portal-api/pkg/database"
	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

// RetryPolicy bounds how often a ledger transaction aborted by contention is re-run.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// runWithRetry re-runs fn while it fails with a retryable database error.
// fn must derive its whole plan from reads made inside the attempt.
func runWithRetry(ctx context.Context, policy RetryPolicy, metrics *MetricsService, logger *zap.Logger, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordTransactionRetry()
			timer := time.NewTimer(policy.Backoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return appErrors.Wrap(ctx.Err(), appErrors.ErrConflictRetryable.Code, appErrors.ErrConflictRetryable.Status, appErrors.ErrConflictRetryable.Message)
			case <-timer.C:
			}
		}
		err = fn(ctx)
		if err == nil || !database.IsRetryable(err) {
			return err
		}
		logger.Warn("ledger transaction aborted by contention", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return appErrors.Wrap(err, appErrors.ErrConflictRetryable.Code, appErrors.ErrConflictRetryable.Status, appErrors.ErrConflictRetryable.Message)
}
