package engine

import (
	"context"
	"time"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

const (
	// retryAttempts is the total number of pipeline attempts, including the
	// first. Only transient connection failures consume attempts.
	retryAttempts = 3
	// retryInitialWait is the pause before the first re-attempt; it doubles
	// after every failure.
	retryInitialWait = 5 * time.Second
)

// runWithRetry re-runs the whole pipeline on transient connection failures.
// Fatal errors and cancellation return immediately with the attempt's result.
func (e *Engine) runWithRetry(ctx context.Context, task *models.TaskDefinition, exec *models.TaskExecution, opts runOpts) models.TransferResult {
	wait := e.retryWait
	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, task, exec, opts)
		switch {
		case err == nil:
			return res
		case models.IsCancelled(err):
			return res
		case !models.IsTransient(err):
			return res
		case attempt >= retryAttempts:
			logger.Error("transfer failed after retries",
				"task", task.ID, "attempts", attempt, "error", err)
			return res
		}

		logger.Warn("transient failure, retrying transfer",
			"task", task.ID, "attempt", attempt, "next_in", wait, "error", err)
		if serr := sleepWithContext(ctx, wait); serr != nil {
			return models.Cancelled(exec, task.Name)
		}
		wait *= 2
	}
}

// sleepWithContext waits for d or until ctx is done, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
