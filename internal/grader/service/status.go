package service

import (
	"context"
	"time"

	"codegrader/internal/common/mq"
	"codegrader/internal/grader/model"
	"codegrader/internal/grader/queue"
	"codegrader/internal/grader/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

type statusWriter struct {
	store repository.StatusStore
	ttl   time.Duration
}

func (w statusWriter) write(ctx context.Context, jobID string, snap model.StatusSnapshot) error {
	if err := w.store.Set(ctx, jobID, snap, w.ttl); err != nil {
		logger.Error(ctx, "write job status failed",
			zap.String("status", string(snap.Status)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// fail records err for pollers and returns the error the queue should see.
// Only a failure that ends the job writes Failed; earlier attempts stay Running.
func (w statusWriter) fail(ctx context.Context, job *queue.Job, jobID string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	final := job.FinalAttempt() || mq.IsPermanent(err) || !appErr.IsRetryable(err)
	status := model.StatusRunning
	if final {
		status = model.StatusFailed
	}
	_ = w.write(ctx, jobID, model.Snapshot(status).WithError(err))
	if final && !mq.IsPermanent(err) {
		return mq.Permanent(err)
	}
	return err
}
