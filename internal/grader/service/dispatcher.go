package service

import (
	"context"
	"strings"
	"time"

	"codegrader/internal/grader/model"
	"codegrader/internal/grader/queue"
	"codegrader/internal/grader/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TestCaseSource resolves the stored test cases of a problem.
type TestCaseSource interface {
	Load(ctx context.Context, problemID string) ([]model.SubmissionTestCase, error)
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Status    repository.StatusStore
	Queue     queue.JobQueue
	TestCases TestCaseSource
	Problems  repository.ProblemReader
	StatusTTL time.Duration
}

// Dispatcher is the producer side of the pipeline: it validates requests,
// writes Queued and enqueues the job.
type Dispatcher struct {
	status    statusWriter
	store     repository.StatusStore
	queue     queue.JobQueue
	testCases TestCaseSource
	problems  repository.ProblemReader
}

// NewDispatcher creates a dispatcher. TestCases and Problems are optional.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Status == nil {
		return nil, appErr.ValidationError("status", "required")
	}
	if cfg.Queue == nil {
		return nil, appErr.ValidationError("queue", "required")
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = repository.DefaultStatusTTL
	}
	return &Dispatcher{
		status:    statusWriter{store: cfg.Status, ttl: cfg.StatusTTL},
		store:     cfg.Status,
		queue:     cfg.Queue,
		testCases: cfg.TestCases,
		problems:  cfg.Problems,
	}, nil
}

// SubmitRun enqueues a trial run and returns its id.
func (d *Dispatcher) SubmitRun(ctx context.Context, req model.RunRequest) (string, error) {
	if strings.TrimSpace(req.Code) == "" {
		return "", appErr.ValidationError("code", "required")
	}
	if req.LanguageID <= 0 {
		return "", appErr.ValidationError("languageId", "required")
	}
	if len(req.TestCases) == 0 {
		return "", appErr.ValidationError("testCases", "empty")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if err := d.enqueue(ctx, queue.RunQueue, req.RunID, req); err != nil {
		return "", err
	}
	return req.RunID, nil
}

// SubmitSubmission resolves missing test cases and driver code, then enqueues the submission.
func (d *Dispatcher) SubmitSubmission(ctx context.Context, req model.SubmissionRequest) (string, error) {
	switch {
	case req.StudentID == "":
		return "", appErr.ValidationError("studentId", "required")
	case req.ProblemID == "":
		return "", appErr.ValidationError("problemId", "required")
	case strings.TrimSpace(req.UserCode) == "":
		return "", appErr.ValidationError("userCode", "required")
	case req.LanguageCode <= 0:
		return "", appErr.ValidationError("languageCode", "required")
	}
	if req.SubmissionID == "" {
		req.SubmissionID = uuid.NewString()
	}
	if req.ProblemPoint <= 0 {
		req.ProblemPoint = 1
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	if len(req.TestCases) == 0 {
		if d.testCases == nil {
			return "", appErr.ValidationError("testcases", "empty")
		}
		cases, err := d.testCases.Load(ctx, req.ProblemID)
		if err != nil {
			return "", err
		}
		req.TestCases = cases
	}
	if req.DriverCode == "" && req.Prelude == "" && d.problems != nil && req.LanguageID != "" {
		dc, found, err := d.problems.GetDriverCode(ctx, req.ProblemID, req.LanguageID)
		if err != nil {
			return "", err
		}
		if found {
			req.Prelude = dc.Prelude
			req.DriverCode = dc.DriverCode
		}
	}

	if err := d.enqueue(ctx, queue.SubmissionQueue, req.SubmissionID, req); err != nil {
		return "", err
	}
	return req.SubmissionID, nil
}

// Status returns the latest snapshot of jobID, or StatusNotFound once it expired.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (model.StatusSnapshot, error) {
	snap, found, err := d.store.Get(ctx, jobID)
	if err != nil {
		return model.StatusSnapshot{}, err
	}
	if !found {
		return model.StatusSnapshot{}, appErr.New(appErr.StatusNotFound)
	}
	return snap, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, queueName, jobID string, payload interface{}) error {
	if err := d.status.write(ctx, jobID, model.Snapshot(model.StatusQueued)); err != nil {
		return err
	}
	if _, err := d.queue.Enqueue(ctx, queueName, payload, &queue.JobOptions{JobID: jobID}); err != nil {
		_ = d.status.write(ctx, jobID, model.Snapshot(model.StatusFailed).WithError(err))
		return err
	}
	logger.Info(ctx, "job dispatched", zap.String("queue", queueName), zap.String("job_id", jobID))
	return nil
}
