package service

import (
	"context"
	"fmt"
	"time"

	"codegrader/internal/common/metrics"
	"codegrader/internal/grader/model"
	"codegrader/internal/grader/queue"
	"codegrader/internal/grader/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// PersistWorkerConfig wires a PersistWorker.
type PersistWorkerConfig struct {
	Status      repository.StatusStore
	Submissions repository.SubmissionWriter
	Problems    repository.ProblemReader
	Retry       RetryPolicy
	StatusTTL   time.Duration
	Metrics     *metrics.Metrics
}

// PersistWorker scores graded submissions and writes them durably.
type PersistWorker struct {
	status      statusWriter
	submissions repository.SubmissionWriter
	problems    repository.ProblemReader
	retry       RetryPolicy
	metrics     *metrics.Metrics
}

// NewPersistWorker creates a persistence worker.
func NewPersistWorker(cfg PersistWorkerConfig) (*PersistWorker, error) {
	if cfg.Status == nil {
		return nil, appErr.ValidationError("status", "required")
	}
	if cfg.Submissions == nil {
		return nil, appErr.ValidationError("submissions", "required")
	}
	if cfg.Problems == nil {
		return nil, appErr.ValidationError("problems", "required")
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = repository.DefaultStatusTTL
	}
	return &PersistWorker{
		status:      statusWriter{store: cfg.Status, ttl: cfg.StatusTTL},
		submissions: cfg.Submissions,
		problems:    cfg.Problems,
		retry:       cfg.Retry.withDefaults(),
		metrics:     cfg.Metrics,
	}, nil
}

// Handle is the queue handler for PersistenceQueue.
func (w *PersistWorker) Handle(ctx context.Context, job *queue.Job) error {
	var pj model.PersistJob
	if err := job.Decode(&pj); err != nil {
		return w.status.fail(ctx, job, job.ID, err)
	}
	if pj.SubmissionID == "" {
		pj.SubmissionID = job.ID
	}
	if _, err := w.Persist(ctx, pj); err != nil {
		return w.status.fail(ctx, job, pj.SubmissionID, err)
	}
	return nil
}

// Persist scores pj, inserts the submission and its results, then reports Done.
// Replaying the same job leaves the stored rows unchanged.
func (w *PersistWorker) Persist(ctx context.Context, pj model.PersistJob) (float64, error) {
	result := pj.Result
	if len(result.Results) == 0 {
		return 0, appErr.ValidationError("results", "empty")
	}
	if result.TotalTestCases <= 0 {
		result.TotalTestCases = len(result.Results)
	}

	weights, err := w.weights(ctx, pj.Metadata.ProblemID)
	if err != nil {
		return 0, err
	}
	score := Score(result, pj.ProblemPoint, weights)
	timeMs, memoryKB := model.MaxUsage(result.Results)
	verdict := result.Verdict
	if verdict == "" {
		verdict = model.OverallStatus(result.Results)
	}

	record := model.SubmissionRecord{
		ID:              pj.SubmissionID,
		StudentID:       pj.Metadata.StudentID,
		ProblemID:       pj.Metadata.ProblemID,
		LanguageID:      pj.Metadata.LanguageID,
		Code:            pj.Metadata.Code,
		Status:          verdict,
		Score:           score,
		ExecutionTimeMs: timeMs,
		MemoryKB:        memoryKB,
		SubmittedAt:     pj.Metadata.SubmittedAt,
	}
	if pj.Metadata.ContestID != "" {
		contestID := pj.Metadata.ContestID
		record.ContestID = &contestID
	}
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = time.Now().UTC()
	}

	var inserted bool
	err = retryOperation(ctx, w.retry, w.metrics, "create submission", func(ctx context.Context) error {
		var err error
		inserted, err = w.submissions.CreateSubmission(ctx, record)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !inserted {
		logger.Info(ctx, "submission already persisted, continuing with results", zap.String("submission_id", pj.SubmissionID))
	}

	rows := resultRows(pj.SubmissionID, result.Results)
	err = retryOperation(ctx, w.retry, w.metrics, "create submission results", func(ctx context.Context) error {
		_, err := w.submissions.CreateResults(ctx, rows)
		return err
	})
	if err != nil {
		if appErr.Is(err, appErr.ConstraintViolation) {
			logger.Error(ctx, "submission results violate a constraint, manual follow-up needed",
				zap.String("submission_id", pj.SubmissionID),
				zap.Error(err),
			)
		}
		return 0, err
	}

	snap := model.Snapshot(model.StatusDone).WithResult(result).WithScore(score)
	if err := w.status.write(ctx, pj.SubmissionID, snap); err != nil {
		return 0, err
	}
	logger.Info(ctx, "submission persisted",
		zap.String("submission_id", pj.SubmissionID),
		zap.String("status", verdict),
		zap.Float64("score", score),
		zap.Int("results", len(rows)),
	)
	return score, nil
}

func (w *PersistWorker) weights(ctx context.Context, problemID string) (model.ProblemWeights, error) {
	var (
		weights model.ProblemWeights
		found   bool
	)
	err := retryOperation(ctx, w.retry, w.metrics, "fetch problem weights", func(ctx context.Context) error {
		var err error
		weights, found, err = w.problems.GetWeights(ctx, problemID)
		return err
	})
	if err != nil {
		return model.ProblemWeights{}, err
	}
	if !found {
		logger.Warn(ctx, "problem weights not found, using defaults", zap.String("problem_id", problemID))
		return model.DefaultProblemWeights, nil
	}
	normalized, ok := NormalizeWeights(weights)
	if !ok {
		logger.Warn(ctx, "problem weights invalid, using defaults",
			zap.String("problem_id", problemID),
			zap.Float64("problem_weight", weights.ProblemWeight),
			zap.Float64("testcase_weight", weights.TestcaseWeight),
		)
	}
	return normalized, nil
}

func resultRows(submissionID string, results []model.TestCaseResult) []model.SubmissionResult {
	rows := make([]model.SubmissionResult, 0, len(results))
	for i, r := range results {
		id := r.TestCaseID
		if id == "" {
			id = fmt.Sprintf("testcase_%d", i)
		}
		status := r.Status
		if status == "" {
			status = "Unknown"
		}
		rows = append(rows, model.SubmissionResult{
			SubmissionID:    submissionID,
			TestCaseID:      id,
			Status:          status,
			ExecutionTimeMs: r.ExecutionTimeMs,
			MemoryKB:        r.MemoryKB,
		})
	}
	return rows
}
