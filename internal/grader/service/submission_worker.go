package service

import (
	"context"
	"strings"
	"time"

	"codegrader/internal/grader/execution"
	"codegrader/internal/grader/model"
	"codegrader/internal/grader/queue"
	"codegrader/internal/grader/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize      = 5
	defaultBatchesPerWave = 3
)

// SubmissionWorkerConfig wires a SubmissionWorker.
type SubmissionWorkerConfig struct {
	Status    repository.StatusStore
	Executor  execution.Executor
	Queue     queue.JobQueue
	StatusTTL time.Duration
	// BatchSize is the number of cases per sandbox batch.
	BatchSize int
	// BatchesPerWave is how many batches run concurrently.
	BatchesPerWave int
}

// SubmissionWorker grades official submissions in batched waves and hands them to persistence.
type SubmissionWorker struct {
	status         statusWriter
	executor       execution.Executor
	queue          queue.JobQueue
	batchSize      int
	batchesPerWave int
}

// NewSubmissionWorker creates a submission runner.
func NewSubmissionWorker(cfg SubmissionWorkerConfig) (*SubmissionWorker, error) {
	if cfg.Status == nil {
		return nil, appErr.ValidationError("status", "required")
	}
	if cfg.Executor == nil {
		return nil, appErr.ValidationError("executor", "required")
	}
	if cfg.Queue == nil {
		return nil, appErr.ValidationError("queue", "required")
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = repository.DefaultStatusTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchesPerWave <= 0 {
		cfg.BatchesPerWave = defaultBatchesPerWave
	}
	return &SubmissionWorker{
		status:         statusWriter{store: cfg.Status, ttl: cfg.StatusTTL},
		executor:       cfg.Executor,
		queue:          cfg.Queue,
		batchSize:      cfg.BatchSize,
		batchesPerWave: cfg.BatchesPerWave,
	}, nil
}

// BuildSource joins prelude, user code and driver code with blank lines, skipping empty parts.
func BuildSource(prelude, userCode, driverCode string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prelude, userCode, driverCode} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Handle is the queue handler for SubmissionQueue.
func (w *SubmissionWorker) Handle(ctx context.Context, job *queue.Job) error {
	var req model.SubmissionRequest
	if err := job.Decode(&req); err != nil {
		return w.status.fail(ctx, job, job.ID, err)
	}
	if req.SubmissionID == "" {
		req.SubmissionID = job.ID
	}
	if _, err := w.Grade(ctx, req); err != nil {
		return w.status.fail(ctx, job, req.SubmissionID, err)
	}
	return nil
}

// Grade runs all cases, reports Completed and enqueues the persistence job.
// Nothing is written for the submission after a successful enqueue.
func (w *SubmissionWorker) Grade(ctx context.Context, req model.SubmissionRequest) (model.AggregateResult, error) {
	if len(req.TestCases) == 0 {
		return model.AggregateResult{}, appErr.ValidationError("testcases", "empty")
	}
	if err := w.status.write(ctx, req.SubmissionID, model.Snapshot(model.StatusRunning)); err != nil {
		return model.AggregateResult{}, err
	}

	code := BuildSource(req.Prelude, req.UserCode, req.DriverCode)
	batches := chunk(req.TestCases, w.batchSize)
	batchResults := make([][]model.TestCaseResult, len(batches))
	total := len(req.TestCases)

	var results []model.TestCaseResult
	for start := 0; start < len(batches); start += w.batchesPerWave {
		end := start + w.batchesPerWave
		if end > len(batches) {
			end = len(batches)
		}
		g, gctx := errgroup.WithContext(ctx)
		for b := start; b < end; b++ {
			b := b
			g.Go(func() error {
				graded, err := w.runBatch(gctx, req.LanguageCode, code, batches[b])
				if err != nil {
					return err
				}
				batchResults[b] = graded
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return model.AggregateResult{}, err
		}

		results = results[:0]
		for b := 0; b < end; b++ {
			results = append(results, batchResults[b]...)
		}
		agg := model.NewAggregate(req.SubmissionID, total, results)
		snap := model.Snapshot(model.StatusRunning).WithResult(agg).WithProgress(len(results), total)
		if err := w.status.write(ctx, req.SubmissionID, snap); err != nil {
			return model.AggregateResult{}, err
		}
		logger.Debug(ctx, "submission wave finished",
			zap.Int("completed", len(results)),
			zap.Int("total", total),
		)
	}

	agg := model.NewAggregate(req.SubmissionID, total, results)
	agg.Verdict = model.OverallStatus(agg.Results)

	persist := model.PersistJob{
		SubmissionID: req.SubmissionID,
		ProblemPoint: req.ProblemPoint,
		Result:       agg,
		Metadata: model.PersistMetadata{
			ProblemID:   req.ProblemID,
			StudentID:   req.StudentID,
			ContestID:   req.ContestID,
			LanguageID:  req.LanguageID,
			Code:        req.UserCode,
			SubmittedAt: req.SubmittedAt,
		},
	}
	// Completed goes out before the hand-off: once persistence owns the key it may write Done at any time.
	if err := w.status.write(ctx, req.SubmissionID, model.Snapshot(model.StatusCompleted).WithResult(agg)); err != nil {
		return model.AggregateResult{}, err
	}
	if _, err := w.queue.Enqueue(ctx, queue.PersistenceQueue, persist, &queue.JobOptions{JobID: req.SubmissionID}); err != nil {
		return model.AggregateResult{}, err
	}
	logger.Info(ctx, "submission graded",
		zap.String("submission_id", req.SubmissionID),
		zap.String("verdict", agg.Verdict),
		zap.Int("passed", agg.PassedTestCases),
		zap.Int("total", total),
	)
	return agg, nil
}

func (w *SubmissionWorker) runBatch(ctx context.Context, languageID int, code string, cases []model.SubmissionTestCase) ([]model.TestCaseResult, error) {
	batch := make([]execution.BatchCase, len(cases))
	for i, tc := range cases {
		batch[i] = execution.BatchCase{Input: tc.Input, ExpectedOutput: tc.Output}
	}
	raw, err := w.executor.BatchExecute(ctx, languageID, code, batch)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(cases) {
		return nil, appErr.TransportError(nil, "sandbox returned %d results for %d cases", len(raw), len(cases))
	}
	graded := make([]model.TestCaseResult, len(cases))
	for i, tc := range cases {
		graded[i] = raw[i].Graded(tc.ID, tc.EffectiveWeight(), tc.Output)
	}
	return graded, nil
}

func chunk(cases []model.SubmissionTestCase, size int) [][]model.SubmissionTestCase {
	out := make([][]model.SubmissionTestCase, 0, (len(cases)+size-1)/size)
	for start := 0; start < len(cases); start += size {
		end := start + size
		if end > len(cases) {
			end = len(cases)
		}
		out = append(out, cases[start:end])
	}
	return out
}
