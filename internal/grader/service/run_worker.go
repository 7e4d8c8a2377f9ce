package service

import (
	"context"
	"time"

	"codegrader/internal/grader/execution"
	"codegrader/internal/grader/model"
	"codegrader/internal/grader/queue"
	"codegrader/internal/grader/repository"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// RunWorkerConfig wires a RunWorker.
type RunWorkerConfig struct {
	Status    repository.StatusStore
	Executor  execution.Executor
	StatusTTL time.Duration
}

// RunWorker grades trial runs one case at a time. Nothing it produces is persisted.
type RunWorker struct {
	status   statusWriter
	executor execution.Executor
}

// NewRunWorker creates a trial-run worker.
func NewRunWorker(cfg RunWorkerConfig) (*RunWorker, error) {
	if cfg.Status == nil {
		return nil, appErr.ValidationError("status", "required")
	}
	if cfg.Executor == nil {
		return nil, appErr.ValidationError("executor", "required")
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = repository.DefaultStatusTTL
	}
	return &RunWorker{
		status:   statusWriter{store: cfg.Status, ttl: cfg.StatusTTL},
		executor: cfg.Executor,
	}, nil
}

// Handle is the queue handler for RunQueue.
func (w *RunWorker) Handle(ctx context.Context, job *queue.Job) error {
	var req model.RunRequest
	if err := job.Decode(&req); err != nil {
		return w.status.fail(ctx, job, job.ID, err)
	}
	if req.RunID == "" {
		req.RunID = job.ID
	}
	if _, err := w.Run(ctx, req); err != nil {
		return w.status.fail(ctx, job, req.RunID, err)
	}
	return nil
}

// Run executes every case sequentially, publishing progress after each one.
func (w *RunWorker) Run(ctx context.Context, req model.RunRequest) (model.AggregateResult, error) {
	if err := w.status.write(ctx, req.RunID, model.Snapshot(model.StatusRunning)); err != nil {
		return model.AggregateResult{}, err
	}

	total := len(req.TestCases)
	results := make([]model.TestCaseResult, 0, total)
	for i, tc := range req.TestCases {
		res, err := w.executor.Execute(ctx, execution.ExecuteRequest{
			Code:           req.Code,
			LanguageID:     req.LanguageID,
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
		})
		if err != nil {
			if ctx.Err() != nil {
				return model.AggregateResult{}, ctx.Err()
			}
			logger.Warn(ctx, "test case execution failed",
				zap.Int("case", i),
				zap.Error(err),
			)
			res = model.TestCaseResult{Status: model.StatusInternalError, RuntimeError: err.Error()}
		}
		results = append(results, res.Graded("", 0, tc.ExpectedOutput))

		agg := model.NewAggregate(req.RunID, total, results)
		snap := model.Snapshot(model.StatusRunning).WithResult(agg).WithProgress(len(results), total)
		if err := w.status.write(ctx, req.RunID, snap); err != nil {
			return model.AggregateResult{}, err
		}
	}

	agg := model.NewAggregate(req.RunID, total, results)
	agg.Verdict = model.OverallStatus(results)
	if err := w.status.write(ctx, req.RunID, model.Snapshot(model.StatusDone).WithResult(agg)); err != nil {
		return model.AggregateResult{}, err
	}
	logger.Info(ctx, "trial run finished",
		zap.String("run_id", req.RunID),
		zap.Int("passed", agg.PassedTestCases),
		zap.Int("total", agg.TotalTestCases),
	)
	return agg, nil
}
