package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"codegrader/internal/common/mq"
	"codegrader/internal/grader/model"
	appErr "codegrader/pkg/errors"
)

func persistJob(id string) model.PersistJob {
	results := []model.TestCaseResult{
		{TestCaseID: "tc1", Status: model.StatusAccepted, Weight: 1, Passed: true, ExecutionTimeMs: 12, MemoryKB: 100},
		{TestCaseID: "tc2", Status: model.StatusAccepted, Weight: 1, Passed: true, ExecutionTimeMs: 40, MemoryKB: 90},
		{Status: model.StatusAccepted, Weight: 1, Passed: true, ExecutionTimeMs: 7, MemoryKB: 300},
	}
	agg := model.NewAggregate(id, 3, results)
	agg.Verdict = model.StatusAccepted
	return model.PersistJob{
		SubmissionID: id,
		ProblemPoint: 2,
		Result:       agg,
		Metadata: model.PersistMetadata{
			ProblemID:   "p1",
			StudentID:   "u1",
			ContestID:   "c1",
			LanguageID:  "cpp",
			Code:        "int main(){}",
			SubmittedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func newPersistFixture(t *testing.T, problems *fakeProblems) (*PersistWorker, *memStatus, *memSubmissions) {
	t.Helper()
	status := newMemStatus()
	subs := newMemSubmissions()
	w, err := NewPersistWorker(PersistWorkerConfig{Status: status, Submissions: subs, Problems: problems, Retry: fastRetry})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w, status, subs
}

func TestPersistWorkerScoresAndStores(t *testing.T) {
	t.Parallel()
	w, status, subs := newPersistFixture(t, &fakeProblems{weights: model.ProblemWeights{ProblemWeight: 30, TestcaseWeight: 70}, found: true})

	score, err := w.Persist(context.Background(), persistJob("s1"))
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if score != 200 {
		t.Fatalf("expected 200, got %v", score)
	}

	rec := subs.records["s1"]
	if rec.Status != model.StatusAccepted || rec.Score != 200 || rec.ExecutionTimeMs != 40 || rec.MemoryKB != 300 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ContestID == nil || *rec.ContestID != "c1" || rec.Code != "int main(){}" {
		t.Fatalf("metadata not carried: %+v", rec)
	}
	if len(subs.results) != 3 {
		t.Fatalf("expected 3 result rows, got %d", len(subs.results))
	}
	if _, ok := subs.results["s1/testcase_2"]; !ok {
		t.Fatalf("missing test case id must fall back to its index")
	}

	last := status.last("s1")
	if last.Status != model.StatusDone || last.Score == nil || *last.Score != 200 {
		t.Fatalf("unexpected final status %+v", last)
	}
}

func TestPersistWorkerIdempotent(t *testing.T) {
	t.Parallel()
	w, _, subs := newPersistFixture(t, &fakeProblems{})
	for i := 0; i < 3; i++ {
		if _, err := w.Persist(context.Background(), persistJob("s2")); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
	}
	if len(subs.records) != 1 || len(subs.results) != 3 {
		t.Fatalf("replays must not duplicate rows: %d records, %d results", len(subs.records), len(subs.results))
	}
}

func TestPersistWorkerDefaultsWeights(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		problems *fakeProblems
	}{
		{name: "missing", problems: &fakeProblems{}},
		{name: "invalid sum", problems: &fakeProblems{weights: model.ProblemWeights{ProblemWeight: 80, TestcaseWeight: 80}, found: true}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, _, _ := newPersistFixture(t, tt.problems)
			job := persistJob("s3")
			job.Result.Results[0].Passed = false
			job.Result = model.NewAggregate("s3", 3, job.Result.Results)
			score, err := w.Persist(context.Background(), job)
			if err != nil {
				t.Fatalf("persist: %v", err)
			}
			// 2 * (2/3*30 + 2/3*70)
			if score != 133.33 {
				t.Fatalf("expected 133.33, got %v", score)
			}
		})
	}
}

func TestPersistWorkerRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	w, status, subs := newPersistFixture(t, &fakeProblems{})
	subs.failResults = 2
	subs.failWith = appErr.Wrap(errors.New("connection reset by peer"), appErr.ResultPersistFailed)

	if _, err := w.Persist(context.Background(), persistJob("s4")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if subs.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", subs.calls)
	}
	if status.last("s4").Status != model.StatusDone {
		t.Fatalf("expected Done")
	}
}

func TestPersistWorkerConstraintViolationSurfacesImmediately(t *testing.T) {
	t.Parallel()
	w, status, subs := newPersistFixture(t, &fakeProblems{})
	subs.failResults = 5
	subs.failWith = appErr.New(appErr.ConstraintViolation)

	err := w.Handle(context.Background(), jobFor(t, "s5", persistJob("s5"), 1, 5))
	if !appErr.Is(err, appErr.ConstraintViolation) || !mq.IsPermanent(err) {
		t.Fatalf("expected permanent constraint violation, got %v", err)
	}
	if subs.calls != 1 {
		t.Fatalf("constraint violations must not be retried, got %d calls", subs.calls)
	}
	if status.last("s5").Status != model.StatusFailed {
		t.Fatalf("expected Failed")
	}
}

func TestPersistWorkerExhaustedRetriesDeferToQueue(t *testing.T) {
	t.Parallel()
	w, status, subs := newPersistFixture(t, &fakeProblems{})
	subs.failResults = 10
	subs.failWith = appErr.Wrap(errors.New("timeout"), appErr.ResultPersistFailed)

	err := w.Handle(context.Background(), jobFor(t, "s6", persistJob("s6"), 2, 5))
	if err == nil || mq.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if subs.calls != 3 {
		t.Fatalf("expected 3 in-job attempts, got %d", subs.calls)
	}
	if status.last("s6").Status != model.StatusRunning {
		t.Fatalf("non-final attempt must not write Failed")
	}
}

func TestPersistWorkerRejectsEmptyResults(t *testing.T) {
	t.Parallel()
	w, _, _ := newPersistFixture(t, &fakeProblems{})
	job := persistJob("s7")
	job.Result.Results = nil
	if _, err := w.Persist(context.Background(), job); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
