package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codegrader/internal/grader/execution"
	"codegrader/internal/grader/model"
	"codegrader/internal/grader/queue"
	"codegrader/internal/grader/repository"
)

type memStatus struct {
	mu      sync.Mutex
	history map[string][]model.StatusSnapshot
}

func newMemStatus() *memStatus {
	return &memStatus{history: map[string][]model.StatusSnapshot{}}
}

func (m *memStatus) Get(ctx context.Context, jobID string) (model.StatusSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[jobID]
	if len(h) == 0 {
		return model.StatusSnapshot{}, false, nil
	}
	return h[len(h)-1], true, nil
}

func (m *memStatus) Set(ctx context.Context, jobID string, snap model.StatusSnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[jobID] = append(m.history[jobID], snap)
	return nil
}

func (m *memStatus) statuses(jobID string) []model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Status, 0, len(m.history[jobID]))
	for _, s := range m.history[jobID] {
		out = append(out, s.Status)
	}
	return out
}

func (m *memStatus) last(jobID string) model.StatusSnapshot {
	s, _, _ := m.Get(context.Background(), jobID)
	return s
}

type fakeExecutor struct {
	execute func(req execution.ExecuteRequest) (model.TestCaseResult, error)
	batch   func(cases []execution.BatchCase) ([]model.TestCaseResult, error)

	mu       sync.Mutex
	inFlight int
	maxSeen  int
	codes    []string
}

func (f *fakeExecutor) Execute(ctx context.Context, req execution.ExecuteRequest) (model.TestCaseResult, error) {
	return f.execute(req)
}

func (f *fakeExecutor) BatchExecute(ctx context.Context, languageID int, code string, cases []execution.BatchCase) ([]model.TestCaseResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	time.Sleep(5 * time.Millisecond)
	return f.batch(cases)
}

// echo accepts every case and prints its input.
func echo(cases []execution.BatchCase) ([]model.TestCaseResult, error) {
	out := make([]model.TestCaseResult, len(cases))
	for i, c := range cases {
		out[i] = model.TestCaseResult{Status: model.StatusAccepted, Output: c.Input, ExecutionTimeMs: 10, MemoryKB: 256}
	}
	return out, nil
}

type enqueued struct {
	queue string
	data  []byte
	opts  *queue.JobOptions
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
	// deliver, when set, runs synchronously after a job is recorded.
	deliver func(ctx context.Context, q string, job *queue.Job) error
}

func (f *fakeQueue) Enqueue(ctx context.Context, q string, payload interface{}, opts *queue.JobOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	f.jobs = append(f.jobs, enqueued{queue: q, data: data, opts: opts})
	f.mu.Unlock()
	if f.deliver != nil {
		job := &queue.Job{ID: opts.JobID, Queue: q, Data: data, Attempt: 1, MaxAttempts: 5}
		if err := f.deliver(ctx, q, job); err != nil {
			return "", err
		}
	}
	return opts.JobID, nil
}

func (f *fakeQueue) Consume(ctx context.Context, q string, h queue.Handler, concurrency int) error {
	return nil
}

type memSubmissions struct {
	mu          sync.Mutex
	records     map[string]model.SubmissionRecord
	results     map[string]model.SubmissionResult
	failResults int
	failWith    error
	calls       int
}

func newMemSubmissions() *memSubmissions {
	return &memSubmissions{records: map[string]model.SubmissionRecord{}, results: map[string]model.SubmissionResult{}}
}

func (m *memSubmissions) CreateSubmission(ctx context.Context, r model.SubmissionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return false, nil
	}
	m.records[r.ID] = r
	return true, nil
}

func (m *memSubmissions) CreateResults(ctx context.Context, rows []model.SubmissionResult) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failResults > 0 {
		m.failResults--
		return 0, m.failWith
	}
	var n int64
	for _, r := range rows {
		key := r.SubmissionID + "/" + r.TestCaseID
		if _, ok := m.results[key]; ok {
			continue
		}
		m.results[key] = r
		n++
	}
	return n, nil
}

type fakeProblems struct {
	weights model.ProblemWeights
	found   bool
	err     error
	driver  repository.DriverCode
}

func (f *fakeProblems) GetWeights(ctx context.Context, problemID string) (model.ProblemWeights, bool, error) {
	return f.weights, f.found, f.err
}

func (f *fakeProblems) GetDriverCode(ctx context.Context, problemID, languageID string) (repository.DriverCode, bool, error) {
	return f.driver, f.driver.DriverCode != "" || f.driver.Prelude != "", nil
}

func (f *fakeProblems) ListTestCases(ctx context.Context, problemID string) ([]repository.TestCaseRow, error) {
	return nil, nil
}

func jobFor(t interface{ Fatalf(string, ...interface{}) }, id string, payload interface{}, attempt, max int) *queue.Job {
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: id, Data: data, Attempt: attempt, MaxAttempts: max}
}

var fastRetry = RetryPolicy{Attempts: 3, Initial: time.Millisecond}
