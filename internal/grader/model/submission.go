package model

import "time"

// SubmissionRequest is an official submission graded against stored test cases.
// It is immutable once enqueued.
type SubmissionRequest struct {
	SubmissionID string               `json:"submissionId"`
	StudentID    string               `json:"studentId"`
	ProblemID    string               `json:"problemId"`
	ContestID    string               `json:"contestId,omitempty"`
	LanguageID   string               `json:"languageId"`
	LanguageCode int                  `json:"languageCode"`
	UserCode     string               `json:"userCode"`
	DriverCode   string               `json:"driverCode,omitempty"`
	Prelude      string               `json:"prelude,omitempty"`
	ProblemPoint float64              `json:"problemPoint"`
	TestCases    []SubmissionTestCase `json:"testcases"`
	SubmittedAt  time.Time            `json:"submittedAt"`
}

// SubmissionTestCase is a stored test case with its scoring weight.
type SubmissionTestCase struct {
	ID     string  `json:"id"`
	Weight float64 `json:"weight,omitempty"`
	Input  string  `json:"input"`
	Output string  `json:"output"`
}

// EffectiveWeight treats a missing or non-positive weight as 1.
func (t SubmissionTestCase) EffectiveWeight() float64 {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// PersistJob is the hand-off from the submission runner to the persistence worker.
type PersistJob struct {
	SubmissionID string          `json:"submissionId"`
	ProblemPoint float64         `json:"problemPoint"`
	Result       AggregateResult `json:"result"`
	Metadata     PersistMetadata `json:"metadata"`
}

// PersistMetadata carries the submission fields the persisted row needs.
type PersistMetadata struct {
	ProblemID   string    `json:"problemId"`
	StudentID   string    `json:"studentId"`
	ContestID   string    `json:"contestId,omitempty"`
	LanguageID  string    `json:"languageId"`
	Code        string    `json:"code"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// SubmissionRecord is the persisted submission row.
type SubmissionRecord struct {
	ID              string    `db:"id"`
	StudentID       string    `db:"student_id"`
	ProblemID       string    `db:"problem_id"`
	ContestID       *string   `db:"contest_id"`
	LanguageID      string    `db:"language_id"`
	Code            string    `db:"code"`
	Status          string    `db:"status"`
	Score           float64   `db:"score"`
	ExecutionTimeMs float64   `db:"execution_time_ms"`
	MemoryKB        int64     `db:"memory_kb"`
	SubmittedAt     time.Time `db:"submitted_at"`
}

// SubmissionResult is one persisted per-test-case row.
type SubmissionResult struct {
	SubmissionID    string  `db:"submission_id"`
	TestCaseID      string  `db:"test_case_id"`
	Status          string  `db:"status"`
	ExecutionTimeMs float64 `db:"execution_time_ms"`
	MemoryKB        int64   `db:"memory_kb"`
}

// ProblemWeights splits a problem's 100 points between completion and weighted test score.
type ProblemWeights struct {
	ProblemWeight  float64 `db:"problem_weight"`
	TestcaseWeight float64 `db:"testcase_weight"`
}

// DefaultProblemWeights applies when a problem has no usable weights.
var DefaultProblemWeights = ProblemWeights{ProblemWeight: 30, TestcaseWeight: 70}
