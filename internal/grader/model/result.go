package model

import "strings"

// Sandbox status descriptions the pipeline reasons about.
const (
	StatusAccepted      = "Accepted"
	StatusInternalError = "Internal Error"
)

// TestCaseResult is the outcome of running one test case.
type TestCaseResult struct {
	TestCaseID      string  `json:"testCaseId,omitempty"`
	Status          string  `json:"status"`
	Output          string  `json:"output"`
	RuntimeError    string  `json:"runtimeError,omitempty"`
	CompileError    string  `json:"compileError,omitempty"`
	ExecutionTimeMs float64 `json:"executionTimeMs,omitempty"`
	MemoryKB        int64   `json:"memoryKb,omitempty"`
	Weight          float64 `json:"weight,omitempty"`
	Passed          bool    `json:"passed"`
}

// Graded returns a copy of r carrying the test case identity and verdict.
func (r TestCaseResult) Graded(testCaseID string, weight float64, expected string) TestCaseResult {
	r.TestCaseID = testCaseID
	r.Weight = weight
	r.Passed = IsPassed(r.Status, r.Output, expected)
	return r
}

// IsPassed compares trimmed output only when the sandbox accepted the run.
func IsPassed(status, output, expected string) bool {
	return status == StatusAccepted && strings.TrimSpace(output) == strings.TrimSpace(expected)
}

// AggregateResult summarises every result produced so far for a job.
type AggregateResult struct {
	JobID           string           `json:"jobId"`
	TotalTestCases  int              `json:"totalTestCases"`
	PassedTestCases int              `json:"passedTestCases"`
	Results         []TestCaseResult `json:"results"`
	Verdict         string           `json:"verdict,omitempty"`
}

// NewAggregate recomputes the summary from the full results slice.
// total is the number of cases the job will run, which may exceed len(results) mid-run.
func NewAggregate(jobID string, total int, results []TestCaseResult) AggregateResult {
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	out := make([]TestCaseResult, len(results))
	copy(out, results)
	return AggregateResult{
		JobID:           jobID,
		TotalTestCases:  total,
		PassedTestCases: passed,
		Results:         out,
	}
}

// OverallStatus is the first failing result's status, or Accepted.
func OverallStatus(results []TestCaseResult) string {
	for _, r := range results {
		if !r.Passed {
			if r.Status == StatusAccepted || r.Status == "" {
				return "Wrong Answer"
			}
			return r.Status
		}
	}
	return StatusAccepted
}

// MaxUsage returns the largest execution time and memory across results.
func MaxUsage(results []TestCaseResult) (timeMs float64, memoryKB int64) {
	for _, r := range results {
		if r.ExecutionTimeMs > timeMs {
			timeMs = r.ExecutionTimeMs
		}
		if r.MemoryKB > memoryKB {
			memoryKB = r.MemoryKB
		}
	}
	return timeMs, memoryKB
}
