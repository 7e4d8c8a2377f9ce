package model

// RunRequest is an ad-hoc trial run against caller-supplied cases.
// It is never persisted and is consumed once by the run worker.
type RunRequest struct {
	RunID      string        `json:"runId"`
	ProblemID  string        `json:"problemId"`
	Code       string        `json:"code"`
	LanguageID int           `json:"languageId"`
	TestCases  []RunTestCase `json:"testCases"`
}

// RunTestCase is one stdin/expected stdout pair of a trial run.
type RunTestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}
