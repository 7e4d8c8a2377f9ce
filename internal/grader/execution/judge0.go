package execution

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"codegrader/internal/grader/model"
)

// Judge0 status ids still in flight.
const (
	statusInQueue    = 1
	statusProcessing = 2
)

// resultFields is the projection requested when polling a batch.
const resultFields = "token,stdout,stderr,compile_output,message,status,time,memory"

type submissionRequest struct {
	SourceCode     string  `json:"source_code"`
	LanguageID     int     `json:"language_id"`
	Stdin          string  `json:"stdin"`
	ExpectedOutput string  `json:"expected_output,omitempty"`
	CPUTimeLimit   float64 `json:"cpu_time_limit"`
	WallTimeLimit  float64 `json:"wall_time_limit"`
}

type batchRequest struct {
	Submissions []submissionRequest `json:"submissions"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type batchResponse struct {
	Submissions []submissionResponse `json:"submissions"`
}

type submissionStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

type submissionResponse struct {
	Token         string           `json:"token"`
	Stdout        *string          `json:"stdout"`
	Stderr        *string          `json:"stderr"`
	CompileOutput *string          `json:"compile_output"`
	Message       *string          `json:"message"`
	Status        submissionStatus `json:"status"`
	Time          seconds          `json:"time"`
	Memory        *int64           `json:"memory"`
}

func (s submissionResponse) inFlight() bool {
	return s.Status.ID == statusInQueue || s.Status.ID == statusProcessing
}

func (s submissionResponse) toResult() model.TestCaseResult {
	res := model.TestCaseResult{
		Status:          s.Status.Description,
		Output:          decode(s.Stdout),
		RuntimeError:    decode(s.Stderr),
		CompileError:    decode(s.CompileOutput),
		ExecutionTimeMs: float64(s.Time) * 1000,
	}
	if res.RuntimeError == "" {
		res.RuntimeError = decode(s.Message)
	}
	if s.Memory != nil {
		res.MemoryKB = *s.Memory
	}
	return res
}

// seconds accepts the sandbox's time field as a quoted decimal, a bare number or null.
type seconds float64

func (s *seconds) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*s = seconds(v)
	return nil
}

var _ json.Unmarshaler = (*seconds)(nil)

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// decode tolerates the line-wrapped base64 the sandbox emits. Undecodable text is returned as is.
func decode(s *string) string {
	if s == nil || *s == "" {
		return ""
	}
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(*s)
	out, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return *s
	}
	return string(out)
}
