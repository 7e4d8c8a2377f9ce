package model

import "time"

// Status is the lifecycle value pollers see for a job.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusDone      Status = "Done"
	StatusFailed    Status = "Failed"
)

// IsTerminal reports whether no further writes follow this status.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// StatusSnapshot is the full latest state of a job. Every write replaces it wholesale.
type StatusSnapshot struct {
	Status    Status           `json:"status"`
	Result    *AggregateResult `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Progress  *int             `json:"progress,omitempty"`
	Score     *float64         `json:"score,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Snapshot builds a snapshot stamped with the current time.
func Snapshot(status Status) StatusSnapshot {
	return StatusSnapshot{Status: status, UpdatedAt: time.Now().UTC()}
}

// WithResult attaches a copy of result.
func (s StatusSnapshot) WithResult(result AggregateResult) StatusSnapshot {
	s.Result = &result
	return s
}

// WithError attaches err's message.
func (s StatusSnapshot) WithError(err error) StatusSnapshot {
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// WithProgress attaches round(100*completed/total).
func (s StatusSnapshot) WithProgress(completed, total int) StatusSnapshot {
	p := 100
	if total > 0 {
		p = (200*completed + total) / (2 * total)
	}
	s.Progress = &p
	return s
}

// WithScore attaches the final score.
func (s StatusSnapshot) WithScore(score float64) StatusSnapshot {
	s.Score = &score
	return s
}
