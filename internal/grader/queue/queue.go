package queue

import (
	"context"
	"encoding/json"
	"time"

	"codegrader/internal/common/mq"
	appErr "codegrader/pkg/errors"
)

// Queue names shared by producers and workers.
const (
	RunQueue         = "code-execution"
	SubmissionQueue  = "submission-execution"
	PersistenceQueue = "database-operations"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter topic.
const DeadLetterSuffix = ".dead"

// Backoff is the redelivery delay policy of a job.
type Backoff struct {
	Type  string        `yaml:"type" json:"type"`
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// JobOptions controls retries and retention of a job.
// Attempts counts every delivery, including the first.
type JobOptions struct {
	Attempts         int     `yaml:"attempts" json:"attempts"`
	Backoff          Backoff `yaml:"backoff" json:"backoff"`
	RemoveOnComplete int     `yaml:"removeOnComplete" json:"removeOnComplete"`
	RemoveOnFail     int     `yaml:"removeOnFail" json:"removeOnFail"`
	JobID            string  `yaml:"-" json:"jobId,omitempty"`
}

// DefaultJobOptions is the policy of a queue without overrides.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         3,
		Backoff:          Backoff{Type: mq.BackoffExponential, Delay: 2000 * time.Millisecond},
		RemoveOnComplete: 100,
		RemoveOnFail:     50,
	}
}

// DefaultQueueOptions returns the per-queue policies: trial runs are never retried,
// persistence gets extra attempts.
func DefaultQueueOptions() map[string]JobOptions {
	run := DefaultJobOptions()
	run.Attempts = 1
	persist := DefaultJobOptions()
	persist.Attempts = 5
	return map[string]JobOptions{
		RunQueue:         run,
		SubmissionQueue:  DefaultJobOptions(),
		PersistenceQueue: persist,
	}
}

// merge overlays the non-zero fields of o onto base.
func (base JobOptions) merge(o *JobOptions) JobOptions {
	if o == nil {
		return base
	}
	if o.Attempts > 0 {
		base.Attempts = o.Attempts
	}
	if o.Backoff.Type != "" {
		base.Backoff.Type = o.Backoff.Type
	}
	if o.Backoff.Delay > 0 {
		base.Backoff.Delay = o.Backoff.Delay
	}
	if o.RemoveOnComplete > 0 {
		base.RemoveOnComplete = o.RemoveOnComplete
	}
	if o.RemoveOnFail > 0 {
		base.RemoveOnFail = o.RemoveOnFail
	}
	base.JobID = o.JobID
	return base
}

// Job is one delivery of a queued payload.
type Job struct {
	ID          string
	Queue       string
	Data        []byte
	Attempt     int
	MaxAttempts int
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return appErr.Wrapf(err, appErr.JobDecodeFailed, "decode job %s failed", j.ID)
	}
	return nil
}

// FinalAttempt reports whether a failure now exhausts the job's retries.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handler processes one job. A nil return acknowledges it.
type Handler func(ctx context.Context, job *Job) error

// JobQueue is the durable at-least-once queue the workers consume.
type JobQueue interface {
	// Enqueue publishes payload as JSON and returns the job id.
	Enqueue(ctx context.Context, queue string, payload interface{}, opts *JobOptions) (string, error)
	// Consume starts handling jobs of queue with at most concurrency in flight.
	// It returns once the subscription is running; ctx bounds its lifetime.
	Consume(ctx context.Context, queue string, handler Handler, concurrency int) error
}
