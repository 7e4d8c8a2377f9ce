package queue

import (
	"context"
	"encoding/json"
	"time"

	"codegrader/internal/common/metrics"
	"codegrader/internal/common/mq"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BrokerConfig wires a Broker.
type BrokerConfig struct {
	MQ      mq.MessageQueue
	Ledger  Ledger
	Metrics *metrics.Metrics
	// Options overlays DefaultQueueOptions field by field.
	Options       map[string]JobOptions
	MaxRetryDelay time.Duration
}

// Broker implements JobQueue on top of a message queue backend.
type Broker struct {
	mq            mq.MessageQueue
	ledger        Ledger
	metrics       *metrics.Metrics
	options       map[string]JobOptions
	maxRetryDelay time.Duration
}

// NewBroker creates a broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.MQ == nil {
		return nil, appErr.ValidationError("mq", "required")
	}
	options := DefaultQueueOptions()
	for name, o := range cfg.Options {
		o := o
		base, ok := options[name]
		if !ok {
			base = DefaultJobOptions()
		}
		options[name] = base.merge(&o)
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = time.Minute
	}
	return &Broker{
		mq:            cfg.MQ,
		ledger:        cfg.Ledger,
		metrics:       cfg.Metrics,
		options:       options,
		maxRetryDelay: cfg.MaxRetryDelay,
	}, nil
}

// OptionsFor returns the effective policy of queue.
func (b *Broker) OptionsFor(queue string) JobOptions {
	if o, ok := b.options[queue]; ok {
		return o
	}
	return DefaultJobOptions()
}

// Enqueue publishes payload on queue. opts overrides the queue policy field by field.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload interface{}, opts *JobOptions) (string, error) {
	if queue == "" {
		return "", appErr.ValidationError("queue", "required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidParams, "encode job payload failed")
	}
	effective := b.OptionsFor(queue).merge(opts)
	jobID := effective.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	msg := mq.NewMessage(body)
	msg.ID = jobID
	msg.MaxRetries = effective.Attempts - 1
	msg.RetryDelay = effective.Backoff.Delay
	msg.BackoffType = effective.Backoff.Type
	if err := b.mq.Publish(ctx, queue, msg); err != nil {
		return "", appErr.Wrapf(err, appErr.QueuePublishError, "enqueue job on %s failed", queue)
	}
	logger.Debug(ctx, "job enqueued",
		zap.String("queue", queue),
		zap.String("job_id", jobID),
		zap.Int("attempts", effective.Attempts),
	)
	return jobID, nil
}

// Consume subscribes handler to queue and starts the backend.
func (b *Broker) Consume(ctx context.Context, queue string, handler Handler, concurrency int) error {
	if handler == nil {
		return appErr.ValidationError("handler", "required")
	}
	opts := b.OptionsFor(queue)
	sub := &mq.SubscribeOptions{
		Concurrency:     concurrency,
		MaxRetries:      opts.Attempts - 1,
		RetryDelay:      opts.Backoff.Delay,
		MaxRetryDelay:   b.maxRetryDelay,
		DeadLetterTopic: queue + DeadLetterSuffix,
	}
	if err := b.mq.SubscribeWithOptions(ctx, queue, b.wrap(queue, opts, handler), sub); err != nil {
		return appErr.Wrapf(err, appErr.QueueUnavailable, "subscribe to %s failed", queue)
	}
	if err := b.mq.Start(); err != nil {
		return appErr.Wrapf(err, appErr.QueueUnavailable, "start consumer for %s failed", queue)
	}
	logger.Info(ctx, "queue consumer started", zap.String("queue", queue), zap.Int("concurrency", concurrency))
	return nil
}

// Stop stops every consumer and waits for in-flight jobs.
func (b *Broker) Stop() error {
	return b.mq.Stop()
}

// Ping checks the backend.
func (b *Broker) Ping(ctx context.Context) error {
	return b.mq.Ping(ctx)
}

func (b *Broker) wrap(queue string, opts JobOptions, handler Handler) mq.HandlerFunc {
	return func(ctx context.Context, m *mq.Message) error {
		job := &Job{
			ID:          m.ID,
			Queue:       queue,
			Data:        m.Body,
			Attempt:     m.RetryCount + 1,
			MaxAttempts: m.MaxRetries + 1,
		}
		ctx = logger.WithJob(ctx, queue, job.ID)
		start := time.Now()

		err := handler(ctx, job)
		if err != nil && ctx.Err() != nil {
			return err
		}
		if err != nil && !mq.IsPermanent(err) && !appErr.IsRetryable(err) {
			err = mq.Permanent(err)
		}

		switch {
		case err == nil:
			b.metrics.ObserveJob(queue, metrics.OutcomeCompleted, time.Since(start))
			b.record(ctx, queue, outcomeCompleted, job, nil, opts.RemoveOnComplete)
		case mq.IsPermanent(err) || job.FinalAttempt():
			b.metrics.ObserveJob(queue, metrics.OutcomeFailed, time.Since(start))
			logger.Error(ctx, "job failed",
				zap.Int("attempt", job.Attempt),
				zap.Int("max_attempts", job.MaxAttempts),
				zap.Bool("permanent", mq.IsPermanent(err)),
				zap.Error(err),
			)
			b.record(ctx, queue, outcomeFailed, job, err, opts.RemoveOnFail)
		default:
			b.metrics.ObserveJob(queue, metrics.OutcomeRetried, time.Since(start))
			logger.Warn(ctx, "job attempt failed, will retry",
				zap.Int("attempt", job.Attempt),
				zap.Int("max_attempts", job.MaxAttempts),
				zap.Error(err),
			)
		}
		return err
	}
}

func (b *Broker) record(ctx context.Context, queue, outcome string, job *Job, err error, keep int) {
	if b.ledger == nil || keep <= 0 {
		return
	}
	entry := LedgerEntry{
		JobID:      job.ID,
		Queue:      queue,
		Outcome:    outcome,
		Attempts:   job.Attempt,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if recErr := b.ledger.Record(ctx, entry, keep); recErr != nil {
		logger.Warn(ctx, "record job outcome failed", zap.Error(recErr))
	}
}

var _ JobQueue = (*Broker)(nil)
