package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/mq"
	"codegrader/internal/grader/queue"
	appErr "codegrader/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeMQ struct {
	mu        sync.Mutex
	published map[string][]*mq.Message
	handlers  map[string]mq.HandlerFunc
	options   map[string]mq.SubscribeOptions
	started   int
	failWith  error
}

func newFakeMQ() *fakeMQ {
	return &fakeMQ{
		published: map[string][]*mq.Message{},
		handlers:  map[string]mq.HandlerFunc{},
		options:   map[string]mq.SubscribeOptions{},
	}
}

func (f *fakeMQ) Publish(ctx context.Context, topic string, m *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published[topic] = append(f.published[topic], m)
	return nil
}

func (f *fakeMQ) SubscribeWithOptions(ctx context.Context, topic string, h mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	f.options[topic] = *opts
	return nil
}

func (f *fakeMQ) Start() error                   { f.started++; return nil }
func (f *fakeMQ) Stop() error                    { return nil }
func (f *fakeMQ) Ping(ctx context.Context) error { return nil }
func (f *fakeMQ) Close() error                   { return nil }

type memLedger struct {
	mu      sync.Mutex
	entries []queue.LedgerEntry
}

func (l *memLedger) Record(ctx context.Context, e queue.LedgerEntry, keep int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func TestBrokerOptionsOverlayDefaults(t *testing.T) {
	t.Parallel()
	b, err := queue.NewBroker(queue.BrokerConfig{
		MQ: newFakeMQ(),
		Options: map[string]queue.JobOptions{
			queue.PersistenceQueue: {Attempts: 8},
			"reports":              {Backoff: queue.Backoff{Type: mq.BackoffFixed}},
		},
	})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	if got := b.OptionsFor(queue.RunQueue).Attempts; got != 1 {
		t.Fatalf("expected run queue untouched, got %d attempts", got)
	}
	persist := b.OptionsFor(queue.PersistenceQueue)
	if persist.Attempts != 8 || persist.Backoff.Delay != 2*time.Second || persist.RemoveOnFail != 50 {
		t.Fatalf("unexpected persistence policy %+v", persist)
	}
	reports := b.OptionsFor("reports")
	if reports.Attempts != 3 || reports.Backoff.Type != mq.BackoffFixed {
		t.Fatalf("unexpected policy for unlisted queue %+v", reports)
	}
}

func TestEnqueueAppliesQueuePolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		queue       string
		opts        *queue.JobOptions
		wantRetries int
	}{
		{name: "run queue never retries", queue: queue.RunQueue, wantRetries: 0},
		{name: "submission default", queue: queue.SubmissionQueue, wantRetries: 2},
		{name: "persistence extra attempts", queue: queue.PersistenceQueue, wantRetries: 4},
		{name: "per job override", queue: queue.SubmissionQueue, opts: &queue.JobOptions{Attempts: 7}, wantRetries: 6},
		{name: "unknown queue", queue: "other", wantRetries: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := newFakeMQ()
			b, err := queue.NewBroker(queue.BrokerConfig{MQ: fake})
			if err != nil {
				t.Fatalf("new broker: %v", err)
			}
			id, err := b.Enqueue(context.Background(), tt.queue, map[string]string{"k": "v"}, tt.opts)
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			msgs := fake.published[tt.queue]
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			m := msgs[0]
			if m.ID != id || id == "" {
				t.Fatalf("expected message id %q, got %q", id, m.ID)
			}
			if m.MaxRetries != tt.wantRetries {
				t.Fatalf("expected %d retries, got %d", tt.wantRetries, m.MaxRetries)
			}
			if m.BackoffType != mq.BackoffExponential || m.RetryDelay != 2*time.Second {
				t.Fatalf("unexpected backoff %s/%s", m.BackoffType, m.RetryDelay)
			}
			if string(m.Body) != `{"k":"v"}` {
				t.Fatalf("unexpected body %s", m.Body)
			}
		})
	}
}

func TestEnqueueUsesJobID(t *testing.T) {
	t.Parallel()
	fake := newFakeMQ()
	b, _ := queue.NewBroker(queue.BrokerConfig{MQ: fake})
	id, err := b.Enqueue(context.Background(), queue.PersistenceQueue, struct{}{}, &queue.JobOptions{JobID: "sub-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "sub-1" {
		t.Fatalf("expected sub-1, got %s", id)
	}
}

func TestEnqueuePublishFailure(t *testing.T) {
	t.Parallel()
	fake := newFakeMQ()
	fake.failWith = errors.New("broker down")
	b, _ := queue.NewBroker(queue.BrokerConfig{MQ: fake})
	_, err := b.Enqueue(context.Background(), queue.RunQueue, struct{}{}, nil)
	if !appErr.Is(err, appErr.QueuePublishError) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestConsumeWrapsHandler(t *testing.T) {
	t.Parallel()
	fake := newFakeMQ()
	ledger := &memLedger{}
	b, _ := queue.NewBroker(queue.BrokerConfig{MQ: fake, Ledger: ledger})

	var seen []*queue.Job
	handlerErr := error(nil)
	err := b.Consume(context.Background(), queue.SubmissionQueue, func(ctx context.Context, job *queue.Job) error {
		seen = append(seen, job)
		return handlerErr
	}, 5)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	opts := fake.options[queue.SubmissionQueue]
	if opts.Concurrency != 5 || opts.MaxRetries != 2 || opts.DeadLetterTopic != "submission-execution.dead" {
		t.Fatalf("unexpected subscribe options %+v", opts)
	}
	if fake.started != 1 {
		t.Fatalf("expected backend started")
	}

	h := fake.handlers[queue.SubmissionQueue]
	msg := &mq.Message{ID: "s1", Body: []byte(`{}`), RetryCount: 2, MaxRetries: 2}
	if err := h(context.Background(), msg); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if seen[0].Attempt != 3 || seen[0].MaxAttempts != 3 || !seen[0].FinalAttempt() {
		t.Fatalf("unexpected job %+v", seen[0])
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Outcome != "completed" {
		t.Fatalf("expected completed ledger entry, got %+v", ledger.entries)
	}

	handlerErr = appErr.ValidationError("results", "empty")
	err = h(context.Background(), &mq.Message{ID: "s2", MaxRetries: 2})
	if !mq.IsPermanent(err) {
		t.Fatalf("non-retryable errors must be permanent, got %v", err)
	}
	if len(ledger.entries) != 2 || ledger.entries[1].Outcome != "failed" || ledger.entries[1].Error == "" {
		t.Fatalf("expected failed ledger entry, got %+v", ledger.entries)
	}

	handlerErr = appErr.TransportError(errors.New("reset"), "sandbox down")
	err = h(context.Background(), &mq.Message{ID: "s3", MaxRetries: 2})
	if err == nil || mq.IsPermanent(err) {
		t.Fatalf("retryable errors must stay retryable, got %v", err)
	}
	if len(ledger.entries) != 2 {
		t.Fatalf("intermediate failures are not recorded")
	}
}

func TestJobDecode(t *testing.T) {
	t.Parallel()
	var v struct {
		RunID string `json:"runId"`
	}
	job := &queue.Job{ID: "r1", Data: []byte(`{"runId":"r1"}`)}
	if err := job.Decode(&v); err != nil || v.RunID != "r1" {
		t.Fatalf("decode: %v %+v", err, v)
	}
	bad := &queue.Job{ID: "r2", Data: []byte(`{`)}
	if err := bad.Decode(&v); !appErr.Is(err, appErr.JobDecodeFailed) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestBrokerOverRedisStreamsRetriesThenSucceeds(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backend, err := mq.NewRedisStreamQueue(client, mq.RedisStreamConfig{Consumer: "test", Block: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new stream queue: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	redisCache, _ := cache.NewRedisCacheWithClient(client)
	ledger := queue.NewRedisLedger(redisCache)
	options := queue.DefaultQueueOptions()
	sub := options[queue.SubmissionQueue]
	sub.Backoff.Delay = time.Millisecond
	options[queue.SubmissionQueue] = sub

	b, err := queue.NewBroker(queue.BrokerConfig{MQ: backend, Ledger: ledger, Options: options})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}

	attempts := make(chan int, 5)
	done := make(chan struct{})
	err = b.Consume(context.Background(), queue.SubmissionQueue, func(ctx context.Context, job *queue.Job) error {
		attempts <- job.Attempt
		if job.Attempt < 2 {
			return appErr.TransportError(nil, "sandbox busy")
		}
		close(done)
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := b.Enqueue(context.Background(), queue.SubmissionQueue, map[string]string{"submissionId": "s1"}, &queue.JobOptions{JobID: "s1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("job not completed")
	}
	if first, second := <-attempts, <-attempts; first != 1 || second != 2 {
		t.Fatalf("expected attempts 1 then 2, got %d then %d", first, second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := ledger.Recent(context.Background(), queue.SubmissionQueue, "completed", 10)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].JobID != "s1" || entries[0].Attempts != 2 {
				t.Fatalf("unexpected ledger entry %+v", entries[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ledger entry not recorded")
}
