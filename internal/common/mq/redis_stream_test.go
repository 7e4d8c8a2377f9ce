package mq_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"codegrader/internal/common/mq"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStreamQueue(t *testing.T) (*mq.RedisStreamQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := mq.NewRedisStreamQueue(client, mq.RedisStreamConfig{Consumer: "test", Block: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRedisStreamQueueDelivers(t *testing.T) {
	q, _ := newStreamQueue(t)
	ctx := context.Background()

	got := make(chan *mq.Message, 1)
	err := q.SubscribeWithOptions(ctx, "code-execution", func(ctx context.Context, m *mq.Message) error {
		got <- m
		return nil
	}, &mq.SubscribeOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := mq.NewMessage([]byte(`{"runId":"r1"}`))
	msg.ID = "r1"
	msg.SetHeader("queue", "code-execution")
	if err := q.Publish(ctx, "code-execution", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		if m.ID != "r1" || string(m.Body) != `{"runId":"r1"}` {
			t.Fatalf("unexpected message: %+v", m)
		}
		if v := m.Headers["queue"]; v != "code-execution" {
			t.Fatalf("expected header to survive, got %q", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestRedisStreamQueueDeadLetters(t *testing.T) {
	q, client := newStreamQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	err := q.SubscribeWithOptions(ctx, "database-operations", func(ctx context.Context, m *mq.Message) error {
		calls.Add(1)
		return errors.New("db down")
	}, &mq.SubscribeOptions{
		MaxRetries:      1,
		RetryDelay:      time.Millisecond,
		DeadLetterTopic: "database-operations.dead",
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := mq.NewMessage([]byte("payload"))
	msg.ID = "sub-1"
	msg.MaxRetries = 1
	if err := q.Publish(ctx, "database-operations", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		n, _ := client.XLen(ctx, "database-operations.dead").Result()
		return n == 1
	})
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	waitFor(t, func() bool {
		pending, err := client.XPending(ctx, "database-operations", "codegrader-database-operations").Result()
		return err == nil && pending.Count == 0
	})
}

func TestRedisStreamQueueSlowHandlerNotReclaimed(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	var calls atomic.Int32
	handler := func(ctx context.Context, m *mq.Message) error {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		return nil
	}
	// Two consumers in one group, both reclaiming anything idle for 60ms.
	var clients []*redis.Client
	for _, name := range []string{"worker-a", "worker-b"} {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		clients = append(clients, client)
		q, err := mq.NewRedisStreamQueue(client, mq.RedisStreamConfig{
			Consumer:  name,
			Block:     20 * time.Millisecond,
			ClaimIdle: 60 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("new queue: %v", err)
		}
		t.Cleanup(func() { _ = q.Close() })
		if err := q.SubscribeWithOptions(ctx, "submission-execution", handler, &mq.SubscribeOptions{Concurrency: 2}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := q.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	msg := mq.NewMessage([]byte(`{"submissionId":"s1"}`))
	msg.ID = "s1"
	pub, err := mq.NewRedisStreamQueue(clients[0], mq.RedisStreamConfig{Consumer: "publisher"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(ctx, "submission-execution", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		pending, err := clients[0].XPending(ctx, "submission-execution", "codegrader-submission-execution").Result()
		return calls.Load() == 1 && err == nil && pending.Count == 0
	})
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}
