package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	streamFieldBody    = "body"
	streamFieldHeaders = "headers"
)

// RedisStreamConfig configures the Redis Streams backend.
type RedisStreamConfig struct {
	// Consumer names this process inside each consumer group.
	// Default: hostname plus a random suffix
	Consumer string

	// Block is how long one XREADGROUP waits for new entries.
	// Default: 2 seconds
	Block time.Duration

	// ClaimIdle reclaims entries another consumer left pending for this long.
	// Entries being handled are kept fresh every ClaimIdle/2 so they are never reclaimed.
	// Zero disables reclaiming.
	ClaimIdle time.Duration

	// MaxLen caps each stream approximately. Zero keeps everything.
	MaxLen int64
}

// RedisStreamQueue implements MessageQueue on Redis Streams consumer groups.
type RedisStreamQueue struct {
	client *redis.Client
	config RedisStreamConfig

	mu            sync.Mutex
	subscriptions []*streamSubscription
	started       bool
	closed        bool
}

type streamSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	limiter *TokenLimiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// inflight holds the ids of entries a handler is working on in this process.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func (s *streamSubscription) track(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight == nil {
		s.inflight = make(map[string]struct{})
	}
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *streamSubscription) untrack(id string) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

func (s *streamSubscription) busy(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// NewRedisStreamQueue creates a stream-backed queue on an existing client.
func NewRedisStreamQueue(client *redis.Client, cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "grader"
		}
		cfg.Consumer = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &RedisStreamQueue{client: client, config: cfg}, nil
}

// Publish appends a message to the stream named topic.
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	args, err := q.xaddArgs(topic, message)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *RedisStreamQueue) xaddArgs(topic string, message *Message) (*redis.XAddArgs, error) {
	headers, err := json.Marshal(metaHeaders(message))
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: map[string]interface{}{
			streamFieldBody:    string(message.Body),
			streamFieldHeaders: string(headers),
		},
	}
	if q.config.MaxLen > 0 {
		args.MaxLen = q.config.MaxLen
		args.Approx = true
	}
	return args, nil
}

// SubscribeWithOptions registers a consumer-group reader for topic.
func (q *RedisStreamQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("codegrader-%s", topic)
	}

	sub := &streamSubscription{
		topic:   topic,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
		limiter: NewTokenLimiter(options.Concurrency),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		return q.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (q *RedisStreamQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		if err := q.startSubscription(sub); err != nil {
			return err
		}
	}
	q.started = true
	return nil
}

// Stop cancels readers and waits for in-flight handlers.
func (q *RedisStreamQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range q.subscriptions {
		sub.wg.Wait()
	}
	q.started = false
	return nil
}

// Ping verifies the Redis connection.
func (q *RedisStreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops consumers. The shared client is owned by the caller.
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.Stop()
}

func (q *RedisStreamQueue) startSubscription(sub *streamSubscription) error {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	err := q.client.XGroupCreateMkStream(sub.baseCtx, sub.topic, sub.opts.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", sub.opts.ConsumerGroup, err)
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		q.readLoop(sub)
	}()
	if q.config.ClaimIdle > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			q.claimLoop(sub)
		}()
	}
	return nil
}

// readLoop drains this consumer's pending entries first, then new ones.
func (q *RedisStreamQueue) readLoop(sub *streamSubscription) {
	cursor := "0"
	for {
		if err := sub.limiter.Acquire(sub.ctx); err != nil {
			return
		}
		block := q.config.Block
		if cursor == "0" {
			block = -1
		}
		streams, err := q.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
			Group:    sub.opts.ConsumerGroup,
			Consumer: q.config.Consumer,
			Streams:  []string{sub.topic, cursor},
			Count:    1,
			Block:    block,
		}).Result()
		if err != nil {
			sub.limiter.Release()
			if sub.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				time.Sleep(100 * time.Millisecond)
			}
			cursor = ">"
			continue
		}
		var entry *redis.XMessage
		for _, s := range streams {
			if len(s.Messages) > 0 {
				entry = &s.Messages[0]
				break
			}
		}
		if entry == nil {
			sub.limiter.Release()
			cursor = ">"
			continue
		}
		if cursor == "0" {
			// advance past the pending entry so the next read fetches the following one
			cursor = entry.ID
		}
		q.dispatch(sub, *entry)
	}
}

// claimLoop takes over entries left pending by consumers that went away.
// Entries this process is still handling are skipped.
func (q *RedisStreamQueue) claimLoop(sub *streamSubscription) {
	ticker := time.NewTicker(q.config.ClaimIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}
		entries, _, err := q.client.XAutoClaim(sub.ctx, &redis.XAutoClaimArgs{
			Stream:   sub.topic,
			Group:    sub.opts.ConsumerGroup,
			Consumer: q.config.Consumer,
			MinIdle:  q.config.ClaimIdle,
			Start:    "0-0",
			Count:    int64(sub.opts.Concurrency),
		}).Result()
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if sub.busy(entry.ID) {
				continue
			}
			if err := sub.limiter.Acquire(sub.ctx); err != nil {
				return
			}
			q.dispatch(sub, entry)
		}
	}
}

// dispatch hands one entry to a handler goroutine. The caller holds a limiter token.
// An entry already being handled here is dropped.
func (q *RedisStreamQueue) dispatch(sub *streamSubscription, entry redis.XMessage) {
	if !sub.track(entry.ID) {
		sub.limiter.Release()
		return
	}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer sub.limiter.Release()
		defer sub.untrack(entry.ID)
		q.handleEntry(sub, entry)
	}()
}

// heartbeat re-claims id for this consumer until ctx ends, resetting its idle time.
func (q *RedisStreamQueue) heartbeat(ctx context.Context, sub *streamSubscription, id string) {
	ticker := time.NewTicker(q.config.ClaimIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_ = q.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   sub.topic,
			Group:    sub.opts.ConsumerGroup,
			Consumer: q.config.Consumer,
			Messages: []string{id},
		}).Err()
	}
}

func (q *RedisStreamQueue) handleEntry(sub *streamSubscription, entry redis.XMessage) {
	m := fromStreamEntry(entry, sub.opts)
	ack := func() {
		_ = q.client.XAck(context.Background(), sub.topic, sub.opts.ConsumerGroup, entry.ID).Err()
	}
	if expired(m, sub.opts.MessageTTL) {
		ack()
		return
	}
	deadLetter := func(ctx context.Context, dead *Message) error {
		return q.Publish(ctx, sub.opts.DeadLetterTopic, dead)
	}
	if q.config.ClaimIdle > 0 {
		hbCtx, stop := context.WithCancel(sub.ctx)
		defer stop()
		go q.heartbeat(hbCtx, sub, entry.ID)
	}
	if deliver(sub.ctx, m, sub.handler, sub.opts, deadLetter) {
		ack()
	}
}

func fromStreamEntry(entry redis.XMessage, opts SubscribeOptions) *Message {
	raw := map[string]string{}
	if h, ok := entry.Values[streamFieldHeaders].(string); ok && h != "" {
		_ = json.Unmarshal([]byte(h), &raw)
	}
	var body []byte
	if b, ok := entry.Values[streamFieldBody].(string); ok {
		body = []byte(b)
	}
	m := decodeMessage(raw, body, opts)
	if m.ID == "" {
		m.ID = entry.ID
	}
	return m
}
