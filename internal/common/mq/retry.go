package mq

import (
	"context"
	"errors"
	"strconv"
	"time"
)

const headerDeadReason = "x-dead-reason"

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the consumer stops retrying and dead-letters the message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ComputeBackoff returns the delay before redelivery number retryCount (1-based).
// Exponential backoff doubles from base and is capped at max.
func ComputeBackoff(backoffType string, retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if backoffType == BackoffFixed || retryCount <= 1 {
		if max > 0 && base > max {
			return max
		}
		return base
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// deliver runs handler until it succeeds, fails permanently or exhausts m.MaxRetries.
// It returns false when ctx ended mid-retry and the message must stay unacknowledged.
func deliver(ctx context.Context, m *Message, handler HandlerFunc, opts SubscribeOptions, deadLetter func(context.Context, *Message) error) bool {
	for {
		err := handler(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if IsPermanent(err) || !m.ShouldRetry() {
			if opts.DeadLetterTopic != "" && deadLetter != nil {
				m.SetHeader(headerDeadReason, err.Error())
				_ = deadLetter(ctx, m)
			}
			return true
		}
		m.RetryCount++

		base := opts.RetryDelay
		if m.RetryDelay > 0 {
			base = m.RetryDelay
		}
		delay := ComputeBackoff(m.BackoffType, m.RetryCount, base, opts.MaxRetryDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// expired reports whether m outlived its TTL before being handled.
func expired(m *Message, ttl time.Duration) bool {
	if m.Expiration == 0 && ttl > 0 {
		m.Expiration = ttl
	}
	return m.Expiration > 0 && !m.Timestamp.IsZero() && time.Since(m.Timestamp) > m.Expiration
}

func parseInt(raw string) (int, bool) {
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
