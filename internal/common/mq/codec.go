package mq

import (
	"strconv"
	"time"
)

const (
	headerID          = "x-message-id"
	headerTimestamp   = "x-message-ts"
	headerRetryCount  = "x-message-retry"
	headerMaxRetries  = "x-message-max-retries"
	headerRetryDelay  = "x-message-retry-delay-ms"
	headerBackoffType = "x-message-backoff"
	headerExpiration  = "x-message-expiration-ms"
)

// metaHeaders flattens a message's delivery metadata plus user headers.
func metaHeaders(m *Message) map[string]string {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	out := make(map[string]string, len(m.Headers)+7)
	for k, v := range m.Headers {
		out[k] = v
	}
	if m.ID != "" {
		out[headerID] = m.ID
	}
	out[headerTimestamp] = m.Timestamp.Format(time.RFC3339Nano)
	if m.RetryCount != 0 {
		out[headerRetryCount] = strconv.Itoa(m.RetryCount)
	}
	out[headerMaxRetries] = strconv.Itoa(m.MaxRetries)
	if m.RetryDelay > 0 {
		out[headerRetryDelay] = strconv.FormatInt(m.RetryDelay.Milliseconds(), 10)
	}
	if m.BackoffType != "" {
		out[headerBackoffType] = m.BackoffType
	}
	if m.Expiration > 0 {
		out[headerExpiration] = strconv.FormatInt(m.Expiration.Milliseconds(), 10)
	}
	return out
}

// applyHeader restores one header onto m, routing metadata keys to their fields.
func applyHeader(m *Message, key, value string) {
	switch key {
	case headerID:
		m.ID = value
	case headerTimestamp:
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			m.Timestamp = ts
		}
	case headerRetryCount:
		if v, ok := parseInt(value); ok {
			m.RetryCount = v
		}
	case headerMaxRetries:
		if v, ok := parseInt(value); ok {
			m.MaxRetries = v
		}
	case headerRetryDelay:
		if v, ok := parseInt(value); ok {
			m.RetryDelay = time.Duration(v) * time.Millisecond
		}
	case headerBackoffType:
		m.BackoffType = value
	case headerExpiration:
		if v, ok := parseInt(value); ok && v > 0 {
			m.Expiration = time.Duration(v) * time.Millisecond
		}
	default:
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[key] = value
	}
}

// decodeMessage rebuilds a Message from broker headers.
// Messages published without a retry budget inherit the subscription's.
func decodeMessage(headers map[string]string, body []byte, opts SubscribeOptions) *Message {
	m := &Message{Body: body, Headers: make(map[string]string)}
	for k, v := range headers {
		applyHeader(m, k, v)
	}
	if _, ok := headers[headerMaxRetries]; !ok {
		m.MaxRetries = opts.MaxRetries
	}
	return m
}
