package mq

import "context"

// TokenLimiter bounds how many jobs one queue subscription handles at once.
// A token is taken before an entry is fetched or claimed and returned when its
// handler finishes, so a busy worker stops pulling work instead of buffering it.
type TokenLimiter struct {
	tokens chan struct{}
}

// NewTokenLimiter creates a limiter for size concurrent jobs; anything below one means one.
func NewTokenLimiter(size int) *TokenLimiter {
	size = max(size, 1)
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &TokenLimiter{tokens: tokens}
}

// Acquire blocks until a job slot is free or ctx is canceled.
func (l *TokenLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}

// Release frees a job slot. Extra releases are ignored.
func (l *TokenLimiter) Release() {
	select {
	case l.tokens <- struct{}{}:
	default:
	}
}
