package service

import (
	"context"
	"time"

	"codegrader/internal/common/metrics"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds in-job retries of a single database step.
type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
}

// DefaultRetryPolicy is three attempts, waiting 1s then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	return p
}

// retryOperation runs op until it succeeds, fails with a non-retryable error or uses up the policy.
// Constraint violations and validation errors surface on the first failure.
func retryOperation(ctx context.Context, p RetryPolicy, m *metrics.Metrics, name string, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.Initial << uint(p.Attempts)
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err != nil && !appErr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		m.PersistRetry()
		logger.Warn(ctx, "operation failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}
