package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/metrics"
	"codegrader/internal/grader/model"
	appErr "codegrader/pkg/errors"
)

const (
	statusKeyPrefix = "grader:status:"

	// DefaultStatusTTL bounds how long pollers can read a job's snapshot.
	DefaultStatusTTL = 300 * time.Second
)

// StatusStore is the ephemeral job status read by pollers.
type StatusStore interface {
	Get(ctx context.Context, jobID string) (model.StatusSnapshot, bool, error)
	Set(ctx context.Context, jobID string, snapshot model.StatusSnapshot, ttl time.Duration) error
}

// StatusRepository keeps snapshots as JSON strings in the TTL cache.
type StatusRepository struct {
	cache   cache.BasicOps
	metrics *metrics.Metrics
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.BasicOps, m *metrics.Metrics) *StatusRepository {
	return &StatusRepository{cache: cacheClient, metrics: m}
}

func statusKey(jobID string) string {
	return statusKeyPrefix + jobID
}

// Get returns the latest snapshot. An expired or unknown job reports found=false.
func (r *StatusRepository) Get(ctx context.Context, jobID string) (model.StatusSnapshot, bool, error) {
	if jobID == "" {
		return model.StatusSnapshot{}, false, appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return model.StatusSnapshot{}, false, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKey(jobID))
	if err != nil {
		return model.StatusSnapshot{}, false, appErr.Wrapf(err, appErr.StatusStoreError, "read status failed")
	}
	if val == "" {
		return model.StatusSnapshot{}, false, nil
	}
	var snap model.StatusSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return model.StatusSnapshot{}, false, appErr.Wrapf(err, appErr.StatusStoreError, "decode status failed")
	}
	return snap, true, nil
}

// Set replaces the snapshot of jobID wholesale.
func (r *StatusRepository) Set(ctx context.Context, jobID string, snapshot model.StatusSnapshot, ttl time.Duration) error {
	if jobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKey(jobID), string(data), ttl); err != nil {
		return appErr.Wrapf(err, appErr.StatusStoreError, "store status failed")
	}
	r.metrics.StatusWritten(string(snapshot.Status))
	return nil
}

var _ StatusStore = (*StatusRepository)(nil)
