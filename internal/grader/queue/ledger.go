package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codegrader/internal/common/cache"
	appErr "codegrader/pkg/errors"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"

	ledgerKeyPrefix = "grader:jobs:"
)

// LedgerEntry is the retained record of a finished job.
type LedgerEntry struct {
	JobID      string    `json:"jobId"`
	Queue      string    `json:"queue"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Ledger keeps the most recent completed and failed jobs of each queue.
type Ledger interface {
	Record(ctx context.Context, entry LedgerEntry, keep int) error
}

// RedisLedger stores entries in capped Redis lists, newest first.
type RedisLedger struct {
	lists cache.ListOps
}

// NewRedisLedger creates a ledger on the given list store.
func NewRedisLedger(lists cache.ListOps) *RedisLedger {
	return &RedisLedger{lists: lists}
}

func ledgerKey(queue, outcome string) string {
	return fmt.Sprintf("%s%s:%s", ledgerKeyPrefix, queue, outcome)
}

// Record prepends entry and trims the list to keep entries.
func (l *RedisLedger) Record(ctx context.Context, entry LedgerEntry, keep int) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry failed: %w", err)
	}
	if err := l.lists.PushCapped(ctx, ledgerKey(entry.Queue, entry.Outcome), string(data), int64(keep)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "record job %s failed", entry.JobID)
	}
	return nil
}

// Recent returns up to n entries of queue with the given outcome, newest first.
func (l *RedisLedger) Recent(ctx context.Context, queue, outcome string, n int64) ([]LedgerEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := l.lists.LRange(ctx, ledgerKey(queue, outcome), 0, n-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read job ledger failed")
	}
	out := make([]LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var e LedgerEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
