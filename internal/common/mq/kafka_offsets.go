package mq

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker orders commits per partition. Handlers finish in any order, but an
// offset is only committed once every message fetched before it on the same
// partition has finished, so a restart never skips an unfinished message.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// begin records msg as fetched. Messages must be begun in fetch order.
func (t *offsetTracker) begin(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[msg.Partition]
	if p == nil {
		p = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[msg.Partition] = p
	}
	p.pending = append(p.pending, msg.Offset)
}

// finish marks msg handled and returns the newest message that is now safe to
// commit, or false when an earlier offset of the partition is still in flight.
func (t *offsetTracker) finish(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[msg.Partition]
	if p == nil {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = msg

	var (
		commit kafka.Message
		ok     bool
	)
	for len(p.pending) > 0 {
		head, finished := p.done[p.pending[0]]
		if !finished {
			break
		}
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
		commit, ok = head, true
	}
	return commit, ok
}
