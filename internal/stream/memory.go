package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// Memory is an in-process Broker with the same ordering, visibility, and
// dead-letter semantics as the Redis implementation. It backs tests and
// single-node development setups.
type Memory struct {
	mu         sync.Mutex
	partitions int
	parts      []*memPartition
	dead       []Entry
}

type memPartition struct {
	entries []memEntry
	cursor  int // index of the next never-delivered entry
	pending map[string]*memPending
	notify  chan struct{}
}

type memEntry struct {
	id  string
	env *domain.Envelope
}

type memPending struct {
	idx         int
	consumer    string
	deliveredAt time.Time
	count       int64
}

// NewMemory returns an empty in-process broker with n partitions.
func NewMemory(n int) *Memory {
	m := &Memory{partitions: n, parts: make([]*memPartition, n)}
	for i := range m.parts {
		m.parts[i] = &memPartition{
			pending: make(map[string]*memPending),
			notify:  make(chan struct{}, 1),
		}
	}
	return m
}

// Partitions returns the fixed partition count.
func (m *Memory) Partitions() int { return m.partitions }

// EnsureGroups is a no-op for the in-process broker.
func (m *Memory) EnsureGroups(ctx context.Context) error { return nil }

// Append routes env to its conversation's partition and appends it.
func (m *Memory) Append(ctx context.Context, env *domain.Envelope) (int, string, error) {
	partition := PartitionFor(env.ConversationID, m.partitions)

	m.mu.Lock()
	p := m.parts[partition]
	id := fmt.Sprintf("%d-0", len(p.entries)+1)
	p.entries = append(p.entries, memEntry{id: id, env: env})
	m.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return partition, id, nil
}

// ReadGroup delivers entries of one partition that no consumer has seen yet,
// blocking up to block when the partition is drained. A timeout returns
// (nil, nil).
func (m *Memory) ReadGroup(ctx context.Context, partition int, consumer string, max int64, block time.Duration) ([]Entry, error) {
	if partition < 0 || partition >= m.partitions {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	deadline := time.Now().Add(block)
	p := m.parts[partition]

	for {
		m.mu.Lock()
		out := m.takeNew(p, partition, consumer, max)
		m.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.notify:
		case <-time.After(remain):
		}
	}
}

// takeNew moves the cursor forward and records deliveries. Caller holds mu.
func (m *Memory) takeNew(p *memPartition, partition int, consumer string, max int64) []Entry {
	var out []Entry
	now := time.Now()
	for p.cursor < len(p.entries) && int64(len(out)) < max {
		e := p.entries[p.cursor]
		p.pending[e.id] = &memPending{idx: p.cursor, consumer: consumer, deliveredAt: now, count: 1}
		out = append(out, Entry{ID: e.id, Partition: partition, DeliveryCount: 1, Envelope: e.env})
		p.cursor++
	}
	return out
}

// Claim transfers entries pending longer than minIdle to consumer, oldest
// first, incrementing their delivery counts.
func (m *Memory) Claim(ctx context.Context, partition int, consumer string, minIdle time.Duration, max int64) ([]Entry, error) {
	if partition < 0 || partition >= m.partitions {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.parts[partition]
	now := time.Now()

	claimable := make([]*memPending, 0, len(p.pending))
	for _, pd := range p.pending {
		if now.Sub(pd.deliveredAt) >= minIdle {
			claimable = append(claimable, pd)
		}
	}
	sort.Slice(claimable, func(i, j int) bool { return claimable[i].idx < claimable[j].idx })
	if int64(len(claimable)) > max {
		claimable = claimable[:max]
	}

	var out []Entry
	for _, pd := range claimable {
		pd.consumer = consumer
		pd.deliveredAt = now
		pd.count++
		e := p.entries[pd.idx]
		out = append(out, Entry{ID: e.id, Partition: partition, DeliveryCount: pd.count, Envelope: e.env})
	}
	return out, nil
}

// Ack removes entries from the partition's pending set.
func (m *Memory) Ack(ctx context.Context, partition int, ids ...string) error {
	if partition < 0 || partition >= m.partitions {
		return fmt.Errorf("partition %d out of range", partition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.parts[partition].pending, id)
	}
	return nil
}

// DeadLetter moves the entry to the dead-letter list and clears it from the
// pending set.
func (m *Memory) DeadLetter(ctx context.Context, e Entry, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Partition >= 0 && e.Partition < m.partitions {
		delete(m.parts[e.Partition].pending, e.ID)
	}
	e.Reason = reason
	m.dead = append(m.dead, e)
	return nil
}

// DeadLetters returns up to max dead-lettered entries, oldest first.
func (m *Memory) DeadLetters(ctx context.Context, max int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.dead))
	if n > max {
		n = max
	}
	out := make([]Entry, n)
	copy(out, m.dead[:n])
	return out, nil
}

// Len returns the number of entries appended to a partition.
func (m *Memory) Len(ctx context.Context, partition int) (int64, error) {
	if partition < 0 || partition >= m.partitions {
		return 0, fmt.Errorf("partition %d out of range", partition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.parts[partition].entries)), nil
}

// Compile-time interface checks.
var (
	_ Broker = (*Memory)(nil)
	_ Broker = (*Redis)(nil)
)
