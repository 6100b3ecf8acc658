package store

import (
	"context"
	"sync"
	"time"

	"ocrbot/internal/domain"
)

// DefaultMemoryCapacity bounds both the dedup set and the result history.
const DefaultMemoryCapacity = 10_000

// MemoryStore keeps dedup markers and results in process memory. The oldest
// entries are evicted once capacity is reached.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	seen     map[int]time.Time
	order    []int // insertion order of seen
	results  []domain.ResultRecord
	nextID   int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		seen:     make(map[int]time.Time),
	}
}

func (m *MemoryStore) MarkUpdate(_ context.Context, updateID int, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[updateID]; ok {
		return false, nil
	}
	m.seen[updateID] = time.Now()
	m.order = append(m.order, updateID)
	for len(m.seen) > m.capacity && len(m.order) > 0 {
		delete(m.seen, m.order[0])
		m.order = m.order[1:]
	}
	return true, nil
}

func (m *MemoryStore) ForgetUpdate(_ context.Context, updateID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[updateID]; !ok {
		return nil
	}
	delete(m.seen, updateID)
	for i, id := range m.order {
		if id == updateID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) RecordResult(_ context.Context, rec domain.ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.results = append(m.results, rec)
	if over := len(m.results) - m.capacity; over > 0 {
		m.results = append([]domain.ResultRecord(nil), m.results[over:]...)
	}
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]domain.ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	out := make([]domain.ResultRecord, 0, min(limit, len(m.results)))
	for i := len(m.results) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.results[i])
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var n int64

	order := m.order[:0]
	for _, id := range m.order {
		at, ok := m.seen[id]
		switch {
		case !ok:
		case at.Before(cutoff):
			delete(m.seen, id)
			n++
		default:
			order = append(order, id)
		}
	}
	m.order = order

	kept := m.results[:0]
	for _, rec := range m.results {
		if rec.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	m.results = kept
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
