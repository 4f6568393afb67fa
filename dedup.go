package mqworker

import (
	"context"
	"sync"
	"time"
)

// Deduplicator tracks processed message ids so redelivered messages can be
// acknowledged without running the handler again.
type Deduplicator interface {
	// IsProcessed checks if a message has already been processed.
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed records that a message has been processed.
	MarkProcessed(ctx context.Context, messageID string) error

	// Close releases any resources, could be a noop if not required.
	Close() error
}

// MemoryDeduplicator keeps processed ids in process memory for a TTL.
type MemoryDeduplicator struct {
	mu        sync.RWMutex
	ttl       time.Duration
	processed map[string]time.Time
	now       func() time.Time
}

// NewMemoryDeduplicator returns a deduplicator forgetting ids after ttl.
// A ttl of 0 means DefaultDedupTTL.
func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	return &MemoryDeduplicator{
		ttl:       ttl,
		processed: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (m *MemoryDeduplicator) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	processedAt, exists := m.processed[messageID]
	return exists && m.now().Sub(processedAt) < m.ttl, nil
}

func (m *MemoryDeduplicator) MarkProcessed(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed[messageID] = m.now()
	return nil
}

// Cleanup removes expired entries to prevent unbounded growth.
func (m *MemoryDeduplicator) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.ttl)
	for id, processedAt := range m.processed {
		if processedAt.Before(cutoff) {
			delete(m.processed, id)
		}
	}
}

func (m *MemoryDeduplicator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed = make(map[string]time.Time)
	return nil
}
