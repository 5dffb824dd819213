package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the snapshot Store. A
// non-zero TTL expires records on read so stale baselines re-seed.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	records map[Key]Record
}

// NewMemoryStore creates a memory-backed snapshot store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[Key]Record)
	return store
}

// Get returns the current snapshot for the provided key.
func (s *MemoryStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	if err := key.Validate(); err != nil {
		return Record{}, false, err
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return Record{}, false, fmt.Errorf("snapshot get context: %w", ctx.Err())
		default:
		}
	}
	s.mu.RLock()
	rec, ok := s.records[key]
	if ok && s.ttl > 0 && time.Since(rec.UpdatedAt) > s.ttl {
		ok = false
	}
	s.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

// CacheTTL returns the record expiry; zero means records never expire.
func (s *MemoryStore) CacheTTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttl
}

// SetCacheTTL changes the record expiry. Records older than the new TTL
// expire on their next read.
func (s *MemoryStore) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Put stores a new snapshot, bumping the version counter.
func (s *MemoryStore) Put(ctx context.Context, record Record) (Record, error) {
	if err := record.Key.Validate(); err != nil {
		return Record{}, err
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return Record{}, fmt.Errorf("snapshot put context: %w", ctx.Err())
		default:
		}
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	prev, ok := s.records[record.Key]
	if ok {
		record.Version = prev.Version + 1
	} else {
		record.Version = 1
	}
	s.records[record.Key] = record.Clone()
	s.mu.Unlock()
	return record, nil
}

// Len returns the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
