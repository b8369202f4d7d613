package confirm

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default process-local Store. Entries do not survive a
// restart; that is acceptable because they are reconciliation hints, not the
// system of record.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int64]Record
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]Record)}
}

// Put stores the record, overwriting any existing entry for the amount.
func (s *MemoryStore) Put(_ context.Context, amountCents int64, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[amountCents] = rec
	return nil
}

// TakeIfPresent atomically reads and removes the record for the amount.
func (s *MemoryStore) TakeIfPresent(_ context.Context, amountCents int64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[amountCents]
	if ok {
		delete(s.records, amountCents)
	}
	return rec, ok, nil
}

// EvictOlderThan removes every record older than maxAge and reports how many
// were dropped.
func (s *MemoryStore) EvictOlderThan(_ context.Context, maxAge time.Duration) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for amount, rec := range s.records {
		if rec.Age(now) > maxAge {
			delete(s.records, amount)
			evicted++
		}
	}
	return evicted, nil
}
