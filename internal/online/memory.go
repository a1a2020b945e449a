package online

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-ml/kestrel/pkg/types"
)

// MemoryStore implements Store on an in-process map. Used for tests and
// single-node development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]types.OnlineRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]types.OnlineRecord),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Test hook for TTL expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func key(viewName string, entityID int64) string {
	return fmt.Sprintf("%s:%d", viewName, entityID)
}

// Put replaces the record for the entity. The map entry is swapped whole,
// so readers never observe a partial vector.
func (s *MemoryStore) Put(ctx context.Context, viewName string, rec types.OnlineRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp := rec
	cp.FeatureValues = make(map[string]float64, len(rec.FeatureValues))
	for k, v := range rec.FeatureValues {
		cp.FeatureValues[k] = v
	}

	s.mu.Lock()
	s.records[key(viewName, rec.EntityID)] = cp
	s.mu.Unlock()
	return nil
}

// Get returns the record, or (nil, nil) when absent or expired.
func (s *MemoryStore) Get(ctx context.Context, viewName string, entityID int64) (*types.OnlineRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	rec, ok := s.records[key(viewName, entityID)]
	now := s.now()
	s.mu.RUnlock()

	if !ok || rec.Expired(now) {
		return nil, nil
	}

	cp := rec
	cp.FeatureValues = make(map[string]float64, len(rec.FeatureValues))
	for k, v := range rec.FeatureValues {
		cp.FeatureValues[k] = v
	}
	return &cp, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
