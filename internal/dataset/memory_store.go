package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps the dataset in process memory. Useful for tests and
// dry runs where durability is not wanted.
type MemoryStore struct {
	mu    sync.Mutex
	raw   []byte
	saves int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the last saved dataset, or an empty one.
func (s *MemoryStore) Load(ctx context.Context) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return New(), nil
	}
	var ds Dataset
	if err := json.Unmarshal(s.raw, &ds); err != nil {
		return nil, fmt.Errorf("unmarshal stored dataset: %w", err)
	}
	if ds.Regions == nil {
		ds.Regions = make(map[string]map[string]Reading)
	}
	return &ds, nil
}

// Save snapshots the dataset. The copy is taken through the same
// serialization path the file store uses.
func (s *MemoryStore) Save(ctx context.Context, ds *Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	s.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
