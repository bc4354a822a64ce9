// Package memory keeps snapshot mirrors in-memory for development.
package memory

import (
	"context"
	"sync"
)

// Provider stores snapshots in a process-local map.
type Provider struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory provider.
func New() *Provider {
	return &Provider{data: make(map[string][]byte)}
}

// Save keeps a copy of the snapshot bytes.
func (p *Provider) Save(_ context.Context, objectName string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[objectName] = append([]byte(nil), data...)
	return nil
}

// Get returns the stored snapshot, if any. Used by tests.
func (p *Provider) Get(objectName string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.data[objectName]
	return data, ok
}
