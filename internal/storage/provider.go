// Package storage defines the interface for mirroring dataset snapshots to
// a blob store. The abstraction keeps the dataset layer independent of a
// specific backend (Google Cloud Storage or the local filesystem).
package storage

import (
	"context"
)

// Provider defines the common interface for a blob storage provider.
// It abstracts the operation of saving a snapshot.
type Provider interface {
	// Save uploads data to a specified object path/key in the blob store.
	Save(ctx context.Context, objectName string, data []byte) error
}

// NoOpProvider is a storage provider that performs no operations. It is
// used when snapshot mirroring is disabled.
type NoOpProvider struct{}

// Save for NoOpProvider does nothing and always returns nil.
func (n *NoOpProvider) Save(_ context.Context, _ string, _ []byte) error {
	return nil
}
