// Package gcs provides a snapshot mirror backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Provider uploads dataset snapshots to a configured GCS bucket.
type Provider struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// New initializes a GCS client and verifies the bucket is reachable, so a
// misconfigured mirror fails at startup rather than at the first save.
// Authentication is handled via Application Default Credentials.
func New(ctx context.Context, bucket string, logger *zap.Logger) (*Provider, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", bucket, err)
	}
	return &Provider{client: client, bucket: bucket, logger: logger}, nil
}

// NewWithClient constructs a provider from an existing client (primarily
// for testing against a stub endpoint).
func NewWithClient(client *storage.Client, bucket string, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{client: client, bucket: bucket, logger: logger}, nil
}

// Save uploads the snapshot bytes to the configured bucket.
func (p *Provider) Save(ctx context.Context, objectName string, data []byte) error {
	wc := p.client.Bucket(p.bucket).Object(objectName).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		// Close anyway to release the writer; the write error is primary.
		if closeErr := wc.Close(); closeErr != nil {
			p.logger.Warn("failed to close GCS writer after write failure", zap.Error(closeErr))
		}
		return fmt.Errorf("failed to write GCS object %s: %w", objectName, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for object %s: %w", objectName, err)
	}
	return nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
