package refresher

import (
	"context"
	"time"
)

// Fetcher retrieves a fresh measurement for one (subject, region) pair.
// Implementations own their transport, retries, and timeouts; the scheduler
// only classifies the final result.
type Fetcher interface {
	FetchOne(ctx context.Context, subject, region string) (FetchResult, error)
}

// Publisher pushes refresh events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Cache stores short-lived lookup values for fetchers, such as resolved
// upstream series keys.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
}
