package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendkeeper/trendkeeper/internal/storage/memory"
)

func TestSaveKeepsACopy(t *testing.T) {
	t.Parallel()

	provider := memory.New()
	payload := []byte(`{"regions":{}}`)
	require.NoError(t, provider.Save(context.Background(), "dataset.json", payload))

	// Mutating the original must not change the stored copy.
	payload[0] = 'X'

	stored, ok := provider.Get("dataset.json")
	require.True(t, ok)
	assert.Equal(t, `{"regions":{}}`, string(stored))

	_, ok = provider.Get("missing.json")
	assert.False(t, ok)
}
