package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "trend-events", map[string]any{"progress": 42})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)

	id, err = p.Publish(context.Background(), "trend-events", "second")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)

	events := p.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "trend-events", events[0].Topic)
	assert.Equal(t, "second", events[1].Payload)
}

func TestEventsReturnsCopy(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "trend-events", "one")
	require.NoError(t, err)

	events := p.Events()
	events[0].Topic = "mutated"
	assert.Equal(t, "trend-events", p.Events()[0].Topic)
}
