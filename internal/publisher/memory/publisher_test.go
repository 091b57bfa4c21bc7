package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "runs", map[string]string{"run_id": "r1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(""), 2)
	runs := pub.Messages("runs")
	require.Len(t, runs, 1)
	require.JSONEq(t, `{"run_id":"r1"}`, string(runs[0].Data))

	runs[0].Topic = "modified"
	require.Equal(t, "runs", pub.Messages("runs")[0].Topic)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "runs", make(chan int))
	require.Error(t, err)
	require.Empty(t, New().Messages(""))
}
