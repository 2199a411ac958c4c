package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPublishRecordsMessages keeps every publish with its topic and returns
// sequential pseudo ids.
func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()

	id, err := p.Publish(context.Background(), "analysis-complete", map[string]any{"job_id": "job-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	id, err = p.Publish(context.Background(), "analysis-complete", map[string]any{"job_id": "job-2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "analysis-complete", msgs[0].Topic)
	require.Equal(t, map[string]any{"job_id": "job-1"}, msgs[0].Payload)
}

// TestMessagesReturnsCopy mutating the returned slice must not touch the
// publisher's record.
func TestMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "topic", "payload")
	require.NoError(t, err)

	msgs := p.Messages()
	msgs[0].Topic = "mutated"

	require.Equal(t, "topic", p.Messages()[0].Topic)
}
