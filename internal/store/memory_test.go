package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openstack/zaqar/internal/id"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	node, err := id.NewNode(1)
	require.NoError(t, err)
	return NewMemoryStore(node)
}

func TestCreateQueueReportsFirstCreation(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	created, err := s.CreateQueue(ctx, "p1", "q1", map[string]string{"owner": "billing"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateQueue(ctx, "p1", "q1", nil)
	require.NoError(t, err)
	assert.False(t, created)

	// Same name in another project is a different queue.
	created, err = s.CreateQueue(ctx, "p2", "q1", nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDeleteQueue(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	_, err := s.CreateQueue(ctx, "p1", "q1", nil)
	require.NoError(t, err)
	require.NoError(t, s.DeleteQueue(ctx, "p1", "q1"))
	assert.ErrorIs(t, s.DeleteQueue(ctx, "p1", "q1"), ErrQueueNotFound)
	assert.ErrorIs(t, s.DeleteQueue(ctx, "p2", "q1"), ErrQueueNotFound)
}

func TestListQueuesSorted(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := s.CreateQueue(ctx, "p1", name, nil)
		require.NoError(t, err)
	}
	names, err := s.ListQueues(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	names, err = s.ListQueues(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPostCreatesQueueImplicitly(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	posted, err := s.Post(ctx, "p1", "q1", []NewMessage{
		{Body: json.RawMessage(`{"a":1}`), TTL: time.Hour},
	})
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.NotEmpty(t, posted[0].ID)

	names, err := s.ListQueues(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, names)
}

func TestPeekReturnsInsertionOrder(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		posted, err := s.Post(ctx, "p1", "q1", []NewMessage{
			{Body: json.RawMessage(`{}`), TTL: time.Hour},
		})
		require.NoError(t, err)
		want = append(want, posted[0].ID)
	}

	msgs, err := s.Peek(ctx, "p1", "q1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, want[i], m.ID)
	}

	// Peek does not consume.
	again, err := s.Peek(ctx, "p1", "q1", 10)
	require.NoError(t, err)
	assert.Len(t, again, 5)
}

func TestPeekMissingQueue(t *testing.T) {
	s := newMemoryStore(t)
	_, err := s.Peek(context.Background(), "p1", "nope", 1)
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestExpiredMessagesAreInvisible(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	posted, err := s.Post(ctx, "p1", "q1", []NewMessage{
		{Body: json.RawMessage(`{"keep":false}`), TTL: 20 * time.Millisecond},
		{Body: json.RawMessage(`{"keep":true}`), TTL: time.Hour},
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	msgs, err := s.Peek(ctx, "p1", "q1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, posted[1].ID, msgs[0].ID)

	_, err = s.Get(ctx, "p1", "q1", posted[0].ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	st, err := s.Stats(ctx, "p1", "q1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestDeleteMessage(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	posted, err := s.Post(ctx, "p1", "q1", []NewMessage{
		{Body: json.RawMessage(`{}`), TTL: time.Hour},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, "p1", "q1", posted[0].ID))
	assert.ErrorIs(t, s.DeleteMessage(ctx, "p1", "q1", posted[0].ID), ErrMessageNotFound)
	assert.ErrorIs(t, s.DeleteMessage(ctx, "p1", "nope", posted[0].ID), ErrQueueNotFound)
}

func TestStats(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()

	_, err := s.Stats(ctx, "p1", "q1")
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, err = s.CreateQueue(ctx, "p1", "q1", nil)
	require.NoError(t, err)
	st, err := s.Stats(ctx, "p1", "q1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)

	_, err = s.Post(ctx, "p1", "q1", []NewMessage{
		{Body: json.RawMessage(`{}`), TTL: time.Hour},
		{Body: json.RawMessage(`{}`), TTL: time.Hour},
	})
	require.NoError(t, err)

	st, err = s.Stats(ctx, "p1", "q1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.False(t, st.Oldest.After(st.Newest))
}
