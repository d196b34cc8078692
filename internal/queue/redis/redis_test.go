package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewWithClient(client, opts...)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestQueue_FIFOAndAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, q.Enqueue(ctx, json.RawMessage(p)))
	}

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	items, err := q.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"n":1}`, string(items[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(items[1].Payload))

	for _, item := range items {
		require.NoError(t, q.Ack(ctx, item))
	}

	n, err = q.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rest, err := q.DequeueBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.JSONEq(t, `{"n":3}`, string(rest[0].Payload))
}

func TestQueue_EmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	items, err := q.DequeueBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, items)
}

func TestQueue_RedeliversExpiredClaims(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q, _ := newTestQueue(t, WithVisibilityTimeout(time.Minute), WithClock(clock), WithKey("test:jobs"))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, json.RawMessage(`{"kind":"convert"}`)))

	first, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Claimed and not yet expired.
	none, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none)

	now = now.Add(2 * time.Minute)
	again, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)

	require.NoError(t, q.Ack(ctx, again[0]))
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNew_ConnectionError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = New(context.Background(), addr, "", 0)
	assert.Error(t, err)
}
