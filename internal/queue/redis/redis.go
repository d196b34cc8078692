// Package redis implements the durable job queue on top of Redis lists.
//
// Pending ids live in a list, claimed ids move atomically to a processing list
// (LMOVE) and payloads are kept in a hash. Claims older than the visibility
// timeout are pushed back to the pending list on the next dequeue.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"exporthub/internal/store"
)

var _ store.Queue = (*Queue)(nil)

// DefaultKey prefixes every key used by the queue.
const DefaultKey = "exporthub:jobs"

// Queue is a store.Queue backed by Redis.
type Queue struct {
	client            *redis.Client
	key               string
	visibilityTimeout time.Duration
	now               func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithKey sets the key prefix.
func WithKey(key string) Option {
	return func(q *Queue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithVisibilityTimeout sets how long a claim is honored before redelivery.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibilityTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New connects to addr and verifies the connection.
func New(ctx context.Context, addr, password string, db int, opts ...Option) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cannot connect to Redis at %s: %w", addr, err)
	}
	return NewWithClient(rdb, opts...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		client:            client,
		key:               DefaultKey,
		visibilityTimeout: 5 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) pendingKey() string    { return q.key + ":pending" }
func (q *Queue) processingKey() string { return q.key + ":processing" }
func (q *Queue) payloadKey() string    { return q.key + ":payloads" }
func (q *Queue) claimedKey() string    { return q.key + ":claimed" }

// Enqueue stores the payload and appends its id to the pending list.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) error {
	id := uuid.NewString()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.payloadKey(), id, []byte(payload))
		pipe.LPush(ctx, q.pendingKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// DequeueBatch claims up to limit items, oldest first.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}
	if err := q.reclaim(ctx); err != nil {
		return nil, err
	}

	var items []store.QueueItem
	for len(items) < limit {
		id, err := q.client.LMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return items, fmt.Errorf("batch dequeue failed: %w", err)
		}

		payload, err := q.client.HGet(ctx, q.payloadKey(), id).Bytes()
		if errors.Is(err, redis.Nil) {
			// Acked by a previous holder after its claim expired.
			q.client.LRem(ctx, q.processingKey(), 1, id)
			continue
		}
		if err != nil {
			return items, fmt.Errorf("batch dequeue payload: %w", err)
		}
		if err := q.client.HSet(ctx, q.claimedKey(), id, q.now().Unix()).Err(); err != nil {
			return items, fmt.Errorf("batch dequeue claim: %w", err)
		}
		items = append(items, store.QueueItem{ID: id, Payload: json.RawMessage(payload)})
	}
	return items, nil
}

// reclaim moves expired claims back to the front of the pending list.
func (q *Queue) reclaim(ctx context.Context) error {
	ids, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list processing: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	claims, err := q.client.HMGet(ctx, q.claimedKey(), ids...).Result()
	if err != nil {
		return fmt.Errorf("read claims: %w", err)
	}

	deadline := q.now().Add(-q.visibilityTimeout).Unix()
	for i, id := range ids {
		// Missing claims belong to a consumer between LMOVE and HSET.
		raw, ok := claims[i].(string)
		if !ok {
			continue
		}
		at, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || at > deadline {
			continue
		}
		removed, err := q.client.LRem(ctx, q.processingKey(), 1, id).Result()
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, q.claimedKey(), id)
			pipe.RPush(ctx, q.pendingKey(), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", id, err)
		}
	}
	return nil
}

// Ack forgets a claimed item.
func (q *Queue) Ack(ctx context.Context, item store.QueueItem) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, item.ID)
		pipe.HDel(ctx, q.claimedKey(), item.ID)
		pipe.HDel(ctx, q.payloadKey(), item.ID)
		return nil
	})
	return err
}

// Count returns pending plus claimed items.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	n, err := q.client.HLen(ctx, q.payloadKey()).Result()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the client.
func (q *Queue) Close() error {
	return q.client.Close()
}
