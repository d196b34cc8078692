package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"exporthub/internal/store"

	"github.com/lib/pq"
)

// VisibilityTimeout is how long a claimed item stays hidden before another worker may claim it.
const VisibilityTimeout = 5 * time.Minute

// Enqueue adds a job payload to the job_queue.
func (s *Store) Enqueue(ctx context.Context, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_queue (payload) VALUES ($1)`, []byte(payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// DequeueBatch claims up to 'limit' available jobs atomically using SELECT ... FOR UPDATE SKIP LOCKED.
// Returns nil slice if no jobs are available.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload
		FROM job_queue
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.QueueItem
	var queueIDs []int64

	for rows.Next() {
		var queueID int64
		var payload []byte
		if err := rows.Scan(&queueID, &payload); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		items = append(items, store.QueueItem{
			ID:      strconv.FormatInt(queueID, 10),
			Payload: json.RawMessage(payload),
		})
		queueIDs = append(queueIDs, queueID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	// Empty queue
	if len(items) == 0 {
		return nil, nil
	}

	// Hide claimed items until the visibility timeout passes
	_, err = tx.ExecContext(ctx, `
		UPDATE job_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempts = attempts + 1
		WHERE id = ANY($2)
	`, s.visibilityTimeout.Seconds(), pq.Array(queueIDs))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// Ack deletes a processed item.
func (s *Store) Ack(ctx context.Context, item store.QueueItem) error {
	id, err := strconv.ParseInt(item.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid queue item id %q: %w", item.ID, err)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM job_queue WHERE id = $1", id)
	return err
}

// Count returns the number of queued items, claimed ones included.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_queue").Scan(&n)
	return n, err
}
