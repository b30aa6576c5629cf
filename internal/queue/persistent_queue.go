package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// persistedIntent is the msgpack-encoded form of EnqueueIntent. A plain
// struct (rather than encoding EnqueueIntent directly) keeps the wire
// format stable if EnqueueIntent ever grows fields msgpack can't handle.
type persistedIntent struct {
	PipelineID      string
	TriggerMetadata map[string]interface{}
	EnqueuedAt      time.Time
	AvailableAt     time.Time
	Retries         int
	MaxRetries      int
}

// PersistentQueue is a durable ExecutorQueue backed by a SQLite journal
// table, encoding intents with msgpack. An intent enqueued here survives a
// process restart between Enqueue and worker pickup, which MemoryQueue
// does not guarantee.
type PersistentQueue struct {
	db *sql.DB
}

// NewPersistentQueue wraps db (already migrated with the queue_intents
// table).
func NewPersistentQueue(db *sql.DB) *PersistentQueue {
	return &PersistentQueue{db: db}
}

// Enqueue appends intent to the journal.
func (q *PersistentQueue) Enqueue(ctx context.Context, intent EnqueueIntent) error {
	if intent.AvailableAt.IsZero() {
		intent.AvailableAt = time.Now().UTC()
	}
	if intent.EnqueuedAt.IsZero() {
		intent.EnqueuedAt = time.Now().UTC()
	}

	payload, err := msgpack.Marshal(persistedIntent{
		PipelineID:      intent.PipelineID,
		TriggerMetadata: intent.TriggerMetadata,
		EnqueuedAt:      intent.EnqueuedAt,
		AvailableAt:     intent.AvailableAt,
		Retries:         intent.Retries,
		MaxRetries:      intent.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("queue: encode intent: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_intents (pipeline_id, payload, available_at, claimed, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, intent.PipelineID, payload, intent.AvailableAt.Unix(), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("queue: persist intent: %w", err)
	}
	return nil
}

// Dequeue claims and returns the oldest ready, unclaimed intent. Claiming
// is a single UPDATE ... WHERE claimed = 0 RETURNING-style compare-and-set
// (emulated via two statements since modernc.org/sqlite's RETURNING
// support varies by build) so two worker processes never both pick up the
// same row.
func (q *PersistentQueue) Dequeue(ctx context.Context) (EnqueueIntent, bool, error) {
	now := time.Now().UTC().Unix()

	var id int64
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		SELECT id, payload FROM queue_intents
		WHERE claimed = 0 AND available_at <= ?
		ORDER BY available_at ASC, id ASC
		LIMIT 1
	`, now).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return EnqueueIntent{}, false, nil
	}
	if err != nil {
		return EnqueueIntent{}, false, fmt.Errorf("queue: peek intent: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `UPDATE queue_intents SET claimed = 1 WHERE id = ? AND claimed = 0`, id)
	if err != nil {
		return EnqueueIntent{}, false, fmt.Errorf("queue: claim intent %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return EnqueueIntent{}, false, fmt.Errorf("queue: claim intent %d: rows affected: %w", id, err)
	}
	if n == 0 {
		// Lost the race to another worker; caller retries on its next poll.
		return EnqueueIntent{}, false, nil
	}

	var p persistedIntent
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return EnqueueIntent{}, false, fmt.Errorf("queue: decode intent %d: %w", id, err)
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM queue_intents WHERE id = ?`, id); err != nil {
		return EnqueueIntent{}, false, fmt.Errorf("queue: delete claimed intent %d: %w", id, err)
	}

	return EnqueueIntent{
		PipelineID:      p.PipelineID,
		TriggerMetadata: p.TriggerMetadata,
		EnqueuedAt:      p.EnqueuedAt,
		AvailableAt:     p.AvailableAt,
		Retries:         p.Retries,
		MaxRetries:      p.MaxRetries,
	}, true, nil
}

// Size returns the number of unclaimed intents in the journal.
func (q *PersistentQueue) Size(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_intents WHERE claimed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}
	return n, nil
}
