// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// OpKind is the kind of a queued offline mutation.
type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// Operation is one entry of the offline operation queue: a mutation
// attempted while the remote store was unreachable, with the record payload
// captured at enqueue time.
type Operation struct {
	Seq          int64
	EntityType   string
	EntityID     string
	Kind         OpKind
	Payload      json.RawMessage // serialized record fields, nil for DELETE
	AttemptCount int
	EnqueuedAt   time.Time
}

// OpOutcome reports the result of replaying one queued operation.
type OpOutcome struct {
	Seq        int64
	EntityType string
	EntityID   string
	Kind       OpKind
	Applied    bool
	Err        error
}

// Queue is the durable, ordered log of offline mutations, persisted in the
// local store. Enqueue never deduplicates: two updates to the same entity
// recorded offline are both replayed in order, so the second supersedes the
// first's server-side effect naturally.
type Queue struct {
	store  *Store
	logger *slog.Logger
}

// NewQueue returns a queue over the store's operation log.
func NewQueue(store *Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger}
}

// Enqueue appends an operation to the log.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID string, kind OpKind, payload json.RawMessage) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	var p any
	if payload != nil {
		p = string(payload)
	}
	_, err := q.store.DB.ExecContext(ctx, `
		INSERT INTO sync_op_queue (entity_type, entity_id, op, payload, attempt_count, enqueued_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, entityType, entityID, string(kind), p, formatTime(q.store.now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to enqueue offline operation: %w", err)
	}
	return nil
}

// Size returns the number of queued operations.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_op_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queued operations: %w", err)
	}
	return n, nil
}

// Operations returns a snapshot of the queue in replay order, for
// diagnostics and dead-letter policies layered on top by the caller.
func (q *Queue) Operations(ctx context.Context) ([]Operation, error) {
	rows, err := q.store.DB.QueryContext(ctx, `
		SELECT seq, entity_type, entity_id, op, payload, attempt_count, enqueued_at
		FROM sync_op_queue ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation queue: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var kind, enqueuedAt string
	var payload sql.NullString
	if err := row.Scan(&op.Seq, &op.EntityType, &op.EntityID, &kind, &payload, &op.AttemptCount, &enqueuedAt); err != nil {
		return nil, fmt.Errorf("failed to scan queued operation: %w", err)
	}
	op.Kind = OpKind(kind)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	var err error
	if op.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("%w: bad enqueued_at %q", ErrCorruptStore, enqueuedAt)
	}
	return &op, nil
}

// Drain replays queued operations strictly in submission order through
// apply. An entry is removed only after apply confirms the remote
// acknowledged it. On the first failure processing stops and the failed
// operation plus everything after it stay queued for the next drain - later
// operations may depend on identifiers created by earlier ones, so the queue
// never skips ahead past a stuck entry.
func (q *Queue) Drain(ctx context.Context, apply func(ctx context.Context, op *Operation) error) ([]OpOutcome, error) {
	ops, err := q.Operations(ctx)
	if err != nil {
		return nil, err
	}

	var outcomes []OpOutcome
	for i := range ops {
		op := &ops[i]
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		if err := q.bumpAttempt(ctx, op.Seq); err != nil {
			return outcomes, err
		}
		op.AttemptCount++

		if err := apply(ctx, op); err != nil {
			outcomes = append(outcomes, OpOutcome{
				Seq: op.Seq, EntityType: op.EntityType, EntityID: op.EntityID,
				Kind: op.Kind, Err: err,
			})
			if IsTransient(err) {
				q.logger.Info("queue drain paused on transient failure",
					"seq", op.Seq, "type", op.EntityType, "id", op.EntityID, "error", err)
			} else {
				q.logger.Warn("queue drain stopped on failed operation",
					"seq", op.Seq, "type", op.EntityType, "id", op.EntityID, "error", err)
			}
			return outcomes, nil
		}

		if err := q.remove(ctx, op.Seq); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, OpOutcome{
			Seq: op.Seq, EntityType: op.EntityType, EntityID: op.EntityID,
			Kind: op.Kind, Applied: true,
		})
	}
	return outcomes, nil
}

func (q *Queue) bumpAttempt(ctx context.Context, seq int64) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.DB.ExecContext(ctx,
		`UPDATE sync_op_queue SET attempt_count = attempt_count + 1 WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to bump attempt count: %w", err)
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, seq int64) error {
	q.store.writeMu.Lock()
	defer q.store.writeMu.Unlock()
	_, err := q.store.DB.ExecContext(ctx, `DELETE FROM sync_op_queue WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to remove queued operation: %w", err)
	}
	return nil
}
