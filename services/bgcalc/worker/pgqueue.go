// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel new tasks are announced on.
const DefaultNotifyChannel = "bgcalc_tasks"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bgcalc_tasks (
    id            TEXT PRIMARY KEY,
    task_name     TEXT NOT NULL,
    args          JSONB NOT NULL,
    status        TEXT NOT NULL DEFAULT 'PENDING',
    time_limit_ms BIGINT NOT NULL DEFAULT 0,
    submitted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at    TIMESTAMPTZ,
    finished_at   TIMESTAMPTZ,
    worker        TEXT,
    result        JSONB,
    error_type    TEXT,
    error_message TEXT,
    error_detail  JSONB
);
ALTER TABLE bgcalc_tasks ADD COLUMN IF NOT EXISTS error_detail JSONB;
CREATE INDEX IF NOT EXISTS bgcalc_tasks_pending_idx
    ON bgcalc_tasks (submitted_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS bgcalc_tasks_started_idx
    ON bgcalc_tasks (started_at) WHERE status = 'STARTED';
`

// ClaimedTask is a task a consumer took ownership of.
type ClaimedTask struct {
	ID        string
	TaskName  string
	Args      json.RawMessage
	TimeLimit time.Duration
}

// PGQueueOption customizes a PGQueue.
type PGQueueOption func(*PGQueue)

// WithTaskNames restricts Submit to the given task names. Without it any
// name is accepted and unknown names fail on the consumer side.
func WithTaskNames(names ...string) PGQueueOption {
	return func(q *PGQueue) {
		q.known = make(map[string]struct{}, len(names))
		for _, n := range names {
			q.known[n] = struct{}{}
		}
	}
}

// WithNotifyChannel overrides DefaultNotifyChannel.
func WithNotifyChannel(channel string) PGQueueOption {
	return func(q *PGQueue) {
		q.channel = channel
	}
}

// WithQueueMetrics attaches metrics.
func WithQueueMetrics(m *observability.Metrics) PGQueueOption {
	return func(q *PGQueue) {
		q.metrics = m
	}
}

// PGQueue is a Client storing tasks in Postgres for a separate worker fleet.
//
// # Description
//
// Producers (the web tier) insert rows and announce them with NOTIFY.
// Consumers claim rows with FOR UPDATE SKIP LOCKED so that each task runs
// exactly once, execute them and write the outcome back. A reaper fails
// STARTED rows that outlived their time limit (crashed workers) and purges
// old finished rows.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the database.
type PGQueue struct {
	pool    *pgxpool.Pool
	channel string
	known   map[string]struct{}
	metrics *observability.Metrics
	owned   bool
}

// OpenPGQueue connects to dsn and verifies the connection.
func OpenPGQueue(ctx context.Context, dsn string, opts ...PGQueueOption) (*PGQueue, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	q := NewPGQueue(pool, opts...)
	q.owned = true
	return q, nil
}

// NewPGQueue wraps an existing pool. Close does not close a pool passed in.
func NewPGQueue(pool *pgxpool.Pool, opts ...PGQueueOption) *PGQueue {
	q := &PGQueue{pool: pool, channel: DefaultNotifyChannel}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Migrate creates the task table and its indexes if missing.
func (q *PGQueue) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate task table: %w", err)
	}
	return nil
}

// transact runs fn in a transaction, rolling back on error.
func transact[T any](ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	result, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// =============================================================================
// Producer Side
// =============================================================================

// Submit implements Client.
func (q *PGQueue) Submit(ctx context.Context, taskName string, args json.RawMessage, timeLimit time.Duration) (Handle, error) {
	if q.known != nil {
		if _, ok := q.known[taskName]; !ok {
			return Handle{}, &datatypes.BackendError{Op: "submit " + taskName, Err: errors.New("unknown task")}
		}
	}
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	id := uuid.NewString()

	submitted, err := transact(ctx, q.pool, func(tx pgx.Tx) (time.Time, error) {
		var at time.Time
		err := tx.QueryRow(ctx,
			`INSERT INTO bgcalc_tasks (id, task_name, args, time_limit_ms)
			 VALUES ($1, $2, $3, $4) RETURNING submitted_at`,
			id, taskName, []byte(args), timeLimit.Milliseconds(),
		).Scan(&at)
		if err != nil {
			return at, err
		}
		// delivered on commit
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, q.channel, taskName)
		return at, err
	})
	if err != nil {
		return Handle{}, &datatypes.BackendError{Op: "submit " + taskName, Err: err}
	}
	q.metrics.RecordSubmit(taskName)
	return Handle{
		ID:          id,
		TaskName:    taskName,
		Status:      datatypes.StatusPending,
		SubmittedAt: submitted.UnixMilli(),
		TimeLimit:   timeLimit,
	}, nil
}

// Poll implements Client.
func (q *PGQueue) Poll(ctx context.Context, h Handle) (datatypes.Status, error) {
	var status string
	err := q.pool.QueryRow(ctx, `SELECT status FROM bgcalc_tasks WHERE id = $1`, h.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &datatypes.NotFoundError{What: "task " + h.ID}
	}
	if err != nil {
		return "", &datatypes.BackendError{Op: "poll", Err: err}
	}
	return datatypes.ParseStatus(status)
}

// Fetch implements Client.
func (q *PGQueue) Fetch(ctx context.Context, h Handle) (json.RawMessage, error) {
	var (
		status  string
		result  []byte
		errType string
		errMsg  string
		detail  []byte
	)
	err := q.pool.QueryRow(ctx,
		`SELECT status, result, COALESCE(error_type, ''), COALESCE(error_message, ''), error_detail
		 FROM bgcalc_tasks WHERE id = $1`, h.ID,
	).Scan(&status, &result, &errType, &errMsg, &detail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &datatypes.NotFoundError{What: "task " + h.ID}
	}
	if err != nil {
		return nil, &datatypes.BackendError{Op: "fetch", Err: err}
	}
	switch datatypes.Status(status) {
	case datatypes.StatusSuccess:
		if len(result) == 0 {
			return json.RawMessage("null"), nil
		}
		return result, nil
	case datatypes.StatusFailure:
		cerr := &datatypes.ComputationError{Type: errType, Message: errMsg}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, cerr); err != nil {
				slog.Warn("Undecodable task error detail", "task_id", h.ID, "error", err)
			}
		}
		return nil, cerr.Restore()
	default:
		return nil, ErrNotReady
	}
}

// Close releases the connection pool if the queue opened it.
func (q *PGQueue) Close() error {
	if q.owned {
		q.pool.Close()
	}
	return nil
}

// =============================================================================
// Consumer Side
// =============================================================================

// Claim takes the oldest pending task whose name is in taskNames. It
// returns nil when there is nothing to do.
func (q *PGQueue) Claim(ctx context.Context, workerName string, taskNames []string) (*ClaimedTask, error) {
	var (
		t       ClaimedTask
		args    []byte
		limitMs int64
	)
	err := q.pool.QueryRow(ctx,
		`UPDATE bgcalc_tasks SET status = 'STARTED', started_at = now(), worker = $1
		 WHERE id = (
		     SELECT id FROM bgcalc_tasks
		     WHERE status = 'PENDING' AND task_name = ANY($2)
		     ORDER BY submitted_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, task_name, args, time_limit_ms`,
		workerName, taskNames,
	).Scan(&t.ID, &t.TaskName, &args, &limitMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	t.Args = args
	t.TimeLimit = time.Duration(limitMs) * time.Millisecond
	return &t, nil
}

// Complete records the outcome of a claimed task. Rows the reaper already
// failed are left alone; the returned bool reports whether the row changed.
func (q *PGQueue) Complete(ctx context.Context, id string, result json.RawMessage, cerr *datatypes.ComputationError) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if cerr != nil {
		detail, merr := json.Marshal(cerr)
		if merr != nil {
			return false, fmt.Errorf("encode error of task %s: %w", id, merr)
		}
		tag, err = q.pool.Exec(ctx,
			`UPDATE bgcalc_tasks
			 SET status = 'FAILURE', finished_at = now(), error_type = $2, error_message = $3, error_detail = $4
			 WHERE id = $1 AND status = 'STARTED'`,
			id, cerr.Type, cerr.Message, detail)
	} else {
		tag, err = q.pool.Exec(ctx,
			`UPDATE bgcalc_tasks
			 SET status = 'SUCCESS', finished_at = now(), result = $2
			 WHERE id = $1 AND status = 'STARTED'`,
			id, []byte(result))
	}
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Requeue returns a claimed task to the pending state, used when a
// consumer shuts down mid-task.
func (q *PGQueue) Requeue(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE bgcalc_tasks SET status = 'PENDING', started_at = NULL, worker = NULL
		 WHERE id = $1 AND status = 'STARTED'`, id)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	return nil
}

// ReapResult reports one reaper pass.
type ReapResult struct {
	TimedOut int64
	Purged   int64
}

// Reap fails STARTED tasks past their time limit and deletes finished
// tasks older than retention.
func (q *PGQueue) Reap(ctx context.Context, retention time.Duration) (ReapResult, error) {
	res, err := transact(ctx, q.pool, func(tx pgx.Tx) (ReapResult, error) {
		var r ReapResult
		tag, err := tx.Exec(ctx,
			`UPDATE bgcalc_tasks
			 SET status = 'FAILURE', finished_at = now(), error_type = $1, error_message = $2
			 WHERE status = 'STARTED' AND time_limit_ms > 0
			   AND started_at + make_interval(secs => time_limit_ms / 1000.0) < now()`,
			datatypes.ErrTypeTimeout, WorkerTimeLimitExceeded)
		if err != nil {
			return r, err
		}
		r.TimedOut = tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`DELETE FROM bgcalc_tasks
			 WHERE status IN ('SUCCESS', 'FAILURE')
			   AND finished_at < now() - make_interval(secs => $1)`,
			retention.Seconds())
		if err != nil {
			return r, err
		}
		r.Purged = tag.RowsAffected()
		return r, nil
	})
	if err != nil {
		return ReapResult{}, fmt.Errorf("reap tasks: %w", err)
	}
	return res, nil
}

// Listen blocks until ctx is done, sending on wake whenever a task is
// announced. Sends never block; a pending wake-up already covers new tasks.
func (q *PGQueue) Listen(ctx context.Context, wake chan<- struct{}) error {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{q.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", q.channel, err)
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
