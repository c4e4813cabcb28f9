package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/google/uuid"
)

const queueColumns = `id, job_id, kind, payload, status, attempts, max_attempts, run_at,
	locked_until, last_error, created_at, updated_at`

// QueueRepo is a durable work queue on the control-plane database. Workers
// claim with FOR UPDATE SKIP LOCKED; an entry whose lock expired is claimable
// again, so delivery is at-least-once.
type QueueRepo struct {
	db *DB
}

var _ store.QueueRepository = (*QueueRepo)(nil)

func NewQueueRepo(db *DB) *QueueRepo {
	return &QueueRepo{db: db}
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *QueueRepo) Enqueue(ctx context.Context, entry *model.QueueEntry) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	return enqueue(ctx, r.db, entry, time.Now())
}

func enqueue(ctx context.Context, q execQuerier, entry *model.QueueEntry, now time.Time) error {
	if entry.Status == "" {
		entry.Status = model.QueueStatusQueued
	}
	if entry.RunAt.IsZero() {
		entry.RunAt = now
	}
	if entry.MaxAttempts <= 0 {
		entry.MaxAttempts = 3
	}
	payload := []byte(entry.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO job_queue (job_id, kind, payload, status, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, entry.JobID, entry.Kind, string(payload), entry.Status, entry.MaxAttempts, entry.RunAt,
	).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s entry: %w", entry.Kind, err)
	}
	return nil
}

func (r *QueueRepo) Claim(ctx context.Context, now time.Time, visibility time.Duration) (*model.QueueEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	e, err := scanQueueEntry(r.db.QueryRowContext(ctx, `
		UPDATE job_queue SET
			status = 'processing',
			locked_until = $2,
			attempts = attempts + 1,
			updated_at = $1
		WHERE id = (
			SELECT id FROM job_queue
			WHERE (status = 'queued' AND run_at <= $1)
			   OR (status = 'processing' AND locked_until < $1)
			ORDER BY run_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+queueColumns,
		now, now.Add(visibility),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return e, nil
}

func (r *QueueRepo) Complete(ctx context.Context, id int64) error {
	return r.exec(ctx, "complete", `
		UPDATE job_queue SET status = 'done', locked_until = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id)
}

func (r *QueueRepo) Advance(ctx context.Context, id int64, payload []byte, runAt time.Time) error {
	return r.exec(ctx, "advance", `
		UPDATE job_queue SET
			status = 'queued', locked_until = NULL, run_at = $2, attempts = 0, last_error = '',
			payload = COALESCE($3::jsonb, payload), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, runAt, nullBytes(payload))
}

func (r *QueueRepo) Defer(ctx context.Context, id int64, runAt time.Time) error {
	return r.exec(ctx, "defer", `
		UPDATE job_queue SET
			status = 'queued', locked_until = NULL, run_at = $2,
			attempts = GREATEST(attempts - 1, 0), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, runAt)
}

func (r *QueueRepo) Retry(ctx context.Context, id int64, runAt time.Time, lastErr string) error {
	return r.exec(ctx, "retry", `
		UPDATE job_queue SET
			status = 'queued', locked_until = NULL, run_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, runAt, lastErr)
}

func (r *QueueRepo) Fail(ctx context.Context, id int64, lastErr string) error {
	return r.exec(ctx, "fail", `
		UPDATE job_queue SET status = 'failed', locked_until = NULL, last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, lastErr)
}

// Park share-locks the job row, so a concurrent resume either runs after the
// entry is parked and requeues it, or commits first and Park reports false.
func (r *QueueRepo) Park(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	parked := false
	err := inTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		var status model.JobStatus
		err := tx.QueryRowContext(ctx, `
			SELECT j.status FROM indexing_jobs j
			JOIN job_queue q ON q.job_id = j.id
			WHERE q.id = $1
			FOR SHARE OF j
		`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock job of queue entry: %w", err)
		}
		if status != model.JobStatusPaused {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_queue SET
				status = 'paused', locked_until = NULL,
				attempts = GREATEST(attempts - 1, 0), updated_at = now()
			WHERE id = $1 AND status = 'processing'
		`, id); err != nil {
			return fmt.Errorf("park queue entry: %w", err)
		}
		parked = true
		return nil
	})
	return parked, err
}

func (r *QueueRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]model.QueueEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM job_queue WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *QueueRepo) exec(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s queue entry: %w", op, err)
	}
	return nil
}

// applyQueueOpTx runs the queue side of a job status change inside tx.
func applyQueueOpTx(ctx context.Context, tx *sql.Tx, upd store.StatusUpdate, at time.Time) error {
	var err error
	switch upd.QueueOp {
	case store.QueueOpNone:
		return nil
	case store.QueueOpEnqueue:
		if upd.Entry == nil {
			return fmt.Errorf("enqueue requested without entry")
		}
		upd.Entry.JobID = upd.JobID
		return enqueue(ctx, tx, upd.Entry, at)
	case store.QueueOpPause:
		_, err = tx.ExecContext(ctx, `
			UPDATE job_queue SET status = 'paused', locked_until = NULL, updated_at = $2
			WHERE job_id = $1 AND status IN ('queued', 'processing')
		`, upd.JobID, at)
	case store.QueueOpResume:
		_, err = tx.ExecContext(ctx, `
			UPDATE job_queue SET status = 'queued', run_at = $2, updated_at = $2
			WHERE job_id = $1 AND status = 'paused'
		`, upd.JobID, at)
	case store.QueueOpRemove:
		_, err = tx.ExecContext(ctx, `
			DELETE FROM job_queue WHERE job_id = $1 AND status NOT IN ('done', 'failed')
		`, upd.JobID)
	default:
		return fmt.Errorf("unknown queue op %d", upd.QueueOp)
	}
	if err != nil {
		return fmt.Errorf("apply queue op %d: %w", upd.QueueOp, err)
	}
	return nil
}

func scanQueueEntry(row rowScanner) (*model.QueueEntry, error) {
	var (
		e       model.QueueEntry
		payload []byte
	)
	if err := row.Scan(
		&e.ID, &e.JobID, &e.Kind, &payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.RunAt, &e.LockedUntil, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
