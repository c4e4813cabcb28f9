package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `id, owner, name, status, progress, events_processed, categories, filters,
	webhooks_enabled, backfill_enabled, backfill_limit, target, webhook_registration_id,
	checkpoint, attempts, error_message, created_at, updated_at, started_at, completed_at`

type JobRepo struct {
	db *DB
}

var _ store.JobRepository = (*JobRepo)(nil)

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Create(ctx context.Context, job *model.IndexingJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = model.JobStatusCreated
	}
	categories, filters, checkpoint, err := marshalJobDocs(job)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO indexing_jobs (
			id, owner, name, status, categories, filters, webhooks_enabled,
			backfill_enabled, backfill_limit, target, checkpoint
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, job.ID, job.Owner, job.Name, job.Status, categories, filters, job.WebhooksEnabled,
		job.BackfillEnabled, job.BackfillLimit, job.Target, checkpoint,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM indexing_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// UpdateStatus performs the compare-and-set and its queue operation in one
// transaction. The row is locked first so concurrent transitions serialize.
func (r *JobRepo) UpdateStatus(ctx context.Context, upd store.StatusUpdate) (*model.IndexingJob, error) {
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	from := make([]string, len(upd.From))
	for i, s := range upd.From {
		from[i] = string(s)
	}

	var updated *model.IndexingJob
	err := inTx(ctx, r.db.DB, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM indexing_jobs WHERE id = $1 FOR UPDATE`, upd.JobID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		job, err := scanJob(tx.QueryRowContext(ctx, `
			UPDATE indexing_jobs SET
				status = $2,
				webhook_registration_id = COALESCE($3, webhook_registration_id),
				error_message = COALESCE($4, error_message),
				started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $5) ELSE started_at END,
				completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN $5 ELSE completed_at END,
				updated_at = $5
			WHERE id = $1 AND status = ANY($6)
			RETURNING `+jobColumns,
			upd.JobID, string(upd.To), nullUUID(upd.WebhookID), upd.ErrorMessage, at, pq.Array(from),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: job %s is %s", store.ErrStatusConflict, upd.JobID, current)
		}
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}

		if err := applyQueueOpTx(ctx, tx, upd, at); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *JobRepo) SaveProgress(ctx context.Context, id uuid.UUID, upd store.ProgressUpdate) error {
	var checkpoint []byte
	if upd.Checkpoint != nil {
		var err error
		if checkpoint, err = json.Marshal(upd.Checkpoint); err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE indexing_jobs SET
			progress = LEAST(GREATEST(progress, $2), 100),
			events_processed = events_processed + $3,
			checkpoint = COALESCE($4::jsonb, checkpoint),
			updated_at = now()
		WHERE id = $1
	`, id, upd.Progress, upd.EventsDelta, nullBytes(checkpoint))
	if err != nil {
		return fmt.Errorf("save job progress: %w", err)
	}
	return requireRow(res)
}

func (r *JobRepo) RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE indexing_jobs SET attempts = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`, id, attempts, errMsg)
	if err != nil {
		return fmt.Errorf("record job attempt: %w", err)
	}
	return requireRow(res)
}

func (r *JobRepo) ListReceivingByRegistration(ctx context.Context, registrationID uuid.UUID) ([]model.IndexingJob, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM indexing_jobs
		WHERE webhook_registration_id = $1 AND status IN ('running', 'paused') AND webhooks_enabled
		ORDER BY created_at
	`, registrationID)
	if err != nil {
		return nil, fmt.Errorf("query receiving jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.IndexingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *JobRepo) CountLiveByRegistration(ctx context.Context, registrationID uuid.UUID) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM indexing_jobs
		WHERE webhook_registration_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
	`, registrationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.IndexingJob, error) {
	var (
		j                               model.IndexingJob
		categories, filters, checkpoint []byte
		webhookID                       uuid.NullUUID
	)
	if err := row.Scan(
		&j.ID, &j.Owner, &j.Name, &j.Status, &j.Progress, &j.EventsProcessed,
		&categories, &filters, &j.WebhooksEnabled, &j.BackfillEnabled, &j.BackfillLimit,
		&j.Target, &webhookID, &checkpoint, &j.Attempts, &j.ErrorMessage,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	if webhookID.Valid {
		id := webhookID.UUID
		j.WebhookRegistrationID = &id
	}
	if err := unmarshalDoc(categories, &j.Categories); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	if err := unmarshalDoc(filters, &j.Filters); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	if err := unmarshalDoc(checkpoint, &j.Checkpoint); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &j, nil
}

func marshalJobDocs(job *model.IndexingJob) (categories, filters, checkpoint []byte, err error) {
	if categories, err = json.Marshal(job.Categories); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal categories: %w", err)
	}
	if filters, err = json.Marshal(job.Filters); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal filters: %w", err)
	}
	if checkpoint, err = json.Marshal(job.Checkpoint); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return categories, filters, checkpoint, nil
}

func unmarshalDoc(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
