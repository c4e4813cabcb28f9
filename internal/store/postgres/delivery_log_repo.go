package postgres

import (
	"context"
	"fmt"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/google/uuid"
)

type DeliveryLogRepo struct {
	db *DB
}

var _ store.DeliveryLogRepository = (*DeliveryLogRepo)(nil)

func NewDeliveryLogRepo(db *DB) *DeliveryLogRepo {
	return &DeliveryLogRepo{db: db}
}

func (r *DeliveryLogRepo) Append(ctx context.Context, entry *model.DeliveryLog) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_delivery_log (registration_id, job_id, attempt, status, payload, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.RegistrationID, nullUUID(entry.JobID), entry.Attempt, entry.Status,
		nullBytes(entry.Payload), entry.Error,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

func (r *DeliveryLogRepo) ListByRegistration(ctx context.Context, registrationID uuid.UUID, limit int) ([]model.DeliveryLog, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, registration_id, job_id, attempt, status, payload, error, created_at
		FROM webhook_delivery_log
		WHERE registration_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, registrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var out []model.DeliveryLog
	for rows.Next() {
		var (
			d       model.DeliveryLog
			jobID   uuid.NullUUID
			payload []byte
		)
		if err := rows.Scan(&d.ID, &d.RegistrationID, &jobID, &d.Attempt, &d.Status, &payload, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		if jobID.Valid {
			id := jobID.UUID
			d.JobID = &id
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}
