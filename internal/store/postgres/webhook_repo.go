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
	"github.com/lib/pq"
)

const webhookColumns = `id, provider_id, callback_url, secret, addresses, transaction_types,
	webhook_type, status, owner, created_at, last_touched_at, deactivated_at`

type WebhookRepo struct {
	db *DB
}

var _ store.WebhookRepository = (*WebhookRepo)(nil)

func NewWebhookRepo(db *DB) *WebhookRepo {
	return &WebhookRepo{db: db}
}

func (r *WebhookRepo) Create(ctx context.Context, reg *model.WebhookRegistration) error {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	if reg.Status == "" {
		reg.Status = model.WebhookStatusActive
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_registrations (
			id, provider_id, callback_url, secret, addresses, transaction_types, webhook_type, status, owner
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, last_touched_at
	`, reg.ID, reg.ProviderID, reg.CallbackURL, reg.Secret,
		pq.Array(reg.Filters.Addresses), pq.Array(reg.Filters.TransactionTypes),
		string(reg.Filters.WebhookType), reg.Status, reg.Owner,
	).Scan(&reg.CreatedAt, &reg.LastTouchedAt)
	if err != nil {
		return fmt.Errorf("insert webhook registration: %w", err)
	}
	return nil
}

func (r *WebhookRepo) Get(ctx context.Context, id uuid.UUID) (*model.WebhookRegistration, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	reg, err := scanWebhook(r.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_registrations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook registration %s: %w", id, err)
	}
	return reg, nil
}

func (r *WebhookRepo) ListActiveByOwner(ctx context.Context, owner string) ([]model.WebhookRegistration, error) {
	return r.list(ctx, `SELECT `+webhookColumns+` FROM webhook_registrations
		WHERE owner = $1 AND status = 'active' ORDER BY created_at`, owner)
}

func (r *WebhookRepo) ListAll(ctx context.Context) ([]model.WebhookRegistration, error) {
	return r.list(ctx, `SELECT `+webhookColumns+` FROM webhook_registrations ORDER BY created_at`)
}

func (r *WebhookRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE webhook_registrations SET last_touched_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch webhook registration: %w", err)
	}
	return requireRow(res)
}

func (r *WebhookRepo) MarkInactive(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_registrations SET status = 'inactive', deactivated_at = $2
		WHERE id = ANY($1::uuid[]) AND status = 'active'
	`, pq.Array(strIDs), at)
	if err != nil {
		return fmt.Errorf("mark webhook registrations inactive: %w", err)
	}
	return nil
}

func (r *WebhookRepo) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM webhook_registrations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete webhook registration: %w", err)
	}
	return nil
}

func (r *WebhookRepo) list(ctx context.Context, query string, args ...any) ([]model.WebhookRegistration, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook registrations: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookRegistration
	for rows.Next() {
		reg, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook registration: %w", err)
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

func scanWebhook(row rowScanner) (*model.WebhookRegistration, error) {
	var (
		reg         model.WebhookRegistration
		webhookType string
	)
	if err := row.Scan(
		&reg.ID, &reg.ProviderID, &reg.CallbackURL, &reg.Secret,
		pq.Array(&reg.Filters.Addresses), pq.Array(&reg.Filters.TransactionTypes),
		&webhookType, &reg.Status, &reg.Owner, &reg.CreatedAt, &reg.LastTouchedAt, &reg.DeactivatedAt,
	); err != nil {
		return nil, err
	}
	reg.Filters.WebhookType = model.WebhookType(webhookType)
	return &reg, nil
}
