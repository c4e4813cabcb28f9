package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type QueueKind string

const (
	QueueKindJobStart QueueKind = "job_start"
	QueueKindDelivery QueueKind = "delivery"
	QueueKindBackfill QueueKind = "backfill"
)

type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusPaused     QueueStatus = "paused"
	QueueStatusDone       QueueStatus = "done"
	QueueStatusFailed     QueueStatus = "failed"
)

type QueueEntry struct {
	ID          int64           `db:"id"`
	JobID       uuid.UUID       `db:"job_id"`
	Kind        QueueKind       `db:"kind"`
	Payload     json.RawMessage `db:"payload"`
	Status      QueueStatus     `db:"status"`
	Attempts    int             `db:"attempts"`
	MaxAttempts int             `db:"max_attempts"`
	RunAt       time.Time       `db:"run_at"`
	LockedUntil *time.Time      `db:"locked_until"`
	LastError   string          `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// DeliveryPayload is the queue payload of a QueueKindDelivery entry.
type DeliveryPayload struct {
	RegistrationID uuid.UUID       `json:"registration_id"`
	Body           json.RawMessage `json:"body"`
}
