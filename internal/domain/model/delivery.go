package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusSuccess      DeliveryStatus = "success"
	DeliveryStatusFailed       DeliveryStatus = "failed"
	DeliveryStatusNotification DeliveryStatus = "notification"
)

// DeliveryLog is one append-only audit row per received or processed delivery.
type DeliveryLog struct {
	ID             int64           `db:"id" json:"id"`
	RegistrationID uuid.UUID       `db:"registration_id" json:"registration_id"`
	JobID          *uuid.UUID      `db:"job_id" json:"job_id,omitempty"`
	Attempt        int             `db:"attempt" json:"attempt"`
	Status         DeliveryStatus  `db:"status" json:"status"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`
	Error          string          `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
