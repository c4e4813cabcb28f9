package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type WebhookType string

const (
	WebhookTypeEnhanced WebhookType = "enhanced"
	WebhookTypeRaw      WebhookType = "raw"
)

type WebhookStatus string

const (
	WebhookStatusActive   WebhookStatus = "active"
	WebhookStatusInactive WebhookStatus = "inactive"
)

type WebhookFilters struct {
	Addresses        []string    `json:"addresses"`
	TransactionTypes []string    `json:"transaction_types,omitempty"`
	WebhookType      WebhookType `json:"webhook_type"`
}

// Overlaps reports whether f and other can be served by one registration:
// same webhook type and at least one shared account address.
func (f WebhookFilters) Overlaps(other WebhookFilters) bool {
	if normalizeWebhookType(f.WebhookType) != normalizeWebhookType(other.WebhookType) {
		return false
	}
	if len(f.Addresses) == 0 || len(other.Addresses) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(f.Addresses))
	for _, a := range f.Addresses {
		seen[strings.TrimSpace(a)] = struct{}{}
	}
	for _, a := range other.Addresses {
		if _, ok := seen[strings.TrimSpace(a)]; ok {
			return true
		}
	}
	return false
}

func normalizeWebhookType(t WebhookType) WebhookType {
	if t == "" {
		return WebhookTypeEnhanced
	}
	return t
}

type WebhookRegistration struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	ProviderID    string         `db:"provider_id" json:"provider_id"`
	CallbackURL   string         `db:"callback_url" json:"callback_url"`
	Secret        string         `db:"secret" json:"-"`
	Filters       WebhookFilters `db:"filters" json:"filters"`
	Status        WebhookStatus  `db:"status" json:"status"`
	Owner         string         `db:"owner" json:"owner"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	LastTouchedAt time.Time      `db:"last_touched_at" json:"last_touched_at"`
	DeactivatedAt *time.Time     `db:"deactivated_at" json:"deactivated_at,omitempty"`
}
