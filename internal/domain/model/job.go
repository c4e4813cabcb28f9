package model

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CategoryFlags selects which categories a job indexes.
type CategoryFlags struct {
	NFTBids      bool `json:"nft_bids"`
	NFTPrices    bool `json:"nft_prices"`
	TokenPrices  bool `json:"token_prices"`
	LendingRates bool `json:"lending_rates"`
}

func (f CategoryFlags) Enabled(c Category) bool {
	switch c {
	case CategoryNFTBid:
		return f.NFTBids
	case CategoryNFTPrice:
		return f.NFTPrices
	case CategoryTokenPrice:
		return f.TokenPrices
	case CategoryLendingRate:
		return f.LendingRates
	}
	return false
}

// List returns the enabled categories in declaration order.
func (f CategoryFlags) List() []Category {
	out := make([]Category, 0, len(AllCategories))
	for _, c := range AllCategories {
		if f.Enabled(c) {
			out = append(out, c)
		}
	}
	return out
}

func (f CategoryFlags) Any() bool {
	return f.NFTBids || f.NFTPrices || f.TokenPrices || f.LendingRates
}

type JobFilters struct {
	Addresses []string `json:"addresses"`
	Programs  []string `json:"programs,omitempty"`
}

// BackfillCheckpoint is the resumable cursor of a job's backfill.
// AddressIndex points into JobFilters.Addresses; Before is the provider
// pagination cursor for that address.
type BackfillCheckpoint struct {
	AddressIndex int    `json:"address_index"`
	Before       string `json:"before,omitempty"`
	Pages        int    `json:"pages"`
	Done         bool   `json:"done"`
}

type IndexingJob struct {
	ID                    uuid.UUID          `db:"id" json:"id"`
	Owner                 string             `db:"owner" json:"owner"`
	Name                  string             `db:"name" json:"name"`
	Status                JobStatus          `db:"status" json:"status"`
	Progress              int                `db:"progress" json:"progress"`
	EventsProcessed       int64              `db:"events_processed" json:"events_processed"`
	Categories            CategoryFlags      `db:"categories" json:"categories"`
	Filters               JobFilters         `db:"filters" json:"filters"`
	WebhooksEnabled       bool               `db:"webhooks_enabled" json:"webhooks_enabled"`
	BackfillEnabled       bool               `db:"backfill_enabled" json:"backfill_enabled"`
	BackfillLimit         int                `db:"backfill_limit" json:"backfill_limit"`
	Target                string             `db:"target" json:"target"`
	WebhookRegistrationID *uuid.UUID         `db:"webhook_registration_id" json:"webhook_registration_id,omitempty"`
	Checkpoint            BackfillCheckpoint `db:"checkpoint" json:"checkpoint"`
	Attempts              int                `db:"attempts" json:"attempts"`
	ErrorMessage          string             `db:"error_message" json:"error_message,omitempty"`
	CreatedAt             time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time          `db:"updated_at" json:"updated_at"`
	StartedAt             *time.Time         `db:"started_at" json:"started_at,omitempty"`
	CompletedAt           *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
}
