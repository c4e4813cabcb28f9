package model

import (
	"encoding/json"
	"time"
)

// EventEnvelope is a provider transaction reduced to the fields classification needs.
type EventEnvelope struct {
	Signature       string
	Timestamp       time.Time
	Type            string
	Source          string
	FeePayer        string
	TouchedAccounts []string
	Payload         json.RawMessage
}

// Touches reports whether account appears among the envelope's touched accounts.
func (e EventEnvelope) Touches(account string) bool {
	for _, a := range e.TouchedAccounts {
		if a == account {
			return true
		}
	}
	return false
}
