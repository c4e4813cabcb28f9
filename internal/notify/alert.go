package notify

import (
	"context"
	"strconv"

	"github.com/emperorhan/webhook-indexer/internal/alert"
	"github.com/emperorhan/webhook-indexer/internal/domain/model"
)

// AlertSink raises an alert when a job fails. Other updates are ignored.
type AlertSink struct {
	alerter alert.Alerter
}

func NewAlertSink(a alert.Alerter) *AlertSink {
	return &AlertSink{alerter: a}
}

func (s *AlertSink) Publish(ctx context.Context, ev JobUpdated) error {
	if ev.Status != model.JobStatusFailed {
		return nil
	}
	return s.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeJobFailed,
		Subject: ev.JobID.String(),
		Title:   "Indexing job failed",
		Message: ev.ErrorMessage,
		Fields: map[string]string{
			"owner":            ev.Owner,
			"name":             ev.Name,
			"from":             string(ev.From),
			"events_processed": strconv.FormatInt(ev.EventsProcessed, 10),
		},
	})
}
