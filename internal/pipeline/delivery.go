package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/pipeline/classifier"
	"github.com/emperorhan/webhook-indexer/internal/store"
)

// handleDelivery classifies one queued delivery for its job and upserts the
// extracted records in a single transaction on the job's target.
func (p *Pipeline) handleDelivery(ctx context.Context, entry *model.QueueEntry) error {
	var payload model.DeliveryPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		metrics.DeliveriesProcessed.WithLabelValues("invalid").Inc()
		return p.repos.Queue.Fail(ctx, entry.ID, "decode delivery payload: "+err.Error())
	}

	job, ok, err := p.activeJob(ctx, entry)
	if err != nil || !ok {
		return err
	}

	envs, _, err := classifier.NormalizeBatch(payload.Body)
	if err != nil {
		// Accept validated the body, so this entry can never succeed.
		p.appendDelivery(ctx, payload, job, entry, err)
		metrics.DeliveriesProcessed.WithLabelValues("invalid").Inc()
		return p.repos.Queue.Fail(ctx, entry.ID, jobs.SanitizeError(err))
	}

	batch, stats := p.classifier.Process(envs, job.Categories, job.Filters.Programs)
	if batch.Len() > 0 {
		if err := p.repos.Categories.Apply(ctx, job.Target, batch); err != nil {
			cause := fmt.Errorf("apply delivery to target %q: %w", job.Target, err)
			p.appendDelivery(ctx, payload, job, entry, cause)
			metrics.DeliveriesProcessed.WithLabelValues("failed").Inc()
			if _, rerr := p.retryOrFail(ctx, entry, cause, p.cfg.DeliveryMaxAttempts); rerr != nil {
				return rerr
			}
			return cause
		}
		recordUpserts(batch)
	}

	if err := p.jobs.RecordProgress(ctx, job.ID, store.ProgressUpdate{EventsDelta: int64(stats.Events)}); err != nil {
		p.logger.Warn("record delivery progress failed", "job_id", job.ID, "error", err)
	}
	if err := p.repos.Webhooks.Touch(ctx, payload.RegistrationID, p.cfg.Now()); err != nil {
		p.logger.Debug("registration touch failed", "registration_id", payload.RegistrationID, "error", err)
	}
	p.appendDelivery(ctx, payload, job, entry, nil)
	metrics.DeliveriesProcessed.WithLabelValues("success").Inc()

	p.logger.Debug("delivery processed",
		"job_id", job.ID,
		"registration_id", payload.RegistrationID,
		"events", stats.Events,
		"matched", stats.Matched,
		"records", stats.Records,
	)
	return p.repos.Queue.Complete(ctx, entry.ID)
}

func (p *Pipeline) appendDelivery(ctx context.Context, payload model.DeliveryPayload, job *model.IndexingJob, entry *model.QueueEntry, cause error) {
	row := &model.DeliveryLog{
		RegistrationID: payload.RegistrationID,
		JobID:          &job.ID,
		Attempt:        entry.Attempts,
		Status:         model.DeliveryStatusSuccess,
		CreatedAt:      p.cfg.Now(),
	}
	if cause != nil {
		row.Status = model.DeliveryStatusFailed
		row.Error = jobs.SanitizeError(cause)
		row.Payload = payload.Body
	}
	if err := p.repos.Deliveries.Append(ctx, row); err != nil {
		p.logger.Warn("delivery log append failed", "job_id", job.ID, "error", err)
	}
}

func recordUpserts(batch model.CategoryBatch) {
	for _, c := range model.AllCategories {
		if n := batch.Count(c); n > 0 {
			metrics.RecordsUpserted.WithLabelValues(string(c)).Add(float64(n))
		}
	}
}
