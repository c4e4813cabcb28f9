package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/registry"
)

// handleJobStart moves a pending job to running: target tables are
// bootstrapped, a webhook registration is reused or created and the first
// backfill step is queued together with the status change.
func (p *Pipeline) handleJobStart(ctx context.Context, entry *model.QueueEntry) error {
	job, err := p.jobs.Get(ctx, entry.JobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return p.repos.Queue.Complete(ctx, entry.ID)
	}
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusPending {
		// Cancelled before a worker got here, or a duplicate entry.
		p.logger.Debug("job start skipped", "job_id", job.ID, "status", job.Status)
		return p.repos.Queue.Complete(ctx, entry.ID)
	}

	webhookID, backfill, err := p.prepareStart(ctx, job)
	if err == nil {
		_, err = p.jobs.Start(ctx, job.ID, webhookID, backfill)
		if errors.Is(err, jobs.ErrJobNotActive) || errors.Is(err, jobs.ErrJobFinished) {
			p.logger.Info("job left pending while starting", "job_id", job.ID, "error", err)
			return p.repos.Queue.Complete(ctx, entry.ID)
		}
	}
	if err != nil {
		return p.startFailed(ctx, entry, err)
	}
	return p.repos.Queue.Complete(ctx, entry.ID)
}

func (p *Pipeline) prepareStart(ctx context.Context, job *model.IndexingJob) (*uuid.UUID, *model.QueueEntry, error) {
	if err := p.repos.Categories.Bootstrap(ctx, job.Target, job.Categories.List()); err != nil {
		return nil, nil, fmt.Errorf("bootstrap category tables: %w", err)
	}

	var webhookID *uuid.UUID
	if job.WebhooksEnabled {
		reg, err := p.registrar.Create(ctx, registry.CreateRequest{
			Owner: job.Owner,
			Filters: model.WebhookFilters{
				Addresses:   job.Filters.Addresses,
				WebhookType: model.WebhookTypeEnhanced,
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("webhook registration: %w", err)
		}
		webhookID = &reg.ID
	}

	var backfill *model.QueueEntry
	if job.BackfillEnabled {
		payload, err := json.Marshal(job.Checkpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("encode backfill checkpoint: %w", err)
		}
		backfill = &model.QueueEntry{
			Kind:        model.QueueKindBackfill,
			Payload:     payload,
			MaxAttempts: p.cfg.BackfillMaxAttempts,
			RunAt:       p.cfg.Now(),
		}
	}
	return webhookID, backfill, nil
}

// startFailed defers the start on provider refusals and otherwise lets the
// job service apply its retry budget.
func (p *Pipeline) startFailed(ctx context.Context, entry *model.QueueEntry, cause error) error {
	if reason := deferReason(cause); reason != "" {
		metrics.BackfillDeferrals.WithLabelValues(reason).Inc()
		p.logger.Info("deferring job start", "job_id", entry.JobID, "reason", reason, "delay", p.cfg.DeferDelay)
		return p.repos.Queue.Defer(ctx, entry.ID, p.cfg.Now().Add(p.cfg.DeferDelay))
	}
	if _, err := p.jobs.HandleStartFailure(ctx, entry, cause); err != nil {
		return fmt.Errorf("handle start failure of job %s: %w", entry.JobID, err)
	}
	return nil
}
