package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/pipeline/classifier"
	"github.com/emperorhan/webhook-indexer/internal/provider"
	"github.com/emperorhan/webhook-indexer/internal/store"
)

// handleBackfill fetches one history page for the checkpointed address,
// upserts its records and requeues itself with the advanced checkpoint.
// The entry carries the checkpoint; the job row mirrors it for reporting.
func (p *Pipeline) handleBackfill(ctx context.Context, entry *model.QueueEntry) error {
	job, ok, err := p.activeJob(ctx, entry)
	if err != nil || !ok {
		return err
	}

	var cp model.BackfillCheckpoint
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &cp); err != nil {
			return p.failBackfill(ctx, entry, job, fmt.Errorf("decode backfill checkpoint: %w", err))
		}
	}
	addresses := job.Filters.Addresses
	if cp.Done || cp.AddressIndex >= len(addresses) {
		return p.finishBackfill(ctx, entry, job)
	}

	address := addresses[cp.AddressIndex]
	txs, err := p.api.GetAddressTransactions(ctx, address, provider.HistoryOptions{
		Before: cp.Before,
		Limit:  p.cfg.BackfillPageSize,
	})
	if err != nil {
		return p.backfillStepFailed(ctx, entry, job, fmt.Errorf("fetch history of %s: %w", address, err))
	}
	metrics.BackfillPagesFetched.Inc()

	envs := make([]model.EventEnvelope, 0, len(txs))
	for _, raw := range txs {
		env, nerr := classifier.Normalize(raw)
		if nerr != nil {
			continue
		}
		envs = append(envs, env)
	}
	batch, stats := p.classifier.Process(envs, job.Categories, job.Filters.Programs)
	if batch.Len() > 0 {
		if err := p.repos.Categories.Apply(ctx, job.Target, batch); err != nil {
			return p.backfillStepFailed(ctx, entry, job, fmt.Errorf("apply backfill page to target %q: %w", job.Target, err))
		}
		recordUpserts(batch)
	}

	next := advanceCheckpoint(cp, txs, len(addresses), p.cfg.BackfillPageSize, job.BackfillLimit)
	if err := p.jobs.RecordProgress(ctx, job.ID, store.ProgressUpdate{
		Progress:    backfillProgress(next, len(addresses), job.BackfillLimit),
		EventsDelta: int64(stats.Events),
		Checkpoint:  &next,
	}); err != nil {
		return fmt.Errorf("save backfill checkpoint of job %s: %w", job.ID, err)
	}

	p.logger.Debug("backfill page processed",
		"job_id", job.ID,
		"address", address,
		"page", cp.Pages+1,
		"transactions", len(txs),
		"records", stats.Records,
	)

	if next.Done {
		return p.finishBackfill(ctx, entry, job)
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode backfill checkpoint: %w", err)
	}
	return p.repos.Queue.Advance(ctx, entry.ID, payload, p.cfg.Now().Add(p.cfg.BackfillStepDelay))
}

// advanceCheckpoint moves to the next page of the same address while the
// provider returned a full page and the per-address page limit allows it,
// otherwise to the first page of the next address.
func advanceCheckpoint(cp model.BackfillCheckpoint, txs []json.RawMessage, addresses, pageSize, pageLimit int) model.BackfillCheckpoint {
	cp.Pages++
	var cursor string
	if n := len(txs); n > 0 {
		cursor = gjson.GetBytes(txs[n-1], "signature").String()
	}
	full := len(txs) >= pageSize && cursor != ""
	limited := pageLimit > 0 && cp.Pages >= pageLimit
	if full && !limited {
		cp.Before = cursor
	} else {
		cp.AddressIndex++
		cp.Before = ""
		cp.Pages = 0
	}
	cp.Done = cp.AddressIndex >= addresses
	return cp
}

// backfillProgress estimates completion from the address index. Pages of
// the current address count only when a page limit bounds them.
func backfillProgress(cp model.BackfillCheckpoint, addresses, pageLimit int) int {
	if cp.Done || addresses == 0 {
		return 100
	}
	done := float64(cp.AddressIndex)
	if pageLimit > 0 {
		done += float64(cp.Pages) / float64(pageLimit)
	}
	pct := int(done * 100 / float64(addresses))
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (p *Pipeline) finishBackfill(ctx context.Context, entry *model.QueueEntry, job *model.IndexingJob) error {
	if err := p.jobs.RecordProgress(ctx, job.ID, store.ProgressUpdate{Progress: 100}); err != nil {
		p.logger.Warn("record backfill completion failed", "job_id", job.ID, "error", err)
	}
	if err := p.repos.Queue.Complete(ctx, entry.ID); err != nil {
		return err
	}
	p.logger.Info("backfill finished", "job_id", job.ID, "webhooks_enabled", job.WebhooksEnabled)
	if job.WebhooksEnabled {
		return nil
	}
	_, err := p.jobs.Complete(ctx, job.ID)
	if errors.Is(err, jobs.ErrJobNotActive) || errors.Is(err, jobs.ErrJobFinished) {
		return nil
	}
	return err
}

func (p *Pipeline) backfillStepFailed(ctx context.Context, entry *model.QueueEntry, job *model.IndexingJob, cause error) error {
	retried, err := p.retryOrFail(ctx, entry, cause, p.cfg.BackfillMaxAttempts)
	if err != nil {
		return err
	}
	if retried {
		if deferReason(cause) != "" {
			return nil
		}
		return cause
	}
	return p.failJob(ctx, job, cause)
}

func (p *Pipeline) failBackfill(ctx context.Context, entry *model.QueueEntry, job *model.IndexingJob, cause error) error {
	if err := p.repos.Queue.Fail(ctx, entry.ID, jobs.SanitizeError(cause)); err != nil {
		return err
	}
	metrics.QueueEntriesFailed.WithLabelValues(string(entry.Kind)).Inc()
	return p.failJob(ctx, job, cause)
}

func (p *Pipeline) failJob(ctx context.Context, job *model.IndexingJob, cause error) error {
	_, err := p.jobs.Fail(ctx, job.ID, cause)
	if err != nil && !errors.Is(err, jobs.ErrJobNotActive) && !errors.Is(err, jobs.ErrJobFinished) {
		return err
	}
	return cause
}
