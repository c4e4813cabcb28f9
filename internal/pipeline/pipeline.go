// Package pipeline accepts inbound provider deliveries and runs the worker
// pool that drains the durable queue: job starts, deliveries and backfill
// steps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/webhook-indexer/internal/alert"
	"github.com/emperorhan/webhook-indexer/internal/circuitbreaker"
	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/pipeline/classifier"
	"github.com/emperorhan/webhook-indexer/internal/provider"
	"github.com/emperorhan/webhook-indexer/internal/registry"
	"github.com/emperorhan/webhook-indexer/internal/retry"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/emperorhan/webhook-indexer/internal/tracing"
)

const (
	DefaultWorkers             = 4
	DefaultPollInterval        = time.Second
	DefaultVisibilityTimeout   = 5 * time.Minute
	DefaultBackfillPageSize    = 100
	DefaultBackfillStepDelay   = 200 * time.Millisecond
	DefaultDeferDelay          = 5 * time.Second
	DefaultDeliveryMaxAttempts = 5
	DefaultBackfillMaxAttempts = 5
)

type Config struct {
	Workers             int
	PollInterval        time.Duration
	Visibility          time.Duration
	BackfillPageSize    int
	BackfillStepDelay   time.Duration
	DeferDelay          time.Duration
	DeliveryMaxAttempts int
	BackfillMaxAttempts int
	Backoff             retry.Backoff
	Alerter             alert.Alerter
	Now                 func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Visibility <= 0 {
		c.Visibility = DefaultVisibilityTimeout
	}
	if c.BackfillPageSize <= 0 {
		c.BackfillPageSize = DefaultBackfillPageSize
	}
	if c.BackfillStepDelay < 0 {
		c.BackfillStepDelay = 0
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = DefaultDeferDelay
	}
	if c.DeliveryMaxAttempts <= 0 {
		c.DeliveryMaxAttempts = DefaultDeliveryMaxAttempts
	}
	if c.BackfillMaxAttempts <= 0 {
		c.BackfillMaxAttempts = DefaultBackfillMaxAttempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = retry.DefaultBackoff()
	}
	if c.Alerter == nil {
		c.Alerter = &alert.NoopAlerter{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Registrar hands out webhook registrations for starting jobs.
type Registrar interface {
	Create(ctx context.Context, req registry.CreateRequest) (*model.WebhookRegistration, error)
}

type Repos struct {
	Jobs       store.JobRepository
	Webhooks   store.WebhookRepository
	Deliveries store.DeliveryLogRepository
	Queue      store.QueueRepository
	Categories store.CategoryWriter
}

type Pipeline struct {
	cfg        Config
	repos      *Repos
	jobs       *jobs.Service
	registrar  Registrar
	api        provider.API
	classifier *classifier.Classifier
	health     *Health
	logger     *slog.Logger
}

// New builds the pipeline. api should already be guarded by the rate
// limiter and circuit breaker.
func New(
	cfg Config,
	repos *Repos,
	svc *jobs.Service,
	registrar Registrar,
	api provider.API,
	cls *classifier.Classifier,
	logger *slog.Logger,
) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cls == nil {
		cls = classifier.New(nil, logger)
	}
	return &Pipeline{
		cfg:        cfg,
		repos:      repos,
		jobs:       svc,
		registrar:  registrar,
		api:        api,
		classifier: cls,
		health:     NewHealth(cfg.Workers, cfg.Now),
		logger:     logger.With("component", "pipeline"),
	}
}

func (p *Pipeline) Health() *Health { return p.health }

// Run starts the worker pool and blocks until ctx is cancelled or a worker
// returns an error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.runWorker(gCtx, worker)
		})
	}

	err := g.Wait()
	p.logger.Info("pipeline stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) runWorker(ctx context.Context, worker int) error {
	logger := p.logger.With("worker", worker)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := p.Step(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("queue step failed", "error", err)
		}
		if handled {
			continue
		}
		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Step claims one ready queue entry and handles it. It reports whether an
// entry was claimed.
func (p *Pipeline) Step(ctx context.Context) (bool, error) {
	entry, err := p.repos.Queue.Claim(ctx, p.cfg.Now(), p.cfg.Visibility)
	if errors.Is(err, store.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim queue entry: %w", err)
	}
	metrics.QueueEntriesClaimed.WithLabelValues(string(entry.Kind)).Inc()

	start := time.Now()
	err = p.handleSafely(ctx, entry)
	latency := time.Since(start)
	metrics.DeliveryLatency.WithLabelValues(string(entry.Kind)).Observe(latency.Seconds())

	if err != nil {
		if p.health.RecordFailure() {
			p.sendHealthAlert(ctx, alert.AlertTypeDeliveryError, "Queue workers unhealthy", err.Error())
		}
		return true, err
	}
	if p.health.RecordSuccess(latency) {
		p.sendHealthAlert(ctx, alert.AlertTypeRecovery, "Queue workers recovered", "entries are being handled again")
	}
	return true, nil
}

// Drain handles ready entries until none is left or
// limit entries were handled. Errors of individual entries are logged.
func (p *Pipeline) Drain(ctx context.Context, limit int) (int, error) {
	n := 0
	for n < limit {
		handled, err := p.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			p.logger.Warn("drain step failed", "error", err)
		}
		if !handled {
			return n, nil
		}
		n++
	}
	return n, nil
}

// handleSafely turns a handler panic into an error. The entry stays
// processing and becomes claimable again after the visibility timeout.
func (p *Pipeline) handleSafely(ctx context.Context, entry *model.QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue entry %d panic: %v\n%s", entry.ID, r, debug.Stack())
		}
	}()

	ctx, span := tracing.Start(ctx, "pipeline."+string(entry.Kind),
		attribute.String("job.id", entry.JobID.String()),
		attribute.Int64("queue.entry_id", entry.ID),
		attribute.Int("queue.attempt", entry.Attempts),
	)
	defer func() { tracing.End(span, err) }()

	switch entry.Kind {
	case model.QueueKindJobStart:
		return p.handleJobStart(ctx, entry)
	case model.QueueKindDelivery:
		return p.handleDelivery(ctx, entry)
	case model.QueueKindBackfill:
		return p.handleBackfill(ctx, entry)
	default:
		msg := "unknown queue entry kind " + strconv.Quote(string(entry.Kind))
		if ferr := p.repos.Queue.Fail(ctx, entry.ID, msg); ferr != nil {
			return ferr
		}
		return errors.New(msg)
	}
}

// activeJob loads the job of entry and decides whether its work may run.
// Entries of paused jobs are parked until resume; finished or vanished jobs
// complete them.
func (p *Pipeline) activeJob(ctx context.Context, entry *model.QueueEntry) (*model.IndexingJob, bool, error) {
	job, err := p.jobs.Get(ctx, entry.JobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil, false, p.repos.Queue.Complete(ctx, entry.ID)
	}
	if err != nil {
		return nil, false, err
	}
	switch job.Status {
	case model.JobStatusRunning:
		return job, true, nil
	case model.JobStatusPaused:
		parked, err := p.repos.Queue.Park(ctx, entry.ID)
		if err != nil {
			return job, false, err
		}
		if !parked {
			// Resumed since the read; the next claim runs it.
			return job, false, p.repos.Queue.Defer(ctx, entry.ID, p.cfg.Now())
		}
		p.logger.Debug("parked queue entry of paused job", "job_id", job.ID, "kind", entry.Kind)
		return job, false, nil
	default:
		p.logger.Debug("dropping queue entry of inactive job",
			"job_id", job.ID, "status", job.Status, "kind", entry.Kind)
		return job, false, p.repos.Queue.Complete(ctx, entry.ID)
	}
}

// deferReason names provider refusals that say nothing about the work
// itself. Such entries are requeued without charging an attempt.
func deferReason(err error) string {
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	}
	return ""
}

// retryOrFail requeues entry after a failed attempt: deferred for provider
// refusals, backed off while the error is transient and attempts remain,
// failed otherwise. It reports whether the entry will run again.
func (p *Pipeline) retryOrFail(ctx context.Context, entry *model.QueueEntry, cause error, maxAttempts int) (bool, error) {
	now := p.cfg.Now()
	if reason := deferReason(cause); reason != "" {
		metrics.BackfillDeferrals.WithLabelValues(reason).Inc()
		p.logger.Info("deferring queue entry",
			"job_id", entry.JobID, "kind", entry.Kind, "reason", reason, "delay", p.cfg.DeferDelay)
		return true, p.repos.Queue.Defer(ctx, entry.ID, now.Add(p.cfg.DeferDelay))
	}

	msg := jobs.SanitizeError(cause)
	if entry.MaxAttempts > 0 {
		maxAttempts = entry.MaxAttempts
	}
	decision := retry.Classify(cause)
	if decision.IsTransient() && entry.Attempts < maxAttempts {
		delay := p.cfg.Backoff.Delay(entry.Attempts)
		metrics.QueueEntriesRetried.WithLabelValues(string(entry.Kind)).Inc()
		p.logger.Warn("queue entry failed, retrying",
			"job_id", entry.JobID,
			"kind", entry.Kind,
			"attempt", entry.Attempts,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", msg,
		)
		return true, p.repos.Queue.Retry(ctx, entry.ID, now.Add(delay), msg)
	}

	metrics.QueueEntriesFailed.WithLabelValues(string(entry.Kind)).Inc()
	p.logger.Error("queue entry failed permanently",
		"job_id", entry.JobID,
		"kind", entry.Kind,
		"attempts", entry.Attempts,
		"class", decision.Class,
		"error", msg,
	)
	return false, p.repos.Queue.Fail(ctx, entry.ID, msg)
}

func (p *Pipeline) sendHealthAlert(ctx context.Context, typ alert.AlertType, title, msg string) {
	err := p.cfg.Alerter.Send(ctx, alert.Alert{
		Type:    typ,
		Subject: "pipeline",
		Title:   title,
		Message: msg,
		Fields:  map[string]string{"workers": strconv.Itoa(p.cfg.Workers)},
	})
	if err != nil {
		p.logger.Warn("health alert failed", "error", err)
	}
}
