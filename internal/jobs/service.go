// Package jobs implements the indexing job lifecycle. Every transition is a
// compare-and-set on the stored status applied together with its queue
// operation, followed by a one-way job.updated notification.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/notify"
	"github.com/emperorhan/webhook-indexer/internal/retry"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/emperorhan/webhook-indexer/internal/tracing"
)

var (
	ErrJobNotActive = errors.New("Job is not active")
	ErrJobNotPaused = errors.New("Job is not paused")
	ErrJobFinished  = errors.New("Job is already cancelled or completed")
	ErrJobNotFound  = errors.New("Job not found")
	ErrInvalidJob   = errors.New("invalid job")
)

const DefaultMaxStartAttempts = 3

// TargetChecker reports whether a datastore reference is configured.
type TargetChecker interface {
	Has(target string) bool
}

type Config struct {
	MaxStartAttempts int
	Backoff          retry.Backoff
	DefaultTarget    string
	Now              func() time.Time
}

type Service struct {
	jobs      store.JobRepository
	queue     store.QueueRepository
	publisher notify.Publisher
	targets   TargetChecker
	cfg       Config
	logger    *slog.Logger
}

func NewService(jobs store.JobRepository, queue store.QueueRepository, publisher notify.Publisher, targets TargetChecker, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxStartAttempts <= 0 {
		cfg.MaxStartAttempts = DefaultMaxStartAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = retry.DefaultBackoff()
	}
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = "default"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = notify.NewMultiPublisher(logger)
	}
	return &Service{
		jobs:      jobs,
		queue:     queue,
		publisher: publisher,
		targets:   targets,
		cfg:       cfg,
		logger:    logger.With("component", "jobs"),
	}
}

type CreateRequest struct {
	Owner           string              `json:"owner"`
	Name            string              `json:"name"`
	Categories      model.CategoryFlags `json:"categories"`
	Filters         model.JobFilters    `json:"filters"`
	WebhooksEnabled bool                `json:"webhooks_enabled"`
	BackfillEnabled bool                `json:"backfill_enabled"`
	BackfillLimit   int                 `json:"backfill_limit"`
	Target          string              `json:"target"`
}

func (s *Service) validate(req *CreateRequest) error {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		req.Target = s.cfg.DefaultTarget
	}
	req.Filters.Addresses = compact(req.Filters.Addresses)
	req.Filters.Programs = compact(req.Filters.Programs)

	switch {
	case req.Owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidJob)
	case !req.Categories.Any():
		return fmt.Errorf("%w: at least one category must be enabled", ErrInvalidJob)
	case !req.WebhooksEnabled && !req.BackfillEnabled:
		return fmt.Errorf("%w: enable webhooks, backfill or both", ErrInvalidJob)
	case len(req.Filters.Addresses) == 0:
		return fmt.Errorf("%w: at least one address is required", ErrInvalidJob)
	case req.BackfillLimit < 0:
		return fmt.Errorf("%w: backfill_limit must not be negative", ErrInvalidJob)
	case s.targets != nil && !s.targets.Has(req.Target):
		return fmt.Errorf("%w: unknown target %q", ErrInvalidJob, req.Target)
	}
	return nil
}

func compact(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Create stores a new job in the created state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.IndexingJob, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	job := &model.IndexingJob{
		ID:              uuid.New(),
		Owner:           req.Owner,
		Name:            req.Name,
		Status:          model.JobStatusCreated,
		Categories:      req.Categories,
		Filters:         req.Filters,
		WebhooksEnabled: req.WebhooksEnabled,
		BackfillEnabled: req.BackfillEnabled,
		BackfillLimit:   req.BackfillLimit,
		Target:          req.Target,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created", "job_id", job.ID, "owner", job.Owner, "target", job.Target)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	job, err := s.jobs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Submit moves a created job to pending and queues its start.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	entry := &model.QueueEntry{
		Kind:        model.QueueKindJobStart,
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: s.cfg.MaxStartAttempts,
	}
	return s.transition(ctx, transition{
		name:    "submit",
		id:      id,
		from:    []model.JobStatus{model.JobStatusCreated},
		to:      model.JobStatusPending,
		queueOp: store.QueueOpEnqueue,
		entry:   entry,
		guard:   guardCreated,
	})
}

// Start moves a pending job to running. backfill, when set, is queued in the
// same transaction.
func (s *Service) Start(ctx context.Context, id uuid.UUID, webhookID *uuid.UUID, backfill *model.QueueEntry) (*model.IndexingJob, error) {
	t := transition{
		name:      "start",
		id:        id,
		from:      []model.JobStatus{model.JobStatusPending},
		to:        model.JobStatusRunning,
		webhookID: webhookID,
		guard:     guardActive,
	}
	if backfill != nil {
		t.queueOp = store.QueueOpEnqueue
		t.entry = backfill
	}
	return s.transition(ctx, t)
}

func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	return s.transition(ctx, transition{
		name:    "pause",
		id:      id,
		from:    []model.JobStatus{model.JobStatusRunning},
		to:      model.JobStatusPaused,
		queueOp: store.QueueOpPause,
		guard:   guardActive,
	})
}

func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	return s.transition(ctx, transition{
		name:    "resume",
		id:      id,
		from:    []model.JobStatus{model.JobStatusPaused},
		to:      model.JobStatusRunning,
		queueOp: store.QueueOpResume,
		guard:   guardPaused,
	})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	return s.transition(ctx, transition{
		name: "cancel",
		id:   id,
		from: []model.JobStatus{
			model.JobStatusCreated,
			model.JobStatusPending,
			model.JobStatusRunning,
			model.JobStatusPaused,
		},
		to:      model.JobStatusCancelled,
		queueOp: store.QueueOpRemove,
		guard:   guardFinished,
	})
}

// Complete finishes a running job.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	return s.transition(ctx, transition{
		name:    "complete",
		id:      id,
		from:    []model.JobStatus{model.JobStatusRunning},
		to:      model.JobStatusCompleted,
		queueOp: store.QueueOpRemove,
		guard:   guardActive,
	})
}

// Fail moves a pending or running job to failed, storing only the sanitized
// form of cause.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, cause error) (*model.IndexingJob, error) {
	msg := SanitizeError(cause)
	return s.transition(ctx, transition{
		name:    "fail",
		id:      id,
		from:    []model.JobStatus{model.JobStatusPending, model.JobStatusRunning},
		to:      model.JobStatusFailed,
		queueOp: store.QueueOpRemove,
		errMsg:  &msg,
		guard: func(st model.JobStatus) error {
			if st.IsTerminal() {
				return ErrJobFinished
			}
			return ErrJobNotActive
		},
	})
}

// RecordProgress stores work done by a delivery or backfill step.
func (s *Service) RecordProgress(ctx context.Context, id uuid.UUID, upd store.ProgressUpdate) error {
	if err := s.jobs.SaveProgress(ctx, id, upd); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("save progress of job %s: %w", id, err)
	}
	return nil
}

// HandleStartFailure reschedules a failed job_start entry with backoff while
// the error is transient and attempts remain; otherwise it fails the entry
// and the job. It reports whether the start will be retried.
func (s *Service) HandleStartFailure(ctx context.Context, entry *model.QueueEntry, cause error) (bool, error) {
	msg := SanitizeError(cause)
	decision := retry.Classify(cause)
	maxAttempts := entry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxStartAttempts
	}

	if recErr := s.jobs.RecordAttempt(ctx, entry.JobID, entry.Attempts, msg); recErr != nil && !errors.Is(recErr, store.ErrNotFound) {
		return false, fmt.Errorf("record start attempt: %w", recErr)
	}

	if decision.IsTransient() && entry.Attempts < maxAttempts {
		delay := s.cfg.Backoff.Delay(entry.Attempts)
		if err := s.queue.Retry(ctx, entry.ID, s.cfg.Now().Add(delay), msg); err != nil {
			return false, fmt.Errorf("reschedule job start: %w", err)
		}
		metrics.QueueEntriesRetried.WithLabelValues(string(entry.Kind)).Inc()
		s.logger.Warn("job start failed, retrying",
			"job_id", entry.JobID,
			"attempt", entry.Attempts,
			"max_attempts", maxAttempts,
			"delay", delay,
			"reason", decision.Reason,
			"error", msg,
		)
		return true, nil
	}

	if err := s.queue.Fail(ctx, entry.ID, msg); err != nil {
		return false, fmt.Errorf("fail job start entry: %w", err)
	}
	metrics.QueueEntriesFailed.WithLabelValues(string(entry.Kind)).Inc()
	s.logger.Error("job start failed permanently",
		"job_id", entry.JobID,
		"attempts", entry.Attempts,
		"class", decision.Class,
		"error", msg,
	)
	if _, err := s.Fail(ctx, entry.JobID, cause); err != nil &&
		!errors.Is(err, ErrJobFinished) && !errors.Is(err, ErrJobNotActive) {
		return false, err
	}
	return false, nil
}

type transition struct {
	name      string
	id        uuid.UUID
	from      []model.JobStatus
	to        model.JobStatus
	queueOp   store.QueueOp
	entry     *model.QueueEntry
	webhookID *uuid.UUID
	errMsg    *string
	guard     func(model.JobStatus) error
}

func guardActive(model.JobStatus) error { return ErrJobNotActive }
func guardPaused(model.JobStatus) error { return ErrJobNotPaused }
func guardFinished(model.JobStatus) error { return ErrJobFinished }

func guardCreated(st model.JobStatus) error {
	if st.IsTerminal() {
		return ErrJobFinished
	}
	return fmt.Errorf("%w: job is already %s", ErrJobNotActive, st)
}

func allowed(st model.JobStatus, from []model.JobStatus) bool {
	for _, f := range from {
		if st == f {
			return true
		}
	}
	return false
}

func (s *Service) transition(ctx context.Context, t transition) (job *model.IndexingJob, err error) {
	ctx, span := tracing.Start(ctx, "jobs."+t.name,
		attribute.String("job.id", t.id.String()),
		attribute.String("job.to", string(t.to)),
	)
	defer func() { tracing.End(span, err) }()

	current, err := s.Get(ctx, t.id)
	if err != nil {
		return nil, err
	}
	if !allowed(current.Status, t.from) {
		return nil, t.guard(current.Status)
	}

	updated, err := s.jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID:        t.id,
		From:         t.from,
		To:           t.to,
		QueueOp:      t.queueOp,
		Entry:        t.entry,
		WebhookID:    t.webhookID,
		ErrorMessage: t.errMsg,
		At:           s.cfg.Now(),
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrJobNotFound
	case errors.Is(err, store.ErrStatusConflict):
		// Lost a race; report against the status that won.
		latest, gerr := s.Get(ctx, t.id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, t.guard(latest.Status)
	case err != nil:
		return nil, fmt.Errorf("%s job %s: %w", t.name, t.id, err)
	}

	metrics.JobTransitions.WithLabelValues(string(current.Status), string(t.to)).Inc()
	s.logger.Info("job transitioned",
		"job_id", t.id,
		"from", current.Status,
		"to", t.to,
	)
	_ = s.publisher.Publish(ctx, notify.NewJobUpdated(updated, current.Status))
	return updated, nil
}
