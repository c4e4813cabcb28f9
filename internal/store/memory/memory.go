// Package memory implements every store interface in process. Jobs, queue
// entries and registrations share one lock so status updates and their queue
// operations apply atomically, as they do in one Postgres transaction.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/google/uuid"
)

type state struct {
	mu         sync.Mutex
	now        func() time.Time
	jobs       map[uuid.UUID]*model.IndexingJob
	webhooks   map[uuid.UUID]*model.WebhookRegistration
	deliveries []model.DeliveryLog
	queue      map[int64]*model.QueueEntry
	nextLogID  int64
	nextQueue  int64
}

// Store bundles the in-memory repositories.
type Store struct {
	Jobs       *JobRepo
	Webhooks   *WebhookRepo
	Deliveries *DeliveryLogRepo
	Queue      *QueueRepo
	Categories *CategoryStore
}

type Option func(*state)

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *state) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &state{
		now:      time.Now,
		jobs:     make(map[uuid.UUID]*model.IndexingJob),
		webhooks: make(map[uuid.UUID]*model.WebhookRegistration),
		queue:    make(map[int64]*model.QueueEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return &Store{
		Jobs:       &JobRepo{s: s},
		Webhooks:   &WebhookRepo{s: s},
		Deliveries: &DeliveryLogRepo{s: s},
		Queue:      &QueueRepo{s: s},
		Categories: NewCategoryStore(),
	}
}

// JobRepo implements store.JobRepository.
type JobRepo struct{ s *state }

var _ store.JobRepository = (*JobRepo)(nil)

func (r *JobRepo) Create(_ context.Context, job *model.IndexingJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := r.s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := r.s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusCreated
	}
	r.s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *JobRepo) Get(_ context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *JobRepo) UpdateStatus(_ context.Context, upd store.StatusUpdate) (*model.IndexingJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[upd.JobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !statusIn(job.Status, upd.From) {
		return nil, fmt.Errorf("%w: job %s is %s", store.ErrStatusConflict, job.ID, job.Status)
	}

	at := upd.At
	if at.IsZero() {
		at = r.s.now()
	}
	if err := r.s.applyQueueOp(upd, at); err != nil {
		return nil, err
	}

	job.Status = upd.To
	job.UpdatedAt = at
	if upd.WebhookID != nil {
		id := *upd.WebhookID
		job.WebhookRegistrationID = &id
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	switch upd.To {
	case model.JobStatusRunning:
		if job.StartedAt == nil {
			job.StartedAt = &at
		}
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
		job.CompletedAt = &at
	}
	return cloneJob(job), nil
}

func (r *JobRepo) SaveProgress(_ context.Context, id uuid.UUID, upd store.ProgressUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Progress > job.Progress {
		job.Progress = min(upd.Progress, 100)
	}
	job.EventsProcessed += upd.EventsDelta
	if upd.Checkpoint != nil {
		job.Checkpoint = *upd.Checkpoint
	}
	job.UpdatedAt = r.s.now()
	return nil
}

func (r *JobRepo) RecordAttempt(_ context.Context, id uuid.UUID, attempts int, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Attempts = attempts
	job.ErrorMessage = errMsg
	job.UpdatedAt = r.s.now()
	return nil
}

func (r *JobRepo) ListReceivingByRegistration(_ context.Context, registrationID uuid.UUID) ([]model.IndexingJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.IndexingJob
	for _, job := range r.s.jobs {
		receiving := job.Status == model.JobStatusRunning || job.Status == model.JobStatusPaused
		if receiving && job.WebhooksEnabled &&
			job.WebhookRegistrationID != nil && *job.WebhookRegistrationID == registrationID {
			out = append(out, *cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *JobRepo) CountLiveByRegistration(_ context.Context, registrationID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, job := range r.s.jobs {
		if !job.Status.IsTerminal() && job.WebhookRegistrationID != nil && *job.WebhookRegistrationID == registrationID {
			n++
		}
	}
	return n, nil
}

// WebhookRepo implements store.WebhookRepository.
type WebhookRepo struct{ s *state }

var _ store.WebhookRepository = (*WebhookRepo)(nil)

func (r *WebhookRepo) Create(_ context.Context, reg *model.WebhookRegistration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	now := r.s.now()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	if reg.LastTouchedAt.IsZero() {
		reg.LastTouchedAt = now
	}
	if reg.Status == "" {
		reg.Status = model.WebhookStatusActive
	}
	cp := *reg
	r.s.webhooks[reg.ID] = &cp
	return nil
}

func (r *WebhookRepo) Get(_ context.Context, id uuid.UUID) (*model.WebhookRegistration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	reg, ok := r.s.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (r *WebhookRepo) ListActiveByOwner(_ context.Context, owner string) ([]model.WebhookRegistration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.WebhookRegistration
	for _, reg := range r.s.webhooks {
		if reg.Owner == owner && reg.Status == model.WebhookStatusActive {
			out = append(out, *reg)
		}
	}
	sortRegistrations(out)
	return out, nil
}

func (r *WebhookRepo) ListAll(_ context.Context) ([]model.WebhookRegistration, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.WebhookRegistration, 0, len(r.s.webhooks))
	for _, reg := range r.s.webhooks {
		out = append(out, *reg)
	}
	sortRegistrations(out)
	return out, nil
}

func (r *WebhookRepo) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	reg, ok := r.s.webhooks[id]
	if !ok {
		return store.ErrNotFound
	}
	reg.LastTouchedAt = at
	return nil
}

func (r *WebhookRepo) MarkInactive(_ context.Context, ids []uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		reg, ok := r.s.webhooks[id]
		if !ok || reg.Status == model.WebhookStatusInactive {
			continue
		}
		reg.Status = model.WebhookStatusInactive
		t := at
		reg.DeactivatedAt = &t
	}
	return nil
}

func (r *WebhookRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.webhooks, id)
	return nil
}

// DeliveryLogRepo implements store.DeliveryLogRepository.
type DeliveryLogRepo struct{ s *state }

var _ store.DeliveryLogRepository = (*DeliveryLogRepo)(nil)

func (r *DeliveryLogRepo) Append(_ context.Context, entry *model.DeliveryLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextLogID++
	entry.ID = r.s.nextLogID
	entry.CreatedAt = r.s.now()
	r.s.deliveries = append(r.s.deliveries, *entry)
	return nil
}

func (r *DeliveryLogRepo) ListByRegistration(_ context.Context, registrationID uuid.UUID, limit int) ([]model.DeliveryLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.DeliveryLog
	for i := len(r.s.deliveries) - 1; i >= 0; i-- {
		if r.s.deliveries[i].RegistrationID == registrationID {
			out = append(out, r.s.deliveries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// QueueRepo implements store.QueueRepository.
type QueueRepo struct{ s *state }

var _ store.QueueRepository = (*QueueRepo)(nil)

func (r *QueueRepo) Enqueue(_ context.Context, entry *model.QueueEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.enqueueLocked(entry, r.s.now())
	return nil
}

func (r *QueueRepo) Claim(_ context.Context, now time.Time, visibility time.Duration) (*model.QueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *model.QueueEntry
	for _, e := range r.s.queue {
		ready := e.Status == model.QueueStatusQueued && !e.RunAt.After(now)
		stale := e.Status == model.QueueStatusProcessing && e.LockedUntil != nil && e.LockedUntil.Before(now)
		if !ready && !stale {
			continue
		}
		if best == nil || e.RunAt.Before(best.RunAt) || (e.RunAt.Equal(best.RunAt) && e.ID < best.ID) {
			best = e
		}
	}
	if best == nil {
		return nil, store.ErrQueueEmpty
	}
	lock := now.Add(visibility)
	best.Status = model.QueueStatusProcessing
	best.LockedUntil = &lock
	best.Attempts++
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (r *QueueRepo) Complete(_ context.Context, id int64) error {
	return r.transition(id, func(e *model.QueueEntry) {
		e.Status = model.QueueStatusDone
		e.LockedUntil = nil
	})
}

func (r *QueueRepo) Advance(_ context.Context, id int64, payload []byte, runAt time.Time) error {
	return r.transition(id, func(e *model.QueueEntry) {
		e.Status = model.QueueStatusQueued
		e.LockedUntil = nil
		e.RunAt = runAt
		e.Attempts = 0
		e.LastError = ""
		if payload != nil {
			e.Payload = append(json.RawMessage(nil), payload...)
		}
	})
}

func (r *QueueRepo) Defer(_ context.Context, id int64, runAt time.Time) error {
	return r.transition(id, func(e *model.QueueEntry) {
		e.Status = model.QueueStatusQueued
		e.LockedUntil = nil
		e.RunAt = runAt
		if e.Attempts > 0 {
			e.Attempts--
		}
	})
}

func (r *QueueRepo) Retry(_ context.Context, id int64, runAt time.Time, lastErr string) error {
	return r.transition(id, func(e *model.QueueEntry) {
		e.Status = model.QueueStatusQueued
		e.LockedUntil = nil
		e.RunAt = runAt
		e.LastError = lastErr
	})
}

func (r *QueueRepo) Fail(_ context.Context, id int64, lastErr string) error {
	return r.transition(id, func(e *model.QueueEntry) {
		e.Status = model.QueueStatusFailed
		e.LockedUntil = nil
		e.LastError = lastErr
	})
}

func (r *QueueRepo) Park(_ context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.queue[id]
	if !ok {
		return false, nil
	}
	job, ok := r.s.jobs[e.JobID]
	if !ok || job.Status != model.JobStatusPaused {
		return false, nil
	}
	if e.Status == model.QueueStatusProcessing {
		e.Status = model.QueueStatusPaused
		e.LockedUntil = nil
		if e.Attempts > 0 {
			e.Attempts--
		}
		e.UpdatedAt = r.s.now()
	}
	return true, nil
}

func (r *QueueRepo) ListByJob(_ context.Context, jobID uuid.UUID) ([]model.QueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range r.s.queue {
		if e.JobID == jobID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *QueueRepo) transition(id int64, apply func(*model.QueueEntry)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.queue[id]
	if !ok || e.Status != model.QueueStatusProcessing {
		return nil
	}
	apply(e)
	e.UpdatedAt = r.s.now()
	return nil
}

func (s *state) enqueueLocked(entry *model.QueueEntry, now time.Time) {
	s.nextQueue++
	entry.ID = s.nextQueue
	if entry.Status == "" {
		entry.Status = model.QueueStatusQueued
	}
	if entry.RunAt.IsZero() {
		entry.RunAt = now
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	cp := *entry
	s.queue[entry.ID] = &cp
}

func (s *state) applyQueueOp(upd store.StatusUpdate, at time.Time) error {
	switch upd.QueueOp {
	case store.QueueOpNone:
	case store.QueueOpEnqueue:
		if upd.Entry == nil {
			return fmt.Errorf("enqueue requested without entry")
		}
		upd.Entry.JobID = upd.JobID
		s.enqueueLocked(upd.Entry, at)
	case store.QueueOpPause:
		for _, e := range s.queue {
			if e.JobID == upd.JobID && (e.Status == model.QueueStatusQueued || e.Status == model.QueueStatusProcessing) {
				e.Status = model.QueueStatusPaused
				e.LockedUntil = nil
				e.UpdatedAt = at
			}
		}
	case store.QueueOpResume:
		for _, e := range s.queue {
			if e.JobID == upd.JobID && e.Status == model.QueueStatusPaused {
				e.Status = model.QueueStatusQueued
				e.RunAt = at
				e.UpdatedAt = at
			}
		}
	case store.QueueOpRemove:
		for id, e := range s.queue {
			if e.JobID == upd.JobID && e.Status != model.QueueStatusDone && e.Status != model.QueueStatusFailed {
				delete(s.queue, id)
			}
		}
	default:
		return fmt.Errorf("unknown queue op %d", upd.QueueOp)
	}
	return nil
}

func statusIn(s model.JobStatus, set []model.JobStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sortRegistrations(regs []model.WebhookRegistration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].CreatedAt.Before(regs[j].CreatedAt) })
}

func cloneJob(j *model.IndexingJob) *model.IndexingJob {
	cp := *j
	cp.Filters.Addresses = append([]string(nil), j.Filters.Addresses...)
	cp.Filters.Programs = append([]string(nil), j.Filters.Programs...)
	if j.WebhookRegistrationID != nil {
		id := *j.WebhookRegistrationID
		cp.WebhookRegistrationID = &id
	}
	return &cp
}
