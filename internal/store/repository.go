package store

import (
	"context"
	"errors"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a compare-and-set status update matched no row.
	ErrStatusConflict = errors.New("status conflict")
	// ErrQueueEmpty is returned by Claim when no entry is ready.
	ErrQueueEmpty = errors.New("queue empty")
)

// QueueOp is the queue operation applied atomically with a job status change.
type QueueOp int

const (
	QueueOpNone QueueOp = iota
	// QueueOpEnqueue inserts StatusUpdate.Entry.
	QueueOpEnqueue
	// QueueOpPause parks every queued or in-flight entry of the job.
	QueueOpPause
	// QueueOpResume makes every paused entry of the job runnable now.
	QueueOpResume
	// QueueOpRemove deletes every unfinished entry of the job.
	QueueOpRemove
)

// StatusUpdate is a compare-and-set on a job's status. The update applies only
// while the stored status is one of From; otherwise ErrStatusConflict.
type StatusUpdate struct {
	JobID        uuid.UUID
	From         []model.JobStatus
	To           model.JobStatus
	QueueOp      QueueOp
	Entry        *model.QueueEntry
	WebhookID    *uuid.UUID
	ErrorMessage *string
	At           time.Time
}

// ProgressUpdate records work done by one delivery or backfill step.
// Progress never decreases the stored value.
type ProgressUpdate struct {
	Progress    int
	EventsDelta int64
	Checkpoint  *model.BackfillCheckpoint
}

// JobRepository provides access to indexing jobs.
type JobRepository interface {
	Create(ctx context.Context, job *model.IndexingJob) error
	Get(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)
	UpdateStatus(ctx context.Context, upd StatusUpdate) (*model.IndexingJob, error)
	SaveProgress(ctx context.Context, id uuid.UUID, upd ProgressUpdate) error
	RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error
	// ListReceivingByRegistration returns the running and paused jobs that take
	// webhook deliveries from the registration.
	ListReceivingByRegistration(ctx context.Context, registrationID uuid.UUID) ([]model.IndexingJob, error)
	CountLiveByRegistration(ctx context.Context, registrationID uuid.UUID) (int, error)
}

// WebhookRepository provides access to local webhook registration rows.
type WebhookRepository interface {
	Create(ctx context.Context, reg *model.WebhookRegistration) error
	Get(ctx context.Context, id uuid.UUID) (*model.WebhookRegistration, error)
	ListActiveByOwner(ctx context.Context, owner string) ([]model.WebhookRegistration, error)
	ListAll(ctx context.Context) ([]model.WebhookRegistration, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkInactive(ctx context.Context, ids []uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// DeliveryLogRepository appends delivery audit rows.
type DeliveryLogRepository interface {
	Append(ctx context.Context, entry *model.DeliveryLog) error
	ListByRegistration(ctx context.Context, registrationID uuid.UUID, limit int) ([]model.DeliveryLog, error)
}

// QueueRepository is the durable at-least-once work queue. Every transition
// after Claim applies only while the entry is still processing, so an entry
// paused or removed mid-flight is left alone.
type QueueRepository interface {
	Enqueue(ctx context.Context, entry *model.QueueEntry) error
	// Claim locks the oldest ready entry until now+visibility and counts an attempt.
	Claim(ctx context.Context, now time.Time, visibility time.Duration) (*model.QueueEntry, error)
	Complete(ctx context.Context, id int64) error
	// Advance requeues a successful step at runAt and resets its attempts.
	Advance(ctx context.Context, id int64, payload []byte, runAt time.Time) error
	// Defer requeues at runAt without charging the claim's attempt.
	Defer(ctx context.Context, id int64, runAt time.Time) error
	// Retry requeues at runAt after a failed attempt.
	Retry(ctx context.Context, id int64, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id int64, lastErr string) error
	// Park moves a claimed entry to paused while its job is paused and gives
	// the claim's attempt back. It reports false when the job is not paused.
	Park(ctx context.Context, id int64) (bool, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]model.QueueEntry, error)
}

// CategoryWriter persists category records into a job's target datastore.
type CategoryWriter interface {
	// Bootstrap creates the category tables if they do not exist.
	Bootstrap(ctx context.Context, target string, categories []model.Category) error
	// Apply upserts every record of batch in one transaction.
	Apply(ctx context.Context, target string, batch model.CategoryBatch) error
}
