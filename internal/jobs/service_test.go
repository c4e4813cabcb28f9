package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/notify"
	"github.com/emperorhan/webhook-indexer/internal/provider"
	"github.com/emperorhan/webhook-indexer/internal/retry"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/emperorhan/webhook-indexer/internal/store/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.JobUpdated
}

func (r *recorder) Publish(_ context.Context, ev notify.JobUpdated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, fmt.Sprintf("%s->%s", ev.From, ev.Status))
	}
	return out
}

type targets map[string]bool

func (t targets) Has(name string) bool { return t[name] }

type fixture struct {
	svc *Service
	mem *memory.Store
	rec *recorder
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem: memory.New(),
		rec: &recorder{},
		now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.mem.Jobs, f.mem.Queue, f.rec, targets{"default": true, "analytics": true}, Config{
		Backoff: retry.DefaultBackoff().WithRand(rand.New(rand.NewSource(1))),
		Now:     func() time.Time { return f.now },
	}, nil)
	return f
}

func validRequest() CreateRequest {
	return CreateRequest{
		Owner:           "alice",
		Name:            "magic eden sales",
		Categories:      model.CategoryFlags{NFTPrices: true},
		Filters:         model.JobFilters{Addresses: []string{"ADDR1", " ADDR1 ", "ADDR2"}},
		WebhooksEnabled: true,
		BackfillEnabled: true,
	}
}

func (f *fixture) submitted(t *testing.T) *model.IndexingJob {
	t.Helper()
	job, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	job, err = f.svc.Submit(context.Background(), job.ID)
	require.NoError(t, err)
	return job
}

func (f *fixture) running(t *testing.T) *model.IndexingJob {
	t.Helper()
	job := f.submitted(t)
	webhookID := uuid.New()
	job, err := f.svc.Start(context.Background(), job.ID, &webhookID, &model.QueueEntry{Kind: model.QueueKindBackfill})
	require.NoError(t, err)
	return job
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"missing owner", func(r *CreateRequest) { r.Owner = "  " }},
		{"no categories", func(r *CreateRequest) { r.Categories = model.CategoryFlags{} }},
		{"no sources", func(r *CreateRequest) { r.WebhooksEnabled, r.BackfillEnabled = false, false }},
		{"no addresses", func(r *CreateRequest) { r.Filters.Addresses = []string{"", " "} }},
		{"negative backfill limit", func(r *CreateRequest) { r.BackfillLimit = -1 }},
		{"unknown target", func(r *CreateRequest) { r.Target = "nowhere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(t)

	job, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCreated, job.Status)
	assert.Equal(t, "default", job.Target)
	assert.Equal(t, []string{"ADDR1", "ADDR2"}, job.Filters.Addresses)
	assert.Empty(t, f.rec.transitions())
}

func TestSubmit_EnqueuesJobStart(t *testing.T) {
	f := newFixture(t)
	job := f.submitted(t)

	assert.Equal(t, model.JobStatusPending, job.Status)
	entries, err := f.mem.Queue.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.QueueKindJobStart, entries[0].Kind)
	assert.Equal(t, DefaultMaxStartAttempts, entries[0].MaxAttempts)

	_, err = f.svc.Submit(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobNotActive)
	assert.Equal(t, []string{"created->pending"}, f.rec.transitions())
}

func TestStart_SetsWebhookAndQueuesBackfill(t *testing.T) {
	f := newFixture(t)
	job := f.running(t)

	assert.Equal(t, model.JobStatusRunning, job.Status)
	require.NotNil(t, job.WebhookRegistrationID)
	require.NotNil(t, job.StartedAt)

	entries, err := f.mem.Queue.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.QueueKindBackfill, entries[1].Kind)
	assert.Equal(t, []string{"created->pending", "pending->running"}, f.rec.transitions())
}

func TestGuardMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("pause a job that is not running", func(t *testing.T) {
		f := newFixture(t)
		job := f.submitted(t)
		_, err := f.svc.Pause(ctx, job.ID)
		assert.EqualError(t, err, "Job is not active")
	})

	t.Run("resume a job that is not paused", func(t *testing.T) {
		f := newFixture(t)
		job := f.running(t)
		_, err := f.svc.Resume(ctx, job.ID)
		assert.EqualError(t, err, "Job is not paused")
	})

	t.Run("cancel a completed job", func(t *testing.T) {
		f := newFixture(t)
		job := f.running(t)
		_, err := f.svc.Complete(ctx, job.ID)
		require.NoError(t, err)
		_, err = f.svc.Cancel(ctx, job.ID)
		assert.EqualError(t, err, "Job is already cancelled or completed")
	})

	t.Run("cancel a cancelled job", func(t *testing.T) {
		f := newFixture(t)
		job := f.submitted(t)
		_, err := f.svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		_, err = f.svc.Cancel(ctx, job.ID)
		assert.EqualError(t, err, "Job is already cancelled or completed")
	})

	t.Run("cancel a failed job", func(t *testing.T) {
		f := newFixture(t)
		job := f.running(t)
		_, err := f.svc.Fail(ctx, job.ID, errors.New("boom"))
		require.NoError(t, err)
		_, err = f.svc.Cancel(ctx, job.ID)
		assert.EqualError(t, err, "Job is already cancelled or completed")
	})

	t.Run("complete a paused job", func(t *testing.T) {
		f := newFixture(t)
		job := f.running(t)
		_, err := f.svc.Pause(ctx, job.ID)
		require.NoError(t, err)
		_, err = f.svc.Complete(ctx, job.ID)
		assert.EqualError(t, err, "Job is not active")
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Pause(ctx, uuid.New())
		assert.EqualError(t, err, "Job not found")
		_, err = f.svc.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestPauseResume_MovesQueueEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.running(t)

	_, err := f.svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	entries, err := f.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, model.QueueStatusPaused, e.Status, "entry %d", e.ID)
	}

	_, err = f.mem.Queue.Claim(ctx, f.now.Add(time.Hour), time.Minute)
	assert.ErrorIs(t, err, store.ErrQueueEmpty, "paused entries are never claimed")

	job, err = f.svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	entries, err = f.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, model.QueueStatusQueued, e.Status, "entry %d", e.ID)
	}
}

func TestCancel_RemovesQueueEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.running(t)

	job, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)

	entries, err := f.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFail_StoresSanitizedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.running(t)

	cause := errors.New("GET https://api.example.com/v0/webhooks?api-key=supersecret: connection refused\ngoroutine 1 [running]")
	job, err := f.svc.Fail(ctx, job.ID, cause)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.NotContains(t, job.ErrorMessage, "supersecret")
	assert.NotContains(t, job.ErrorMessage, "goroutine")
	assert.Contains(t, job.ErrorMessage, "api-key=REDACTED")

	_, err = f.svc.Fail(ctx, job.ID, cause)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestHandleStartFailure_RetriesTransientThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submitted(t)
	transient := &provider.APIError{Operation: "create_webhook", StatusCode: http.StatusServiceUnavailable}

	for attempt := 1; attempt <= DefaultMaxStartAttempts; attempt++ {
		entry, err := f.mem.Queue.Claim(ctx, f.now.Add(time.Hour*time.Duration(attempt)), time.Minute)
		require.NoError(t, err)
		require.Equal(t, attempt, entry.Attempts)

		retried, err := f.svc.HandleStartFailure(ctx, entry, transient)
		require.NoError(t, err)

		stored, err := f.svc.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.Attempts)

		if attempt < DefaultMaxStartAttempts {
			assert.True(t, retried, "attempt %d", attempt)
			assert.Equal(t, model.JobStatusPending, stored.Status)
			entries, err := f.mem.Queue.ListByJob(ctx, job.ID)
			require.NoError(t, err)
			ceiling := retry.DefaultBackoff().Ceiling(attempt)
			assert.Equal(t, model.QueueStatusQueued, entries[0].Status)
			assert.False(t, entries[0].RunAt.Before(f.now))
			assert.False(t, entries[0].RunAt.After(f.now.Add(ceiling)))
			continue
		}
		assert.False(t, retried)
		assert.Equal(t, model.JobStatusFailed, stored.Status)
		assert.Contains(t, stored.ErrorMessage, "503")
	}

	entries, err := f.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.QueueStatusFailed, entries[0].Status)
}

func TestHandleStartFailure_TerminalFailsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submitted(t)

	entry, err := f.mem.Queue.Claim(ctx, f.now, time.Minute)
	require.NoError(t, err)

	retried, err := f.svc.HandleStartFailure(ctx, entry, &provider.APIError{StatusCode: http.StatusUnauthorized, Body: "invalid api key"})
	require.NoError(t, err)
	assert.False(t, retried)

	stored, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Equal(t, []string{"created->pending", "pending->failed"}, f.rec.transitions())
}

func TestHandleStartFailure_CancelledMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submitted(t)

	entry, err := f.mem.Queue.Claim(ctx, f.now, time.Minute)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)

	retried, err := f.svc.HandleStartFailure(ctx, entry, retry.Terminal(errors.New("bad filters")))
	require.NoError(t, err)
	assert.False(t, retried)

	stored, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, stored.Status)
}

func TestRecordProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.running(t)

	require.NoError(t, f.svc.RecordProgress(ctx, job.ID, store.ProgressUpdate{Progress: 40, EventsDelta: 3}))
	require.NoError(t, f.svc.RecordProgress(ctx, job.ID, store.ProgressUpdate{Progress: 20, EventsDelta: 2}))

	stored, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, stored.Progress)
	assert.Equal(t, int64(5), stored.EventsProcessed)

	assert.ErrorIs(t, f.svc.RecordProgress(ctx, uuid.New(), store.ProgressUpdate{}), ErrJobNotFound)
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"dsn password", errors.New("dial postgres://indexer:hunter2@db:5432/x failed"), "dial postgres://indexer:REDACTED@db:5432/x failed"},
		{"token param", errors.New("call ?token=abc&x=1"), "call ?token=REDACTED&x=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeError(tt.err))
		})
	}

	long := SanitizeError(errors.New(string(make([]byte, 1000))))
	assert.LessOrEqual(t, len(long), maxErrorMessageLen+3)
}
