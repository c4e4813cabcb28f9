package memory

import (
	"context"
	"testing"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T, s *Store) *model.IndexingJob {
	t.Helper()
	job := &model.IndexingJob{Owner: "owner-1", Name: "job", Target: "default"}
	require.NoError(t, s.Jobs.Create(context.Background(), job))
	return job
}

func TestJobRepo_UpdateStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	job := newJob(t, s)

	updated, err := s.Jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID:   job.ID,
		From:    []model.JobStatus{model.JobStatusCreated},
		To:      model.JobStatusPending,
		QueueOp: store.QueueOpEnqueue,
		Entry:   &model.QueueEntry{Kind: model.QueueKindJobStart, MaxAttempts: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, updated.Status)

	entries, err := s.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.QueueKindJobStart, entries[0].Kind)

	_, err = s.Jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID:   job.ID,
		From:    []model.JobStatus{model.JobStatusCreated},
		To:      model.JobStatusPending,
		QueueOp: store.QueueOpEnqueue,
		Entry:   &model.QueueEntry{Kind: model.QueueKindJobStart},
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	entries, _ = s.Queue.ListByJob(ctx, job.ID)
	assert.Len(t, entries, 1, "rejected transition must not enqueue")

	_, err = s.Jobs.UpdateStatus(ctx, store.StatusUpdate{JobID: uuid.New(), To: model.JobStatusFailed})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJobRepo_SaveProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()
	job := newJob(t, s)

	require.NoError(t, s.Jobs.SaveProgress(ctx, job.ID, store.ProgressUpdate{Progress: 40, EventsDelta: 3}))
	require.NoError(t, s.Jobs.SaveProgress(ctx, job.ID, store.ProgressUpdate{
		Progress:    10,
		EventsDelta: 2,
		Checkpoint:  &model.BackfillCheckpoint{AddressIndex: 1, Before: "SIG9", Pages: 2},
	}))

	got, err := s.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, int64(5), got.EventsProcessed)
	assert.Equal(t, "SIG9", got.Checkpoint.Before)
}

func TestQueue_PauseResumeRemove(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	job := newJob(t, s)

	_, err := s.Jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID: job.ID, From: []model.JobStatus{model.JobStatusCreated}, To: model.JobStatusRunning,
		QueueOp: store.QueueOpEnqueue, Entry: &model.QueueEntry{Kind: model.QueueKindBackfill},
	})
	require.NoError(t, err)

	_, err = s.Jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID: job.ID, From: []model.JobStatus{model.JobStatusRunning}, To: model.JobStatusPaused, QueueOp: store.QueueOpPause,
	})
	require.NoError(t, err)

	_, err = s.Queue.Claim(ctx, now, time.Minute)
	assert.ErrorIs(t, err, store.ErrQueueEmpty, "paused entries are not claimable")

	_, err = s.Jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID: job.ID, From: []model.JobStatus{model.JobStatusPaused}, To: model.JobStatusRunning, QueueOp: store.QueueOpResume,
	})
	require.NoError(t, err)

	claimed, err := s.Queue.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = s.Jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID: job.ID, From: []model.JobStatus{model.JobStatusRunning}, To: model.JobStatusCancelled, QueueOp: store.QueueOpRemove,
	})
	require.NoError(t, err)

	entries, _ := s.Queue.ListByJob(ctx, job.ID)
	assert.Empty(t, entries)
	assert.NoError(t, s.Queue.Complete(ctx, claimed.ID), "completing a removed entry is a no-op")
}

func TestQueue_ClaimVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()

	require.NoError(t, s.Queue.Enqueue(ctx, &model.QueueEntry{JobID: uuid.New(), Kind: model.QueueKindDelivery, RunAt: now}))

	first, err := s.Queue.Claim(ctx, now, time.Minute)
	require.NoError(t, err)

	_, err = s.Queue.Claim(ctx, now.Add(30*time.Second), time.Minute)
	assert.ErrorIs(t, err, store.ErrQueueEmpty)

	again, err := s.Queue.Claim(ctx, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestQueue_DeferDoesNotChargeAttempt(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	require.NoError(t, s.Queue.Enqueue(ctx, &model.QueueEntry{JobID: uuid.New(), Kind: model.QueueKindBackfill, RunAt: now}))

	e, err := s.Queue.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Queue.Defer(ctx, e.ID, now.Add(time.Second)))

	_, err = s.Queue.Claim(ctx, now, time.Minute)
	assert.ErrorIs(t, err, store.ErrQueueEmpty, "deferred entry waits for run_at")

	e, err = s.Queue.Claim(ctx, now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
}

func TestCategoryStore_LastWriteWinsOnMutableFields(t *testing.T) {
	ctx := context.Background()
	c := NewCategoryStore()
	require.NoError(t, c.Bootstrap(ctx, "t1", []model.Category{model.CategoryNFTPrice}))

	first := model.NFTPrice{Signature: "SIG1", Mint: "MINT1", Seller: "S1", Marketplace: "magic_eden", Status: "listed", Price: 4}
	second := first
	second.Seller = "other"
	second.Status = "sold"
	second.Price = 5

	require.NoError(t, c.Apply(ctx, "t1", model.CategoryBatch{NFTPrices: []model.NFTPrice{first}}))
	require.NoError(t, c.Apply(ctx, "t1", model.CategoryBatch{NFTPrices: []model.NFTPrice{second}}))

	snap := c.Snapshot("t1")
	require.Len(t, snap.NFTPrices, 1)
	assert.Equal(t, "sold", snap.NFTPrices[0].Status)
	assert.Equal(t, 5.0, snap.NFTPrices[0].Price)
	assert.Equal(t, "S1", snap.NFTPrices[0].Seller, "identity field kept")
}

func TestCategoryStore_ApplyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := NewCategoryStore()
	require.NoError(t, c.Bootstrap(ctx, "t1", []model.Category{model.CategoryNFTPrice}))

	err := c.Apply(ctx, "t1", model.CategoryBatch{
		NFTPrices:   []model.NFTPrice{{Signature: "SIG1", Mint: "MINT1"}},
		TokenPrices: []model.TokenPrice{{Signature: "SIG1", TokenMint: "T"}},
	})
	require.Error(t, err)
	assert.Empty(t, c.Snapshot("t1").NFTPrices)
}

func setStatus(t *testing.T, s *Store, id uuid.UUID, to model.JobStatus) {
	t.Helper()
	_, err := s.Jobs.UpdateStatus(context.Background(), store.StatusUpdate{
		JobID: id,
		From:  []model.JobStatus{model.JobStatusCreated, model.JobStatusPending, model.JobStatusRunning, model.JobStatusPaused},
		To:    to,
	})
	require.NoError(t, err)
}

func TestQueue_ParkOnlyWhileJobPaused(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	job := newJob(t, s)
	setStatus(t, s, job.ID, model.JobStatusRunning)
	require.NoError(t, s.Queue.Enqueue(ctx, &model.QueueEntry{JobID: job.ID, Kind: model.QueueKindDelivery, RunAt: now}))

	e, err := s.Queue.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	parked, err := s.Queue.Park(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, parked, "running job")

	setStatus(t, s, job.ID, model.JobStatusPaused)
	parked, err = s.Queue.Park(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, parked)

	entries, err := s.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.QueueStatusPaused, entries[0].Status)
	assert.Equal(t, 0, entries[0].Attempts)

	_, err = s.Queue.Claim(ctx, now.Add(time.Hour), time.Minute)
	assert.ErrorIs(t, err, store.ErrQueueEmpty, "parked entry is not reclaimed")
}

func TestJobRepo_ListReceivingByRegistration(t *testing.T) {
	ctx := context.Background()
	s := New()
	regID := uuid.New()

	statuses := []model.JobStatus{model.JobStatusRunning, model.JobStatusPaused, model.JobStatusCancelled}
	for _, st := range statuses {
		job := &model.IndexingJob{Owner: "o", Name: string(st), Target: "default", WebhooksEnabled: true, WebhookRegistrationID: &regID}
		require.NoError(t, s.Jobs.Create(ctx, job))
		setStatus(t, s, job.ID, st)
	}

	got, err := s.Jobs.ListReceivingByRegistration(ctx, regID)
	require.NoError(t, err)
	names := []string{}
	for _, j := range got {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{"running", "paused"}, names)
}
