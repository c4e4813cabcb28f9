//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/emperorhan/webhook-indexer/internal/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer starts PostgreSQL, applies the migrations and returns
// the control-plane DB together with its connection string.
func setupTestContainer(t *testing.T) (*postgres.DB, string) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_webhook_indexer"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.New(postgres.Config{
		URL:             connStr,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(ctx))
	return db, connStr
}

func TestIntegration_JobLifecycleAndQueue(t *testing.T) {
	db, _ := setupTestContainer(t)
	ctx := context.Background()
	jobs := postgres.NewJobRepo(db)
	queue := postgres.NewQueueRepo(db)

	job := &model.IndexingJob{
		Owner:           "owner-1",
		Name:            "nft sales",
		Categories:      model.CategoryFlags{NFTPrices: true},
		Filters:         model.JobFilters{Addresses: []string{"ADDR1"}},
		BackfillEnabled: true,
		Target:          postgres.DefaultTarget,
	}
	require.NoError(t, jobs.Create(ctx, job))

	_, err := jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID: job.ID, From: []model.JobStatus{model.JobStatusCreated}, To: model.JobStatusPending,
		QueueOp: store.QueueOpEnqueue, Entry: &model.QueueEntry{Kind: model.QueueKindJobStart},
	})
	require.NoError(t, err)

	_, err = jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID: job.ID, From: []model.JobStatus{model.JobStatusRunning}, To: model.JobStatusPaused, QueueOp: store.QueueOpPause,
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	entry, err := queue.Claim(ctx, time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.QueueKindJobStart, entry.Kind)
	require.NoError(t, queue.Complete(ctx, entry.ID))

	require.NoError(t, jobs.SaveProgress(ctx, job.ID, store.ProgressUpdate{Progress: 50, EventsDelta: 2}))
	require.NoError(t, jobs.SaveProgress(ctx, job.ID, store.ProgressUpdate{Progress: 20}))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, int64(2), got.EventsProcessed)

	cancelled, err := jobs.UpdateStatus(ctx, store.StatusUpdate{
		JobID: job.ID, From: []model.JobStatus{model.JobStatusPending}, To: model.JobStatusCancelled, QueueOp: store.QueueOpRemove,
	})
	require.NoError(t, err)
	assert.NotNil(t, cancelled.CompletedAt)
}

func TestIntegration_QueueClaimIsExclusive(t *testing.T) {
	db, _ := setupTestContainer(t)
	ctx := context.Background()
	jobs := postgres.NewJobRepo(db)
	queue := postgres.NewQueueRepo(db)

	job := &model.IndexingJob{Owner: "o", Target: postgres.DefaultTarget}
	require.NoError(t, jobs.Create(ctx, job))
	for i := 0; i < 20; i++ {
		require.NoError(t, queue.Enqueue(ctx, &model.QueueEntry{JobID: job.ID, Kind: model.QueueKindDelivery}))
	}

	var claimed sync.Map
	var total atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := queue.Claim(ctx, time.Now(), time.Minute)
				if err != nil {
					return
				}
				_, dup := claimed.LoadOrStore(e.ID, true)
				assert.False(t, dup, "entry %d claimed twice", e.ID)
				total.Add(1)
				assert.NoError(t, queue.Complete(ctx, e.ID))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), total.Load())
}

func TestIntegration_CategoryUpsertIdempotent(t *testing.T) {
	_, connStr := setupTestContainer(t)
	ctx := context.Background()

	pools := postgres.NewPoolRegistry(map[string]string{postgres.DefaultTarget: connStr}, postgres.PoolConfig{MaxOpenConns: 4})
	t.Cleanup(func() { pools.Close() })
	categories := postgres.NewCategoryStore(pools)

	require.NoError(t, categories.Bootstrap(ctx, postgres.DefaultTarget, model.AllCategories))
	require.NoError(t, categories.Bootstrap(ctx, postgres.DefaultTarget, model.AllCategories), "bootstrap is idempotent")

	sale := model.NFTPrice{Signature: "SIG1", Mint: "MINT1", Marketplace: "magic_eden", Seller: "S", Status: "sold", Price: 5}
	for i := 0; i < 3; i++ {
		require.NoError(t, categories.Apply(ctx, postgres.DefaultTarget, model.CategoryBatch{NFTPrices: []model.NFTPrice{sale}}))
	}

	db, err := pools.Get(ctx, postgres.DefaultTarget)
	require.NoError(t, err)

	var count int
	var price float64
	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*), max(price)::float8, max(status) FROM nft_prices WHERE signature = 'SIG1'`).
		Scan(&count, &price, &status))
	assert.Equal(t, 1, count)
	assert.Equal(t, 5.0, price)
	assert.Equal(t, "sold", status)
}
