package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/provider"
	"github.com/emperorhan/webhook-indexer/internal/provider/mocks"
	"github.com/emperorhan/webhook-indexer/internal/registry"
	"github.com/emperorhan/webhook-indexer/internal/retry"
	"github.com/emperorhan/webhook-indexer/internal/store/memory"
	"github.com/emperorhan/webhook-indexer/internal/webhookauth"
)

const webhookSecret = "whsec"

const nftSale = `[{
  "signature": "SIG1",
  "timestamp": 1700000000,
  "type": "NFT_SALE",
  "source": "MAGIC_EDEN",
  "feePayer": "BUYER1",
  "instructions": [{"programId": "M2mx93ekt1fmXSVkTrUL9xVFHkmME8HTUi5Cyc5aF7K", "accounts": ["BUYER1", "SELLER1"]}],
  "events": {"nft": {
    "type": "NFT_SALE", "source": "MAGIC_EDEN", "amount": 5000000000,
    "buyer": "BUYER1", "seller": "SELLER1", "saleType": "INSTANT_SALE",
    "nfts": [{"mint": "MINT1"}]
  }}
}]`

func swapTx(sig string) json.RawMessage {
	return json.RawMessage(`{
  "signature": "` + sig + `",
  "timestamp": 1700000100,
  "type": "SWAP",
  "source": "RAYDIUM",
  "feePayer": "TRADER1",
  "instructions": [{"programId": "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", "accounts": ["POOL1"]}],
  "events": {"swap": {
    "nativeInput": {"account": "TRADER1", "amount": "2000000000"},
    "tokenOutputs": [{"mint": "TOKEN1", "rawTokenAmount": {"tokenAmount": "400000", "decimals": 2}}]
  }}
}`)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type targets map[string]bool

func (t targets) Has(name string) bool { return t[name] }

type harness struct {
	clock    *clock
	mem      *memory.Store
	api      *mocks.MockAPI
	jobs     *jobs.Service
	pipeline *Pipeline
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		api:   mocks.NewMockAPI(ctrl),
	}
	h.mem = memory.New(memory.WithClock(h.clock.Now))
	backoff := retry.DefaultBackoff().WithRand(rand.New(rand.NewSource(7)))

	h.jobs = jobs.NewService(h.mem.Jobs, h.mem.Queue, nil, targets{"default": true}, jobs.Config{
		Backoff: backoff,
		Now:     h.clock.Now,
	}, nil)
	reg := registry.New(h.api, h.mem.Webhooks, h.mem.Jobs, registry.Config{
		CallbackBaseURL: "https://indexer.example.com/webhooks",
		Now:             h.clock.Now,
		NewSecret:       func() (string, error) { return webhookSecret, nil },
	}, nil)

	cfg.Backoff = backoff
	cfg.Now = h.clock.Now
	h.pipeline = New(cfg, &Repos{
		Jobs:       h.mem.Jobs,
		Webhooks:   h.mem.Webhooks,
		Deliveries: h.mem.Deliveries,
		Queue:      h.mem.Queue,
		Categories: h.mem.Categories,
	}, h.jobs, reg, h.api, nil, nil)
	return h
}

func (h *harness) submit(t *testing.T, req jobs.CreateRequest) *model.IndexingJob {
	t.Helper()
	ctx := context.Background()
	job, err := h.jobs.Create(ctx, req)
	require.NoError(t, err)
	job, err = h.jobs.Submit(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.pipeline.Drain(context.Background(), 100)
	require.NoError(t, err)
	return n
}

func (h *harness) job(t *testing.T, id uuid.UUID) *model.IndexingJob {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func webhookJob() jobs.CreateRequest {
	return jobs.CreateRequest{
		Owner:           "alice",
		Name:            "magic eden sales",
		Categories:      model.CategoryFlags{NFTPrices: true, NFTBids: true},
		Filters:         model.JobFilters{Addresses: []string{"SELLER1"}},
		WebhooksEnabled: true,
	}
}

func TestNFTSaleEndToEnd(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).
		Return(&provider.Webhook{WebhookID: "wh-1"}, nil).Times(1)

	job := h.submit(t, webhookJob())
	require.Equal(t, 1, h.drain(t))

	job = h.job(t, job.ID)
	require.Equal(t, model.JobStatusRunning, job.Status)
	require.NotNil(t, job.WebhookRegistrationID)
	regID := *job.WebhookRegistrationID

	upserted := metrics.RecordsUpserted.WithLabelValues(string(model.CategoryNFTPrice))
	before := testutil.ToFloat64(upserted)

	body := []byte(nftSale)
	sig := webhookauth.Sign(body, webhookSecret)
	for i := 0; i < 2; i++ {
		acc, err := h.pipeline.Accept(ctx, regID, body, sig)
		require.NoError(t, err)
		assert.Equal(t, 1, acc.Events)
		assert.Equal(t, 1, acc.Enqueued)
		require.Equal(t, 1, h.drain(t))
	}

	snap := h.mem.Categories.Snapshot("default")
	require.Len(t, snap.NFTPrices, 1, "redelivery must not duplicate")
	price := snap.NFTPrices[0]
	assert.Equal(t, "SIG1", price.Signature)
	assert.Equal(t, "MINT1", price.Mint)
	assert.Equal(t, model.NFTPriceStatusSold, price.Status)
	assert.InDelta(t, 5.0, price.Price, 1e-9)
	assert.Equal(t, "BUYER1", price.Buyer)
	assert.Empty(t, snap.NFTBids, "instant sale is not a bid")
	assert.Equal(t, before+2, testutil.ToFloat64(upserted), "one count per applied record")

	job = h.job(t, job.ID)
	assert.Equal(t, int64(2), job.EventsProcessed)

	logs, err := h.mem.Deliveries.ListByRegistration(ctx, regID, 10)
	require.NoError(t, err)
	statuses := map[model.DeliveryStatus]int{}
	for _, l := range logs {
		statuses[l.Status]++
	}
	assert.Equal(t, 2, statuses[model.DeliveryStatusNotification])
	assert.Equal(t, 2, statuses[model.DeliveryStatusSuccess])
}

func TestAcceptRejections(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).
		Return(&provider.Webhook{WebhookID: "wh-1"}, nil)
	job := h.submit(t, webhookJob())
	h.drain(t)
	regID := *h.job(t, job.ID).WebhookRegistrationID

	body := []byte(nftSale)

	_, err := h.pipeline.Accept(ctx, uuid.New(), body, webhookauth.Sign(body, webhookSecret))
	assert.ErrorIs(t, err, ErrUnknownRegistration)

	_, err = h.pipeline.Accept(ctx, regID, body, webhookauth.Sign(body, "other"))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = h.pipeline.Accept(ctx, regID, body, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	garbage := []byte(`{"signature": `)
	_, err = h.pipeline.Accept(ctx, regID, garbage, webhookauth.Sign(garbage, webhookSecret))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	entries, err := h.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, model.QueueKindDelivery, e.Kind, "rejected deliveries are never queued")
	}

	require.NoError(t, h.mem.Webhooks.MarkInactive(ctx, []uuid.UUID{regID}, h.clock.Now()))
	_, err = h.pipeline.Accept(ctx, regID, body, webhookauth.Sign(body, webhookSecret))
	assert.ErrorIs(t, err, ErrUnknownRegistration)
}

func TestJobStartForcesCleanupWhenLimitReached(t *testing.T) {
	h := newHarness(t, Config{})

	limit := &provider.APIError{Operation: "create_webhook", StatusCode: http.StatusBadRequest, Body: "webhook limit reached"}
	gomock.InOrder(
		h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(nil, limit),
		h.api.EXPECT().ListWebhooks(gomock.Any()).Return([]provider.Webhook{{WebhookID: "wh-stale"}}, nil),
		h.api.EXPECT().DeleteWebhook(gomock.Any(), "wh-stale").Return(nil),
		h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(&provider.Webhook{WebhookID: "wh-2"}, nil),
	)

	job := h.submit(t, webhookJob())
	h.drain(t)

	job = h.job(t, job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	require.NotNil(t, job.WebhookRegistrationID)

	reg, err := h.mem.Webhooks.Get(context.Background(), *job.WebhookRegistrationID)
	require.NoError(t, err)
	assert.Equal(t, "wh-2", reg.ProviderID)
}

func TestJobStartDeferredWhileRateLimited(t *testing.T) {
	h := newHarness(t, Config{DeferDelay: 10 * time.Second})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(nil, provider.ErrRateLimited)

	job := h.submit(t, webhookJob())
	require.Equal(t, 1, h.drain(t))

	assert.Equal(t, model.JobStatusPending, h.job(t, job.ID).Status)
	entries, err := h.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.QueueStatusQueued, entries[0].Status)
	assert.Equal(t, 0, entries[0].Attempts, "deferral charges no attempt")
	assert.Equal(t, h.clock.Now().Add(10*time.Second), entries[0].RunAt)

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(&provider.Webhook{WebhookID: "wh-1"}, nil)
	h.clock.Advance(10 * time.Second)
	h.drain(t)
	assert.Equal(t, model.JobStatusRunning, h.job(t, job.ID).Status)
}

func TestJobStartTerminalErrorFailsJob(t *testing.T) {
	h := newHarness(t, Config{})

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).
		Return(nil, &provider.APIError{Operation: "create_webhook", StatusCode: http.StatusUnauthorized, Body: "bad api-key=abc123"})

	job := h.submit(t, webhookJob())
	h.drain(t)

	job = h.job(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "http status 401")
	assert.NotContains(t, job.ErrorMessage, "abc123")
}

func backfillJob(addresses ...string) jobs.CreateRequest {
	return jobs.CreateRequest{
		Owner:           "bob",
		Name:            "swap history",
		Categories:      model.CategoryFlags{TokenPrices: true},
		Filters:         model.JobFilters{Addresses: addresses},
		BackfillEnabled: true,
	}
}

func TestBackfillPagesUntilDoneThenCompletes(t *testing.T) {
	h := newHarness(t, Config{BackfillPageSize: 2})
	ctx := context.Background()

	gomock.InOrder(
		h.api.EXPECT().GetAddressTransactions(gomock.Any(), "POOL1", provider.HistoryOptions{Limit: 2}).
			Return([]json.RawMessage{swapTx("SIG_A"), swapTx("SIG_B")}, nil),
		h.api.EXPECT().GetAddressTransactions(gomock.Any(), "POOL1", provider.HistoryOptions{Before: "SIG_B", Limit: 2}).
			Return([]json.RawMessage{swapTx("SIG_C")}, nil),
		h.api.EXPECT().GetAddressTransactions(gomock.Any(), "POOL2", provider.HistoryOptions{Limit: 2}).
			Return(nil, nil),
	)

	job := h.submit(t, backfillJob("POOL1", "POOL2"))
	h.drain(t)

	job = h.job(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, int64(3), job.EventsProcessed)
	assert.True(t, job.Checkpoint.Done)
	assert.Nil(t, job.WebhookRegistrationID)

	snap := h.mem.Categories.Snapshot("default")
	require.Len(t, snap.TokenPrices, 3)

	entries, err := h.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, model.QueueStatusDone, e.Status, "entry %d (%s)", e.ID, e.Kind)
	}
}

func TestBackfillRespectsPageLimit(t *testing.T) {
	h := newHarness(t, Config{BackfillPageSize: 1})

	h.api.EXPECT().GetAddressTransactions(gomock.Any(), "POOL1", provider.HistoryOptions{Limit: 1}).
		Return([]json.RawMessage{swapTx("SIG_A")}, nil).Times(1)

	req := backfillJob("POOL1")
	req.BackfillLimit = 1
	job := h.submit(t, req)
	h.drain(t)

	assert.Equal(t, model.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestBackfillTransientErrorsExhaustBudget(t *testing.T) {
	h := newHarness(t, Config{BackfillMaxAttempts: 2})

	unavailable := &provider.APIError{Operation: "get_address_transactions", StatusCode: http.StatusServiceUnavailable, Body: "try later"}
	h.api.EXPECT().GetAddressTransactions(gomock.Any(), "POOL1", gomock.Any()).Return(nil, unavailable).Times(2)

	job := h.submit(t, backfillJob("POOL1"))
	h.drain(t)
	assert.Equal(t, model.JobStatusRunning, h.job(t, job.ID).Status, "first failure is retried")

	h.clock.Advance(time.Minute)
	h.drain(t)

	job = h.job(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "http status 503")
}

func TestPausedJobHoldsDeliveriesUntilResumed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(&provider.Webhook{WebhookID: "wh-1"}, nil)
	job := h.submit(t, webhookJob())
	h.drain(t)
	regID := *h.job(t, job.ID).WebhookRegistrationID

	body := []byte(nftSale)
	_, err := h.pipeline.Accept(ctx, regID, body, webhookauth.Sign(body, webhookSecret))
	require.NoError(t, err)

	_, err = h.jobs.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, h.drain(t))
	assert.Empty(t, h.mem.Categories.Snapshot("default").NFTPrices)

	_, err = h.jobs.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.drain(t))
	assert.Len(t, h.mem.Categories.Snapshot("default").NFTPrices, 1)
}

func TestDeliveryWhilePausedIsReplayedOnResume(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(&provider.Webhook{WebhookID: "wh-1"}, nil)
	job := h.submit(t, webhookJob())
	h.drain(t)
	regID := *h.job(t, job.ID).WebhookRegistrationID

	_, err := h.jobs.Pause(ctx, job.ID)
	require.NoError(t, err)

	body := []byte(nftSale)
	acc, err := h.pipeline.Accept(ctx, regID, body, webhookauth.Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Enqueued)

	assert.Equal(t, 1, h.drain(t), "the worker parks the entry")
	assert.Empty(t, h.mem.Categories.Snapshot("default").NFTPrices)

	_, err = h.jobs.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.drain(t))
	assert.Len(t, h.mem.Categories.Snapshot("default").NFTPrices, 1)
}

func TestEntryQueuedAfterPauseIsParkedWithoutChargingAttempts(t *testing.T) {
	h := newHarness(t, Config{Visibility: time.Minute})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(&provider.Webhook{WebhookID: "wh-1"}, nil)
	job := h.submit(t, webhookJob())
	h.drain(t)
	regID := *h.job(t, job.ID).WebhookRegistrationID

	_, err := h.jobs.Pause(ctx, job.ID)
	require.NoError(t, err)

	// Accept read the job as running before the pause committed.
	payload, err := json.Marshal(model.DeliveryPayload{RegistrationID: regID, Body: []byte(nftSale)})
	require.NoError(t, err)
	entry := &model.QueueEntry{JobID: job.ID, Kind: model.QueueKindDelivery, Payload: payload, MaxAttempts: 3}
	require.NoError(t, h.mem.Queue.Enqueue(ctx, entry))

	for i := 0; i < 3; i++ {
		h.drain(t)
		h.clock.Advance(2 * time.Minute)
	}
	entries, err := h.mem.Queue.ListByJob(ctx, job.ID)
	require.NoError(t, err)
	var parked *model.QueueEntry
	for i := range entries {
		if entries[i].ID == entry.ID {
			parked = &entries[i]
		}
	}
	require.NotNil(t, parked)
	assert.Equal(t, model.QueueStatusPaused, parked.Status)
	assert.Equal(t, 0, parked.Attempts)

	_, err = h.jobs.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.drain(t))
	assert.Len(t, h.mem.Categories.Snapshot("default").NFTPrices, 1)
}

func TestCancelledJobDropsQueuedDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(&provider.Webhook{WebhookID: "wh-1"}, nil)
	job := h.submit(t, webhookJob())
	h.drain(t)
	regID := *h.job(t, job.ID).WebhookRegistrationID

	body := []byte(nftSale)
	_, err := h.pipeline.Accept(ctx, regID, body, webhookauth.Sign(body, webhookSecret))
	require.NoError(t, err)

	_, err = h.jobs.Cancel(ctx, job.ID)
	require.NoError(t, err)
	h.drain(t)

	assert.Empty(t, h.mem.Categories.Snapshot("default").NFTPrices)
	acc, err := h.pipeline.Accept(ctx, regID, body, webhookauth.Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, 0, acc.Enqueued, "no running job left on the registration")
}

func TestDeliveryApplyFailureIsRetried(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.api.EXPECT().CreateWebhook(gomock.Any(), gomock.Any()).Return(&provider.Webhook{WebhookID: "wh-1"}, nil)
	job := h.submit(t, webhookJob())
	h.drain(t)
	regID := *h.job(t, job.ID).WebhookRegistrationID

	failures := 1
	h.mem.Categories.FailApply = func(string, model.CategoryBatch) error {
		if failures > 0 {
			failures--
			return errors.New("connection reset by peer")
		}
		return nil
	}

	body := []byte(nftSale)
	_, err := h.pipeline.Accept(ctx, regID, body, webhookauth.Sign(body, webhookSecret))
	require.NoError(t, err)

	h.drain(t)
	assert.Empty(t, h.mem.Categories.Snapshot("default").NFTPrices, "failed batch applies nothing")

	h.clock.Advance(time.Minute)
	h.drain(t)
	assert.Len(t, h.mem.Categories.Snapshot("default").NFTPrices, 1)

	logs, err := h.mem.Deliveries.ListByRegistration(ctx, regID, 10)
	require.NoError(t, err)
	var failed int
	for _, l := range logs {
		if l.Status == model.DeliveryStatusFailed {
			failed++
			assert.Contains(t, l.Error, "connection reset")
		}
	}
	assert.Equal(t, 1, failed)
}

func TestAdvanceCheckpoint(t *testing.T) {
	page := []json.RawMessage{swapTx("S1"), swapTx("S2")}

	tests := []struct {
		name      string
		in        model.BackfillCheckpoint
		txs       []json.RawMessage
		addresses int
		limit     int
		want      model.BackfillCheckpoint
	}{
		{
			name:      "full page continues same address",
			txs:       page,
			addresses: 2,
			want:      model.BackfillCheckpoint{Before: "S2", Pages: 1},
		},
		{
			name:      "short page moves to next address",
			in:        model.BackfillCheckpoint{Before: "S0", Pages: 3},
			txs:       page[:1],
			addresses: 2,
			want:      model.BackfillCheckpoint{AddressIndex: 1},
		},
		{
			name:      "page limit moves to next address",
			in:        model.BackfillCheckpoint{Pages: 1},
			txs:       page,
			addresses: 2,
			limit:     2,
			want:      model.BackfillCheckpoint{AddressIndex: 1},
		},
		{
			name:      "last address finishes",
			in:        model.BackfillCheckpoint{AddressIndex: 1},
			addresses: 2,
			want:      model.BackfillCheckpoint{AddressIndex: 2, Done: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := advanceCheckpoint(tc.in, tc.txs, tc.addresses, 2, tc.limit)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBackfillProgress(t *testing.T) {
	assert.Equal(t, 0, backfillProgress(model.BackfillCheckpoint{}, 4, 0))
	assert.Equal(t, 50, backfillProgress(model.BackfillCheckpoint{AddressIndex: 2}, 4, 0))
	assert.Equal(t, 62, backfillProgress(model.BackfillCheckpoint{AddressIndex: 2, Pages: 1, Before: "x"}, 4, 2))
	assert.Equal(t, 97, backfillProgress(model.BackfillCheckpoint{AddressIndex: 3, Pages: 9}, 4, 10))
	assert.Equal(t, 99, backfillProgress(model.BackfillCheckpoint{AddressIndex: 4}, 4, 0), "capped until done")
	assert.Equal(t, 100, backfillProgress(model.BackfillCheckpoint{Done: true}, 4, 0))
}
