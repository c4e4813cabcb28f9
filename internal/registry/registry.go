// Package registry owns the provider webhook registrations. It shares one
// registration among jobs of the same owner whose filters overlap and keeps
// the provider's quota in check.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emperorhan/webhook-indexer/internal/alert"
	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/provider"
	"github.com/emperorhan/webhook-indexer/internal/store"
)

const (
	DefaultCooldown          = 24 * time.Hour
	DefaultHousekeepInterval = 15 * time.Minute
)

// defaultTransactionTypes subscribes to every type the provider emits.
var defaultTransactionTypes = []string{"ANY"}

type Config struct {
	// CallbackBaseURL is the public prefix of the inbound endpoint; the
	// registration id is appended to it.
	CallbackBaseURL string
	Cooldown        time.Duration
	Interval        time.Duration
	Now             func() time.Time
	NewSecret       func() (string, error)
	// Alerter is told when the provider quota forced a cleanup.
	Alerter alert.Alerter
}

type CreateRequest struct {
	Owner   string
	Filters model.WebhookFilters
}

type Registry struct {
	mu       sync.Mutex
	api      provider.API
	webhooks store.WebhookRepository
	jobs     store.JobRepository
	cfg      Config
	logger   *slog.Logger
}

func New(api provider.API, webhooks store.WebhookRepository, jobs store.JobRepository, cfg Config, logger *slog.Logger) *Registry {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHousekeepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSecret == nil {
		cfg.NewSecret = randomSecret
	}
	if cfg.Alerter == nil {
		cfg.Alerter = &alert.NoopAlerter{}
	}
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		api:      api,
		webhooks: webhooks,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger.With("component", "webhook_registry"),
	}
}

// Create returns an active registration serving req. An active registration
// of the same owner whose filters overlap is reused without a provider call.
// When the provider refuses for quota, ForceCleanup runs once and the create
// is retried once.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*model.WebhookRegistration, error) {
	if len(req.Filters.Addresses) == 0 {
		return nil, fmt.Errorf("create webhook: no addresses")
	}
	if req.Filters.WebhookType == "" {
		req.Filters.WebhookType = model.WebhookTypeEnhanced
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.webhooks.ListActiveByOwner(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("list registrations of %s: %w", req.Owner, err)
	}
	for i := range existing {
		reg := existing[i]
		if !reg.Filters.Overlaps(req.Filters) {
			continue
		}
		now := r.cfg.Now()
		if err := r.webhooks.Touch(ctx, reg.ID, now); err != nil {
			return nil, fmt.Errorf("touch registration %s: %w", reg.ID, err)
		}
		reg.LastTouchedAt = now
		metrics.RegistryOperations.WithLabelValues("create", "reused").Inc()
		r.logger.Info("reusing webhook registration", "registration_id", reg.ID, "owner", req.Owner)
		return &reg, nil
	}

	secret, err := r.cfg.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate webhook secret: %w", err)
	}
	reg := &model.WebhookRegistration{
		ID:      uuid.New(),
		Secret:  secret,
		Filters: req.Filters,
		Status:  model.WebhookStatusActive,
		Owner:   req.Owner,
	}
	reg.CallbackURL = r.cfg.CallbackBaseURL + "/" + reg.ID.String()

	hook, err := r.createRemote(ctx, reg)
	if errors.Is(err, provider.ErrWebhookLimitReached) {
		metrics.RegistryOperations.WithLabelValues("create", "limit_reached").Inc()
		r.logger.Warn("provider webhook limit reached, forcing cleanup", "owner", req.Owner)
		deleted, cerr := r.forceCleanupLocked(ctx)
		if cerr != nil {
			return nil, fmt.Errorf("force cleanup after webhook limit: %w", cerr)
		}
		_ = r.cfg.Alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeWebhookLimit,
			Subject: req.Owner,
			Title:   "Provider webhook limit reached",
			Message: fmt.Sprintf("forced cleanup removed %d provider webhooks", deleted),
			Fields:  map[string]string{"deleted": strconv.Itoa(deleted)},
		})
		hook, err = r.createRemote(ctx, reg)
	}
	if err != nil {
		metrics.RegistryOperations.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("create provider webhook: %w", err)
	}

	now := r.cfg.Now()
	reg.ProviderID = hook.WebhookID
	reg.CreatedAt = now
	reg.LastTouchedAt = now
	if err := r.webhooks.Create(ctx, reg); err != nil {
		// Leave no remote webhook without a local row.
		if derr := r.api.DeleteWebhook(ctx, hook.WebhookID); derr != nil && !errors.Is(derr, provider.ErrNotFound) {
			r.logger.Error("failed to roll back provider webhook", "provider_id", hook.WebhookID, "error", derr)
		}
		return nil, fmt.Errorf("store registration: %w", err)
	}

	metrics.RegistryOperations.WithLabelValues("create", "created").Inc()
	r.logger.Info("created webhook registration",
		"registration_id", reg.ID,
		"provider_id", reg.ProviderID,
		"owner", reg.Owner,
		"addresses", len(reg.Filters.Addresses),
	)
	return reg, nil
}

func (r *Registry) createRemote(ctx context.Context, reg *model.WebhookRegistration) (*provider.Webhook, error) {
	types := reg.Filters.TransactionTypes
	if len(types) == 0 {
		types = defaultTransactionTypes
	}
	return r.api.CreateWebhook(ctx, provider.CreateWebhookRequest{
		WebhookURL:       reg.CallbackURL,
		TransactionTypes: types,
		AccountAddresses: reg.Filters.Addresses,
		WebhookType:      string(reg.Filters.WebhookType),
		AuthHeader:       reg.Secret,
	})
}

// ForceCleanup deletes every provider webhook except the one backing the most
// recently created local registration, and marks the other local rows
// inactive. It returns how many provider webhooks were deleted.
func (r *Registry) ForceCleanup(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceCleanupLocked(ctx)
}

func (r *Registry) forceCleanupLocked(ctx context.Context) (int, error) {
	all, err := r.webhooks.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list registrations: %w", err)
	}

	var newest *model.WebhookRegistration
	for i := range all {
		if all[i].Status != model.WebhookStatusActive {
			continue
		}
		if newest == nil || all[i].CreatedAt.After(newest.CreatedAt) {
			newest = &all[i]
		}
	}
	keep := ""
	if newest != nil {
		keep = newest.ProviderID
	}

	remoteIDs := make(map[string]struct{})
	remote, err := r.api.ListWebhooks(ctx)
	if err != nil {
		r.logger.Warn("listing provider webhooks failed, cleaning up local registrations only", "error", err)
	}
	for _, h := range remote {
		remoteIDs[h.WebhookID] = struct{}{}
	}
	for _, reg := range all {
		if reg.ProviderID != "" && reg.Status == model.WebhookStatusActive {
			remoteIDs[reg.ProviderID] = struct{}{}
		}
	}

	deleted := 0
	for id := range remoteIDs {
		if id == keep {
			continue
		}
		if err := r.api.DeleteWebhook(ctx, id); err != nil && !errors.Is(err, provider.ErrNotFound) {
			r.logger.Warn("failed to delete provider webhook during cleanup", "provider_id", id, "error", err)
			continue
		}
		deleted++
	}

	var stale []uuid.UUID
	for _, reg := range all {
		if reg.Status == model.WebhookStatusActive && (newest == nil || reg.ID != newest.ID) {
			stale = append(stale, reg.ID)
		}
	}
	if len(stale) > 0 {
		if err := r.webhooks.MarkInactive(ctx, stale, r.cfg.Now()); err != nil {
			return deleted, fmt.Errorf("mark registrations inactive: %w", err)
		}
	}

	metrics.RegistryOperations.WithLabelValues("force_cleanup", "ok").Inc()
	r.logger.Warn("forced webhook cleanup",
		"provider_deleted", deleted,
		"local_deactivated", len(stale),
		"kept_provider_id", keep,
	)
	return deleted, nil
}

// Delete removes a registration at the provider and marks it inactive
// locally. Deleting an unknown or already removed registration succeeds.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.webhooks.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get registration %s: %w", id, err)
	}
	if err := r.deleteRemote(ctx, reg.ProviderID); err != nil {
		metrics.RegistryOperations.WithLabelValues("delete", "error").Inc()
		return err
	}
	if err := r.webhooks.MarkInactive(ctx, []uuid.UUID{id}, r.cfg.Now()); err != nil {
		return fmt.Errorf("mark registration %s inactive: %w", id, err)
	}
	metrics.RegistryOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (r *Registry) deleteRemote(ctx context.Context, providerID string) error {
	if providerID == "" {
		return nil
	}
	err := r.api.DeleteWebhook(ctx, providerID)
	if err == nil || errors.Is(err, provider.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete provider webhook %s: %w", providerID, err)
}

// HousekeepResult counts what one housekeeping pass changed.
type HousekeepResult struct {
	Removed     int
	Missing     int
	Deactivated int
	Orphans     int
}

// Housekeep reconciles local registrations with the provider:
//   - rows inactive for longer than the cooldown are deleted remotely and locally
//   - active rows the provider no longer knows are removed locally
//   - active rows no live job references and untouched for the cooldown are
//     deactivated, to be removed by a later pass
//   - provider webhooks pointing at this service with no local row are deleted
func (r *Registry) Housekeep(ctx context.Context) (HousekeepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res HousekeepResult
	remote, err := r.api.ListWebhooks(ctx)
	if err != nil {
		return res, fmt.Errorf("list provider webhooks: %w", err)
	}
	remoteIDs := make(map[string]provider.Webhook, len(remote))
	for _, h := range remote {
		remoteIDs[h.WebhookID] = h
	}

	all, err := r.webhooks.ListAll(ctx)
	if err != nil {
		return res, fmt.Errorf("list registrations: %w", err)
	}

	now := r.cfg.Now()
	known := make(map[string]struct{}, len(all))
	var deactivate []uuid.UUID
	for _, reg := range all {
		known[reg.ProviderID] = struct{}{}
		_, atProvider := remoteIDs[reg.ProviderID]

		switch {
		case reg.Status == model.WebhookStatusInactive:
			if reg.DeactivatedAt != nil && now.Sub(*reg.DeactivatedAt) < r.cfg.Cooldown {
				continue
			}
			if atProvider {
				if err := r.deleteRemote(ctx, reg.ProviderID); err != nil {
					r.logger.Warn("housekeeping delete failed", "registration_id", reg.ID, "error", err)
					continue
				}
			}
			if err := r.webhooks.Delete(ctx, reg.ID); err != nil {
				return res, fmt.Errorf("delete registration %s: %w", reg.ID, err)
			}
			res.Removed++

		case !atProvider:
			if err := r.webhooks.Delete(ctx, reg.ID); err != nil {
				return res, fmt.Errorf("delete registration %s: %w", reg.ID, err)
			}
			res.Missing++

		case now.Sub(reg.LastTouchedAt) >= r.cfg.Cooldown:
			live, err := r.jobs.CountLiveByRegistration(ctx, reg.ID)
			if err != nil {
				return res, fmt.Errorf("count jobs of registration %s: %w", reg.ID, err)
			}
			if live == 0 {
				deactivate = append(deactivate, reg.ID)
			}
		}
	}
	if len(deactivate) > 0 {
		if err := r.webhooks.MarkInactive(ctx, deactivate, now); err != nil {
			return res, fmt.Errorf("mark registrations inactive: %w", err)
		}
		res.Deactivated = len(deactivate)
	}

	if r.cfg.CallbackBaseURL != "" {
		for id, h := range remoteIDs {
			if _, ok := known[id]; ok || !strings.HasPrefix(h.WebhookURL, r.cfg.CallbackBaseURL+"/") {
				continue
			}
			if err := r.deleteRemote(ctx, id); err != nil {
				r.logger.Warn("failed to delete orphaned provider webhook", "provider_id", id, "error", err)
				continue
			}
			res.Orphans++
		}
	}

	metrics.RegistryOperations.WithLabelValues("housekeep", "ok").Inc()
	r.logger.Info("webhook housekeeping finished",
		"removed", res.Removed,
		"missing", res.Missing,
		"deactivated", res.Deactivated,
		"orphans", res.Orphans,
	)
	return res, nil
}

// Run housekeeps every configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Housekeep(ctx); err != nil {
				metrics.RegistryOperations.WithLabelValues("housekeep", "error").Inc()
				r.logger.Error("webhook housekeeping failed", "error", err)
			}
		}
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
