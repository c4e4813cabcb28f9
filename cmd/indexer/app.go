package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/emperorhan/webhook-indexer/internal/alert"
	"github.com/emperorhan/webhook-indexer/internal/circuitbreaker"
	"github.com/emperorhan/webhook-indexer/internal/config"
	"github.com/emperorhan/webhook-indexer/internal/httpapi"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/notify"
	"github.com/emperorhan/webhook-indexer/internal/pipeline"
	"github.com/emperorhan/webhook-indexer/internal/pipeline/classifier"
	"github.com/emperorhan/webhook-indexer/internal/provider"
	"github.com/emperorhan/webhook-indexer/internal/ratelimit"
	"github.com/emperorhan/webhook-indexer/internal/registry"
	"github.com/emperorhan/webhook-indexer/internal/retry"
	"github.com/emperorhan/webhook-indexer/internal/store/memory"
	"github.com/emperorhan/webhook-indexer/internal/store/postgres"
)

// app holds every long-lived component. It is built once per process and
// shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	repos    *pipeline.Repos
	db       *postgres.DB
	pools    *postgres.PoolRegistry
	redis    *redis.Client
	alerter  alert.Alerter
	breakers *circuitbreaker.Manager
	api      provider.API
	registry *registry.Registry
	jobs     *jobs.Service
	pipeline *pipeline.Pipeline
	server   *httpapi.Server

	closers []func() error
}

// targetSet accepts the configured target references.
type targetSet map[string]struct{}

func (t targetSet) Has(name string) bool {
	_, ok := t[name]
	return ok
}

func newTargetSet(cfg config.TargetsConfig) targetSet {
	set := targetSet{cfg.Default: {}}
	for name := range cfg.URLs {
		set[name] = struct{}{}
	}
	return set
}

func newApp(ctx context.Context, cfg *config.Config, storeMode string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.buildStores(ctx, storeMode); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildServices(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildStores(ctx context.Context, storeMode string) error {
	if storeMode == storeModeMemory {
		mem := memory.New()
		a.repos = &pipeline.Repos{
			Jobs:       mem.Jobs,
			Webhooks:   mem.Webhooks,
			Deliveries: mem.Deliveries,
			Queue:      mem.Queue,
			Categories: mem.Categories,
		}
		a.logger.Warn("using in-memory state; nothing survives a restart")
		return nil
	}

	db, err := postgres.New(postgres.Config{
		URL:                a.cfg.DB.URL,
		MaxOpenConns:       a.cfg.DB.MaxOpenConns,
		MaxIdleConns:       a.cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    a.cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: a.cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("connect control-plane database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.logger.Info("connected to database", "url", maskCredentials(a.cfg.DB.URL))

	targets := a.cfg.Targets.URLs
	if len(targets) == 0 {
		// Without explicit targets the default target lives in the control plane.
		targets = map[string]string{a.cfg.Targets.Default: a.cfg.DB.URL}
	}
	a.pools = postgres.NewPoolRegistry(targets, postgres.PoolConfig{
		MaxOpenConns:    a.cfg.Targets.MaxOpenConns,
		MaxIdleConns:    a.cfg.Targets.MaxIdleConns,
		ConnMaxLifetime: a.cfg.Targets.ConnMaxLifetime,
	})
	a.closers = append(a.closers, a.pools.Close)
	a.logger.Info("target datastores configured", "targets", slices.Sorted(maps.Keys(targets)))

	a.repos = &pipeline.Repos{
		Jobs:       postgres.NewJobRepo(db),
		Webhooks:   postgres.NewWebhookRepo(db),
		Deliveries: postgres.NewDeliveryLogRepo(db),
		Queue:      postgres.NewQueueRepo(db),
		Categories: postgres.NewCategoryStore(a.pools),
	}
	return nil
}

func (a *app) buildServices(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	if cfg.Redis.URL != "" {
		client, err := notify.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}

	a.alerter = buildAlerter(cfg.Alert, logger)

	var limiter ratelimit.Acquirer
	switch cfg.RateLimit.Backend {
	case "redis":
		if a.redis == nil {
			return errors.New("redis rate limiter requires REDIS_URL")
		}
		limiter = ratelimit.NewRedisLimiter(a.redis, "webhook-indexer:ratelimit", cfg.RateLimit.Default, cfg.RateLimit.Rules, logger)
	default:
		opts := make([]ratelimit.Option, 0, len(cfg.RateLimit.Rules))
		for key, rule := range cfg.RateLimit.Rules {
			opts = append(opts, ratelimit.WithRule(key, rule))
		}
		limiter = ratelimit.New(cfg.RateLimit.Default, opts...)
	}

	backoff := circuitbreaker.BackoffFixed
	if cfg.Breaker.Exponential {
		backoff = circuitbreaker.BackoffExponential
	}
	a.breakers = circuitbreaker.NewManager(circuitbreaker.ManagerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		MaxRetries:       cfg.Breaker.MaxRetries,
		RetryDelay:       cfg.Breaker.RetryDelay,
		Backoff:          backoff,
		OnOpen: func(service string, stats circuitbreaker.Stats) {
			_ = a.alerter.Send(context.Background(), alert.Alert{
				Type:    alert.AlertTypeCircuitOpen,
				Subject: service,
				Title:   "Circuit opened",
				Message: fmt.Sprintf("calls to %s are failing fast", service),
				Fields:  map[string]string{"state": stats.State.String()},
			})
		},
	}, logger)

	client := provider.NewClient(cfg.Provider.BaseURL, provider.EnvCredentials{Var: cfg.Provider.APIKeyEnv}, cfg.Provider.Timeout, logger)
	a.api = provider.NewGuardedClient(client, limiter, a.breakers)

	a.registry = registry.New(a.api, a.repos.Webhooks, a.repos.Jobs, registry.Config{
		CallbackBaseURL: cfg.Registry.CallbackBaseURL,
		Cooldown:        cfg.Registry.Cooldown,
		Interval:        cfg.Registry.HousekeepInterval,
		Alerter:         a.alerter,
	}, logger)

	publisher, err := a.buildPublisher()
	if err != nil {
		return err
	}

	var targets jobs.TargetChecker = newTargetSet(cfg.Targets)
	if a.pools != nil {
		targets = a.pools
	}
	a.jobs = jobs.NewService(a.repos.Jobs, a.repos.Queue, publisher, targets, jobs.Config{
		MaxStartAttempts: cfg.Pipeline.StartMaxAttempts,
		Backoff:          retry.DefaultBackoff(),
		DefaultTarget:    cfg.Targets.Default,
	}, logger)

	tables, err := classifier.LoadTables(cfg.Provider.TablesFile)
	if err != nil {
		return fmt.Errorf("load program tables: %w", err)
	}

	a.pipeline = pipeline.New(pipeline.Config{
		Workers:             cfg.Pipeline.Workers,
		PollInterval:        cfg.Pipeline.PollInterval,
		Visibility:          cfg.Pipeline.VisibilityTimeout,
		BackfillPageSize:    cfg.Pipeline.BackfillPageSize,
		BackfillStepDelay:   cfg.Pipeline.BackfillStepDelay,
		DeferDelay:          cfg.Pipeline.DeferDelay,
		DeliveryMaxAttempts: cfg.Pipeline.DeliveryMaxAttempts,
		BackfillMaxAttempts: cfg.Pipeline.BackfillMaxAttempts,
		Alerter:             a.alerter,
	}, a.repos, a.jobs, a.registry, a.api, classifier.New(tables, logger), logger)

	opts := []httpapi.ServerOption{
		httpapi.WithRegistrations(a.registry),
		httpapi.WithDeliveryLog(a.repos.Deliveries),
		httpapi.WithHealthProvider(a.pipeline.Health()),
		httpapi.WithBreakerProvider(a.breakers),
	}
	if cfg.RateLimit.API.Tokens > 0 {
		opts = append(opts, httpapi.WithAPIRateLimit(ratelimit.New(cfg.RateLimit.API)))
	}
	a.server = httpapi.New(a.pipeline, a.jobs, logger, opts...)
	return nil
}

func (a *app) buildPublisher() (notify.Publisher, error) {
	var sinks []notify.Sink
	if a.redis != nil && a.cfg.Notify.RedisStream != "" {
		sinks = append(sinks, notify.Sink{
			Name:      "redis",
			Publisher: notify.NewRedisStream(a.redis, a.cfg.Notify.RedisStream, a.cfg.Notify.RedisStreamMaxLen),
		})
	}
	if a.cfg.Notify.CloudEventsTarget != "" {
		ce, err := notify.NewCloudEventsSink(a.cfg.Notify.CloudEventsTarget, a.cfg.Notify.CloudEventsSource)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.Sink{Name: "cloudevents", Publisher: ce})
	}
	if a.cfg.Notify.AlertOnFailure {
		sinks = append(sinks, notify.Sink{Name: "alert", Publisher: notify.NewAlertSink(a.alerter)})
	}
	return notify.NewMultiPublisher(a.logger, sinks...), nil
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	switch {
	case cfg.SlackBotToken != "":
		channels = append(channels, alert.NewSlackBotAlerter(cfg.SlackBotToken, cfg.SlackChannel))
	case cfg.SlackWebhookURL != "":
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL, cfg.WebhookSecret))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
