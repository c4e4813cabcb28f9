package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/emperorhan/webhook-indexer/internal/metrics"
)

// DefaultTarget names the target datastore used when a job does not pick one.
const DefaultTarget = "default"

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PoolRegistry maintains one capped connection pool per target datastore.
// Pools open lazily on first use and are reused across deliveries.
type PoolRegistry struct {
	mu      sync.Mutex
	cfg     PoolConfig
	targets map[string]string
	pools   map[string]*sql.DB
	open    func(dsn string) (*sql.DB, error)
}

// NewPoolRegistry creates a registry resolving target names through targets
// (name to DSN).
func NewPoolRegistry(targets map[string]string, cfg PoolConfig) *PoolRegistry {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 || cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	copied := make(map[string]string, len(targets))
	for k, v := range targets {
		copied[k] = v
	}
	return &PoolRegistry{
		cfg:     cfg,
		targets: copied,
		pools:   make(map[string]*sql.DB),
		open:    openPGX,
	}
}

func openPGX(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Has reports whether target is a known datastore reference.
func (r *PoolRegistry) Has(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[target]; ok {
		return true
	}
	_, ok := r.targets[target]
	return ok
}

// Targets returns the configured target names, sorted.
func (r *PoolRegistry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register installs an already opened pool for target. The registry takes
// ownership and closes it on Close.
func (r *PoolRegistry) Register(target string, db *sql.DB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.pools[target]; ok && prev != db {
		_ = prev.Close()
	}
	r.pools[target] = db
	metrics.TargetPoolsOpen.Set(float64(len(r.pools)))
}

// Get returns the pool for target, opening it on first use.
func (r *PoolRegistry) Get(ctx context.Context, target string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[target]; ok {
		return db, nil
	}
	dsn, ok := r.targets[target]
	if !ok {
		return nil, fmt.Errorf("unknown target datastore %q", target)
	}

	db, err := r.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", target, err)
	}
	db.SetMaxOpenConns(r.cfg.MaxOpenConns)
	db.SetMaxIdleConns(r.cfg.MaxIdleConns)
	if r.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := withTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping target %s: %w", target, err)
	}

	r.pools[target] = db
	metrics.TargetPoolsOpen.Set(float64(len(r.pools)))
	return db, nil
}

// Close closes every open target pool. It returns the first error but still
// attempts to close all of them.
func (r *PoolRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, db := range r.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close pool %s: %w", name, err)
		}
	}
	r.pools = make(map[string]*sql.DB)
	metrics.TargetPoolsOpen.Set(0)
	return firstErr
}

// CollectStats exports connection stats of every open pool.
func (r *PoolRegistry) CollectStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, db := range r.pools {
		setPoolGauges(name, db.Stats())
	}
}

func setPoolGauges(pool string, stats sql.DBStats) {
	metrics.DBPoolInUse.WithLabelValues(pool).Set(float64(stats.InUse))
	metrics.DBPoolIdle.WithLabelValues(pool).Set(float64(stats.Idle))
	metrics.DBPoolWaitCount.WithLabelValues(pool).Set(float64(stats.WaitCount))
}

// RunStatsSampler exports pool stats for the control plane and every target
// pool until ctx is done.
func (r *PoolRegistry) RunStatsSampler(ctx context.Context, control *DB, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if control != nil {
			setPoolGauges("control", control.Stats())
		}
		r.CollectStats()

		select {
		case <-ctx.Done():
			logger.Info("db pool stats sampler stopped", "cause", "context_done")
			return
		case <-ticker.C:
		}
	}
}
