package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultStatementTimeoutMS = 30_000
	maxStatementTimeoutMS     = 3_600_000

	// DefaultQueryTimeout bounds a single repository call.
	DefaultQueryTimeout = 30 * time.Second

	// LongQueryTimeout is used for migrations.
	LongQueryTimeout = 5 * time.Minute

	pingTimeout = 5 * time.Second
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// DB is the control-plane database holding jobs, registrations, the delivery
// log and the work queue.
type DB struct {
	*sql.DB
}

// Config describes the control-plane connection pool. A zero
// StatementTimeoutMS selects the 30s default.
type Config struct {
	URL                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	StatementTimeoutMS int
}

func New(cfg Config) (*DB, error) {
	timeoutMS, err := statementTimeoutMS(cfg.StatementTimeoutMS)
	if err != nil {
		return nil, err
	}
	dsn, err := withStatementTimeout(cfg.URL, timeoutMS)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	idle := cfg.ConnMaxIdleTime
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	db.SetConnMaxIdleTime(idle)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

func statementTimeoutMS(ms int) (int, error) {
	switch {
	case ms == 0:
		return defaultStatementTimeoutMS, nil
	case ms < 0 || ms > maxStatementTimeoutMS:
		return 0, fmt.Errorf("statement timeout %dms out of allowed range [1, %d]", ms, maxStatementTimeoutMS)
	}
	return ms, nil
}

// withStatementTimeout sets statement_timeout through the connection
// options so every pooled session inherits it.
func withStatementTimeout(dsn string, ms int) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("options", "-c statement_timeout="+strconv.Itoa(ms))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Migrate applies the embedded control-plane migrations.
func (db *DB) Migrate(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	start := time.Now()
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	slog.Info("migrations applied", "version", version, "elapsed", time.Since(start).String())
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
