package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/retry"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Backoff selects how the delay between attempts grows.
type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// ManagerConfig configures every breaker created by a Manager.
type ManagerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	Backoff          Backoff
	Now              func() time.Time
	// Sleep waits between attempts. It must return early with ctx.Err() when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnOpen is called after a service's circuit opens.
	OnOpen func(service string, stats Stats)
}

// Manager owns one Breaker per service name.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "circuitbreaker"),
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for service, creating it on first use.
func (m *Manager) Breaker(service string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[service]
	if !ok {
		b = New(service, Config{
			FailureThreshold: m.cfg.FailureThreshold,
			OpenTimeout:      m.cfg.OpenTimeout,
			Now:              m.cfg.Now,
			OnStateChange:    m.onStateChange,
		})
		m.breakers[service] = b
		metrics.CircuitState.WithLabelValues(service).Set(float64(StateClosed))
	}
	return b
}

// Snapshot returns the stats of every known breaker.
func (m *Manager) Snapshot() []Stats {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Stats())
	}
	return out
}

// httpStatusError is satisfied by errors that carry the service's HTTP answer.
type httpStatusError interface {
	HTTPStatus() int
}

// ExecuteWithRetry runs op under the service's breaker. An open circuit fails
// fast with ErrCircuitOpen without invoking op. Transient failures count
// toward the breaker and are retried up to MaxRetries attempts in total.
// Terminal failures return immediately and leave the streak alone when the
// service answered. Once attempts are exhausted the last error is returned.
func (m *Manager) ExecuteWithRetry(ctx context.Context, service string, op func(ctx context.Context) error) error {
	b := m.Breaker(service)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		if err := b.Allow(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ErrCircuitOpen, lastErr)
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			b.RecordSuccess()
			return nil
		}
		if errors.Is(err, context.Canceled) {
			b.Release()
			return err
		}
		lastErr = err

		decision := retry.Classify(err)
		if !decision.IsTransient() {
			// Only upstream faults count toward the streak.
			var answered httpStatusError
			if errors.As(err, &answered) {
				b.RecordAnswered()
			} else {
				b.Release()
			}
			return err
		}
		b.RecordFailure()
		if attempt == m.cfg.MaxRetries {
			break
		}

		delay := m.delay(attempt)
		m.logger.Debug("retrying call",
			"service", service,
			"attempt", attempt,
			"delay", delay,
			"reason", decision.Reason,
			"error", err,
		)
		if sleepErr := m.cfg.Sleep(ctx, delay); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

// Execute is ExecuteWithRetry for operations that produce a value.
func Execute[T any](ctx context.Context, m *Manager, service string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.ExecuteWithRetry(ctx, service, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (m *Manager) delay(attempt int) time.Duration {
	if m.cfg.Backoff == BackoffExponential {
		return m.cfg.RetryDelay * time.Duration(1<<(attempt-1))
	}
	return m.cfg.RetryDelay
}

func (m *Manager) onStateChange(service string, from, to State) {
	metrics.CircuitState.WithLabelValues(service).Set(float64(to))
	metrics.CircuitTransitions.WithLabelValues(service, from.String(), to.String()).Inc()
	m.logger.Warn("circuit state changed", "service", service, "from", from.String(), "to", to.String())

	if to == StateOpen && m.cfg.OnOpen != nil {
		// Breaker holds its own lock here; hand off so the callback may read Stats.
		go m.cfg.OnOpen(service, Stats{Service: service, State: to})
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
