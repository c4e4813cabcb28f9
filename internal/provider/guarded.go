package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emperorhan/webhook-indexer/internal/circuitbreaker"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/ratelimit"
	"github.com/emperorhan/webhook-indexer/internal/tracing"
)

// ServiceName keys both the rate limiter bucket and the circuit breaker of
// provider calls.
const ServiceName = "provider-api"

// GuardedClient routes every call through the rate limiter and then the
// circuit breaker. A refused token returns ErrRateLimited without touching
// the breaker or the network.
type GuardedClient struct {
	next     API
	limiter  ratelimit.Acquirer
	breakers *circuitbreaker.Manager
	service  string
}

var _ API = (*GuardedClient)(nil)

func NewGuardedClient(next API, limiter ratelimit.Acquirer, breakers *circuitbreaker.Manager) *GuardedClient {
	return &GuardedClient{
		next:     next,
		limiter:  limiter,
		breakers: breakers,
		service:  ServiceName,
	}
}

func (g *GuardedClient) CreateWebhook(ctx context.Context, req CreateWebhookRequest) (*Webhook, error) {
	var out *Webhook
	err := g.call(ctx, "create_webhook", func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateWebhook(ctx, req)
		return err
	})
	return out, err
}

func (g *GuardedClient) DeleteWebhook(ctx context.Context, webhookID string) error {
	return g.call(ctx, "delete_webhook", func(ctx context.Context) error {
		return g.next.DeleteWebhook(ctx, webhookID)
	})
}

func (g *GuardedClient) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out []Webhook
	err := g.call(ctx, "list_webhooks", func(ctx context.Context) error {
		var err error
		out, err = g.next.ListWebhooks(ctx)
		return err
	})
	return out, err
}

func (g *GuardedClient) GetAddressTransactions(ctx context.Context, address string, opts HistoryOptions) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := g.call(ctx, "get_address_transactions", func(ctx context.Context) error {
		var err error
		out, err = g.next.GetAddressTransactions(ctx, address, opts)
		return err
	})
	return out, err
}

func (g *GuardedClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracing.Start(ctx, "provider."+op, attribute.String("provider.operation", op))
	defer func() { tracing.End(span, err) }()

	if !g.limiter.Acquire(g.service) {
		metrics.ProviderCallsTotal.WithLabelValues(op, "rate_limited").Inc()
		return ErrRateLimited
	}

	start := time.Now()
	err = g.breakers.ExecuteWithRetry(ctx, g.service, fn)
	metrics.ProviderCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.ProviderCallsTotal.WithLabelValues(op, callStatus(err)).Inc()
	return err
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrWebhookLimitReached):
		return "limit_reached"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 {
			return "5xx"
		}
		return "4xx"
	}
	return "error"
}
