package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/pipeline/classifier"
	"github.com/emperorhan/webhook-indexer/internal/store"
	"github.com/emperorhan/webhook-indexer/internal/tracing"
	"github.com/emperorhan/webhook-indexer/internal/webhookauth"
)

var (
	ErrUnknownRegistration = errors.New("unknown webhook registration")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrInvalidPayload      = classifier.ErrInvalidPayload
)

// Acceptance describes an inbound delivery that passed authentication.
type Acceptance struct {
	RegistrationID uuid.UUID `json:"registration_id"`
	Events         int       `json:"events"`
	Skipped        int       `json:"skipped"`
	Enqueued       int       `json:"enqueued"`
}

// Accept authenticates an inbound delivery for registrationID and queues one
// delivery entry per running or paused job of that registration. Entries of a
// paused job are parked by the worker and replayed on resume. Classification
// and upserts happen later on a worker.
func (p *Pipeline) Accept(ctx context.Context, registrationID uuid.UUID, body []byte, signature string) (acc *Acceptance, err error) {
	ctx, span := tracing.Start(ctx, "pipeline.accept",
		attribute.String("registration.id", registrationID.String()),
		attribute.Int("body.bytes", len(body)),
	)
	defer func() { tracing.End(span, err) }()

	reg, err := p.repos.Webhooks.Get(ctx, registrationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && reg.Status != model.WebhookStatusActive) {
		metrics.DeliveriesReceived.WithLabelValues("unknown").Inc()
		return nil, ErrUnknownRegistration
	}
	if err != nil {
		return nil, fmt.Errorf("load registration %s: %w", registrationID, err)
	}

	if !webhookauth.Verify(body, signature, reg.Secret) {
		metrics.DeliveriesReceived.WithLabelValues("unauthorized").Inc()
		p.logger.Warn("webhook signature rejected",
			"security", true,
			"registration_id", registrationID,
			"signature_present", signature != "",
		)
		return nil, ErrInvalidSignature
	}

	envs, skipped, err := classifier.NormalizeBatch(body)
	if err != nil {
		metrics.DeliveriesReceived.WithLabelValues("invalid").Inc()
		return nil, err
	}

	receiving, err := p.repos.Jobs.ListReceivingByRegistration(ctx, registrationID)
	if err != nil {
		return nil, fmt.Errorf("list jobs of registration %s: %w", registrationID, err)
	}

	payload, err := json.Marshal(model.DeliveryPayload{RegistrationID: registrationID, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode delivery payload: %w", err)
	}
	for _, job := range receiving {
		entry := &model.QueueEntry{
			JobID:       job.ID,
			Kind:        model.QueueKindDelivery,
			Payload:     payload,
			MaxAttempts: p.cfg.DeliveryMaxAttempts,
			RunAt:       p.cfg.Now(),
		}
		if err := p.repos.Queue.Enqueue(ctx, entry); err != nil {
			return nil, fmt.Errorf("enqueue delivery for job %s: %w", job.ID, err)
		}
	}

	now := p.cfg.Now()
	if err := p.repos.Deliveries.Append(ctx, &model.DeliveryLog{
		RegistrationID: registrationID,
		Status:         model.DeliveryStatusNotification,
		Payload:        body,
		CreatedAt:      now,
	}); err != nil {
		p.logger.Warn("delivery log append failed", "registration_id", registrationID, "error", err)
	}
	if err := p.repos.Webhooks.Touch(ctx, registrationID, now); err != nil {
		p.logger.Warn("registration touch failed", "registration_id", registrationID, "error", err)
	}

	metrics.DeliveriesReceived.WithLabelValues("accepted").Inc()
	p.logger.Info("webhook delivery accepted",
		"registration_id", registrationID,
		"events", len(envs),
		"skipped", skipped,
		"jobs", len(receiving),
	)
	return &Acceptance{
		RegistrationID: registrationID,
		Events:         len(envs),
		Skipped:        skipped,
		Enqueued:       len(receiving),
	}, nil
}
