package notify

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEventType is the CloudEvents type attribute of job updates.
const CloudEventType = "io.webhookindexer." + EventTypeJobUpdated

// CloudEventsSink posts job updates as binary-mode CloudEvents over HTTP.
type CloudEventsSink struct {
	client cloudevents.Client
	source string
}

func NewCloudEventsSink(target, source string) (*CloudEventsSink, error) {
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, fmt.Errorf("create cloudevents client: %w", err)
	}
	return &CloudEventsSink{client: client, source: source}, nil
}

func (s *CloudEventsSink) Publish(ctx context.Context, ev JobUpdated) error {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(s.source)
	event.SetType(CloudEventType)
	event.SetSubject(ev.JobID.String())
	event.SetTime(ev.At)
	if err := event.SetData(cloudevents.ApplicationJSON, ev); err != nil {
		return fmt.Errorf("encode cloudevent: %w", err)
	}

	result := s.client.Send(ctx, event)
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("send cloudevent: %w", result)
	}
	return nil
}
