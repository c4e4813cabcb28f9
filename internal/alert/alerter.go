package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/emperorhan/webhook-indexer/internal/webhookauth"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeCircuitOpen   AlertType = "CIRCUIT_OPEN"
	AlertTypeRecovery      AlertType = "RECOVERY"
	AlertTypeJobFailed     AlertType = "JOB_FAILED"
	AlertTypeWebhookLimit  AlertType = "WEBHOOK_LIMIT"
	AlertTypeDeliveryError AlertType = "DELIVERY_ERROR"
)

// Alert represents a single alert event. Subject scopes cooldown: a service
// name for circuit alerts, a job id for job alerts.
type Alert struct {
	Type    AlertType
	Subject string
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown.
func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.Subject)
}

// Send dispatches alert to all channels, respecting cooldown.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)

	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	default:
		return "unknown"
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook, or to a channel
// through the Web API when built with a bot token.
type SlackAlerter struct {
	webhookURL string
	channel    string
	api        *slack.Client
	client     *http.Client
}

// NewSlackAlerter creates a Slack alerter with the given incoming webhook URL.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// NewSlackBotAlerter posts to channel with a bot token.
func NewSlackBotAlerter(token, channel string, opts ...slack.Option) *SlackAlerter {
	return &SlackAlerter{
		channel: channel,
		api:     slack.New(token, opts...),
	}
}

func slackText(alert Alert) string {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeCircuitOpen:
		emoji = ":rotating_light:"
	case AlertTypeJobFailed:
		emoji = ":x:"
	case AlertTypeWebhookLimit:
		emoji = ":no_entry:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s: %s\n%s", emoji, alert.Type, alert.Subject, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range slices.Sorted(maps.Keys(alert.Fields)) {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, alert.Fields[k])
		}
	}
	return b.String()
}

// Send sends an alert to Slack.
func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	text := slackText(alert)
	if s.api != nil {
		if _, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false)); err != nil {
			return fmt.Errorf("post slack message: %w", err)
		}
		return nil
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, &slack.WebhookMessage{Text: text}); err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	return nil
}

// WebhookAlerter posts alerts as JSON to a generic HTTP endpoint. With a
// secret the body is signed the same way inbound deliveries are.
type WebhookAlerter struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

func NewWebhookAlerter(url, secret string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

type webhookPayload struct {
	Type    AlertType         `json:"type"`
	Subject string            `json:"subject"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    time.Time         `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Type:    alert.Type,
		Subject: alert.Subject,
		Title:   alert.Title,
		Message: alert.Message,
		Fields:  alert.Fields,
		Time:    w.now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(webhookauth.SignatureHeader, webhookauth.Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
