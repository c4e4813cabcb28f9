package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks . API

// API is the provider's webhook and history surface.
type API interface {
	CreateWebhook(ctx context.Context, req CreateWebhookRequest) (*Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
	ListWebhooks(ctx context.Context) ([]Webhook, error)
	GetAddressTransactions(ctx context.Context, address string, opts HistoryOptions) ([]json.RawMessage, error)
}

var (
	ErrNotFound            = errors.New("provider: not found")
	ErrWebhookLimitReached = errors.New("provider: webhook limit reached")
	ErrRateLimited         = errors.New("provider: rate limited")
)

// APIError is a non-2xx provider response.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s: http status %d: %s", e.Operation, e.StatusCode, e.Body)
}

func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrWebhookLimitReached:
		return isWebhookLimit(e.StatusCode, e.Body)
	}
	return false
}

func isWebhookLimit(status int, body string) bool {
	if status != http.StatusBadRequest && status != http.StatusForbidden && status != http.StatusTooManyRequests {
		return false
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "webhook") && strings.Contains(lower, "limit")
}

type Webhook struct {
	WebhookID        string   `json:"webhookID"`
	Wallet           string   `json:"wallet,omitempty"`
	WebhookURL       string   `json:"webhookURL"`
	TransactionTypes []string `json:"transactionTypes"`
	AccountAddresses []string `json:"accountAddresses"`
	WebhookType      string   `json:"webhookType"`
	AuthHeader       string   `json:"authHeader,omitempty"`
}

type CreateWebhookRequest struct {
	WebhookURL       string   `json:"webhookURL"`
	TransactionTypes []string `json:"transactionTypes"`
	AccountAddresses []string `json:"accountAddresses"`
	WebhookType      string   `json:"webhookType"`
	AuthHeader       string   `json:"authHeader,omitempty"`
}

// HistoryOptions pages backwards through an address's history.
type HistoryOptions struct {
	Before string
	Limit  int
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      CredentialSource
	logger     *slog.Logger
}

func NewClient(baseURL string, creds CredentialSource, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		logger:     logger.With("component", "provider_client"),
	}
}

var _ API = (*Client)(nil)

func (c *Client) CreateWebhook(ctx context.Context, req CreateWebhookRequest) (*Webhook, error) {
	var out Webhook
	if err := c.do(ctx, "create_webhook", http.MethodPost, "/v0/webhooks", nil, req, &out); err != nil {
		return nil, err
	}
	if out.WebhookID == "" {
		return nil, fmt.Errorf("provider create_webhook: response missing webhookID")
	}
	return &out, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	return c.do(ctx, "delete_webhook", http.MethodDelete, "/v0/webhooks/"+url.PathEscape(webhookID), nil, nil, nil)
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out []Webhook
	if err := c.do(ctx, "list_webhooks", http.MethodGet, "/v0/webhooks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAddressTransactions(ctx context.Context, address string, opts HistoryOptions) ([]json.RawMessage, error) {
	q := url.Values{}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out []json.RawMessage
	path := "/v0/addresses/" + url.PathEscape(address) + "/transactions"
	if err := c.do(ctx, "get_address_transactions", http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	apiKey, err := c.creds.APIKey(ctx)
	if err != nil {
		return fmt.Errorf("provider %s: resolve credentials: %w", op, err)
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-key", apiKey)

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("provider %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query.Encode(), body)
	if err != nil {
		return fmt.Errorf("provider %s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: http request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("provider %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Operation: op, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("provider %s: unmarshal response: %w", op, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
