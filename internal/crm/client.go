// Package crm pushes extracted contact data to a CRM webhook.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"inboxbot/internal/domain"
)

const (
	defaultMaxRetries = 3
	maxResponseBody   = 4 << 10
)

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// Config configures the CRM client.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	// InitialBackoff is the first retry delay; it doubles with jitter.
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

// Client posts a domain.Contact as JSON to the configured URL.
type Client struct {
	url        string
	apiKey     string
	client     *http.Client
	maxRetries int
	initial    time.Duration
	logger     *slog.Logger
}

// New returns a client, or nil when no URL is configured.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		return nil
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		client:     cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		initial:    cfg.InitialBackoff,
		logger:     cfg.Logger,
	}
}

var _ domain.CRMSync = (*Client)(nil)

// SyncContact upserts the contact. Network failures, 5xx and 429 are
// retried with exponential backoff; other 4xx fail immediately.
func (c *Client) SyncContact(ctx context.Context, contact domain.Contact) error {
	payload, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("marshal contact: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return &retryableError{statusCode: resp.StatusCode, body: string(body)}
		default:
			return backoff.Permanent(fmt.Errorf("crm rejected contact: HTTP %d: %s", resp.StatusCode, string(body)))
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initial
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx)

	err = backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		c.logger.Warn("crm request failed, will retry", "attempt", attempt, "backoff", wait, "err", err)
	})
	if err != nil {
		return fmt.Errorf("crm sync after %d attempts: %w", attempt, err)
	}
	return nil
}
