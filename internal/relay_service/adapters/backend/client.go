// Package backend is the HTTP client for the business backend: the system of
// record for business accounts and the destination for normalized inbound
// message events.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/commshub/telegram-relay/internal/relay_service/domain"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient, logger: logger}
}

// GetBusinessAccountByRoutingKey resolves the account behind a webhook path
// segment. Returns domain.ErrUnknownBusinessAccount when the backend has no
// such account or it is inactive.
func (c *Client) GetBusinessAccountByRoutingKey(ctx context.Context, routingKey string) (*domain.BusinessAccount, error) {
	endpoint := fmt.Sprintf("%s/internal/business_accounts/by_routing_key/%s", c.baseURL, url.PathEscape(routingKey))

	var account domain.BusinessAccount
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &account); err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, domain.ErrUnknownBusinessAccount
	}
	return &account, nil
}

// GetBusinessAccountByID fetches one account by its backend identifier.
func (c *Client) GetBusinessAccountByID(ctx context.Context, id string) (*domain.BusinessAccount, error) {
	endpoint := fmt.Sprintf("%s/internal/business_accounts/%s", c.baseURL, url.PathEscape(id))

	var account domain.BusinessAccount
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetBusinessAccountsByOwner lists the accounts an authenticated caller may
// dispatch for, keyed by the caller's token subject.
func (c *Client) GetBusinessAccountsByOwner(ctx context.Context, subject string) ([]domain.BusinessAccount, error) {
	endpoint := fmt.Sprintf("%s/internal/business_accounts/by_owner/%s", c.baseURL, url.PathEscape(subject))

	var accounts []domain.BusinessAccount
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// ForwardInboundEvent pushes a normalized customer message to the backend.
func (c *Client) ForwardInboundEvent(ctx context.Context, event *domain.InboundMessageEvent) error {
	endpoint := c.baseURL + "/internal/telegram_messages"
	return c.doJSON(ctx, http.MethodPost, endpoint, event, nil)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrUnknownBusinessAccount
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.ErrorContext(ctx, "Backend request failed",
			"method", method, "endpoint", endpoint, "status", resp.StatusCode, "body", string(raw))
		return fmt.Errorf("%w: backend returned %d", domain.ErrDownstreamUnavailable, resp.StatusCode)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode backend response: %w", err)
		}
	}
	return nil
}
