// Package storage is the HTTP client for the media storage collaborator. The
// relay never persists attachment bytes itself; it hands Telegram's temporary
// download URL to storage and records the durable URL it gets back.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

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

type storeRequest struct {
	SourceURL string `json:"source_url"`
	FileName  string `json:"file_name,omitempty"`
}

type storeResponse struct {
	URL string `json:"url"`
}

// Store asks the storage service to fetch sourceURL and persist it, returning
// the durable URL.
func (c *Client) Store(ctx context.Context, sourceURL, fileName string) (string, error) {
	buf, err := json.Marshal(storeRequest{SourceURL: sourceURL, FileName: fileName})
	if err != nil {
		return "", fmt.Errorf("failed to marshal store request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/files", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.ErrorContext(ctx, "Storage request failed", "status", resp.StatusCode, "body", string(raw))
		return "", fmt.Errorf("%w: storage returned %d", domain.ErrDownstreamUnavailable, resp.StatusCode)
	}

	var out storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode storage response: %w", err)
	}
	return out.URL, nil
}
