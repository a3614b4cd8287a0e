package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.telegram.org"

// Sleeper abstracts backoff waits so tests don't sleep for real.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options configures the delivery client. Zero values fall back to sane
// defaults in NewClient.
type Options struct {
	BaseURL        string
	MaxAttempts    int
	RetryBaseWait  time.Duration
	RetryMaxWait   time.Duration
	RequestTimeout time.Duration
	PerBotRPS      float64
	PerBotBurst    int
	HTTPClient     *http.Client
	Sleeper        Sleeper
}

// DeliveryResult reports a successful send.
type DeliveryResult struct {
	MessageID int64
	Attempts  int
}

// Client talks to the Telegram Bot API on behalf of many bots. Rate limiting
// is keyed per bot token because each business account carries its own bot,
// and Telegram enforces limits per bot.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	maxAttempts int
	baseWait    time.Duration
	maxWait     time.Duration
	sleeper     Sleeper
	breaker     *gobreaker.CircuitBreaker[*apiResponse]

	perBotRPS   rate.Limit
	perBotBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	paused   map[string]time.Time
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.RetryBaseWait <= 0 {
		opts.RetryBaseWait = 500 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.PerBotRPS <= 0 {
		opts.PerBotRPS = 25
	}
	if opts.PerBotBurst <= 0 {
		opts.PerBotBurst = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	if opts.Sleeper == nil {
		opts.Sleeper = realSleeper{}
	}

	breaker := gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        "telegram-api",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Permanent API rejections are the caller's problem, not a sign
			// the API itself is down.
			if err == nil || IsPermanent(err) {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL:     opts.BaseURL,
		httpClient:  opts.HTTPClient,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		baseWait:    opts.RetryBaseWait,
		maxWait:     opts.RetryMaxWait,
		sleeper:     opts.Sleeper,
		breaker:     breaker,
		perBotRPS:   rate.Limit(opts.PerBotRPS),
		perBotBurst: opts.PerBotBurst,
		limiters:    make(map[string]*rate.Limiter),
		paused:      make(map[string]time.Time),
	}
}

func (c *Client) limiterFor(botToken string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[botToken]
	if !ok {
		lim = rate.NewLimiter(c.perBotRPS, c.perBotBurst)
		c.limiters[botToken] = lim
	}
	return lim
}

// pauseFor returns how long the bot is still inside a retry_after window.
// Expired entries are dropped on the way out.
func (c *Client) pauseFor(botToken string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.paused[botToken]
	if !ok {
		return 0
	}
	d := time.Until(until)
	if d <= 0 {
		delete(c.paused, botToken)
		return 0
	}
	return d
}

// recordRateLimit pauses ALL traffic for the bot when Telegram answered 429
// with a retry_after hint, so concurrent and subsequent sends on the same
// credential do not fire into the known rate-limit window.
func (c *Client) recordRateLimit(botToken string, err error) {
	after, ok := RateLimitedError(err)
	if !ok || after <= 0 {
		return
	}
	until := time.Now().Add(after)
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.paused[botToken]; !ok || until.After(current) {
		c.paused[botToken] = until
	}
}

// waitForBot blocks until the bot is outside any retry_after window and has a
// rate-limiter slot.
func (c *Client) waitForBot(ctx context.Context, botToken string) error {
	if d := c.pauseFor(botToken); d > 0 {
		if err := c.sleeper.Sleep(ctx, d); err != nil {
			return err
		}
	}
	return c.limiterFor(botToken).Wait(ctx)
}

// SendMessage delivers text to a chat, retrying transient failures with
// exponential backoff and honoring Telegram's retry_after hint on 429.
func (c *Client) SendMessage(ctx context.Context, botToken string, chatID int64, text string) (*DeliveryResult, error) {
	payload := sendMessageRequest{ChatID: chatID, Text: text}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.waitForBot(ctx, botToken); err != nil {
			return nil, err
		}

		resp, err := c.breaker.Execute(func() (*apiResponse, error) {
			return c.call(ctx, botToken, "sendMessage", payload)
		})
		if err == nil {
			var msg Message
			if err := json.Unmarshal(resp.Result, &msg); err != nil {
				return nil, fmt.Errorf("failed to decode sendMessage result: %w", err)
			}
			return &DeliveryResult{MessageID: msg.MessageID, Attempts: attempt}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &DeliveryError{Attempts: attempt - 1, Err: fmt.Errorf("%w: %w", ErrCircuitOpen, err)}
		}
		c.recordRateLimit(botToken, err)
		if IsPermanent(err) {
			return nil, &DeliveryError{Attempts: attempt, Err: err}
		}

		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		if after, ok := RateLimitedError(err); ok && after > 0 {
			// The pause recorded above gates the next attempt; sleeping here
			// too would serve the window twice.
			c.logger.WarnContext(ctx, "Rate limited, deferring to retry_after window",
				"attempt", attempt, "retry_after", after)
			continue
		}
		wait := c.backoff(attempt)
		c.logger.WarnContext(ctx, "Transient delivery failure, retrying",
			"attempt", attempt, "wait", wait, "error", err)
		if err := c.sleeper.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, &DeliveryError{
		Attempts: c.maxAttempts,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, c.maxAttempts, lastErr),
	}
}

// GetFileURL resolves a file id to a fully qualified download URL. A single
// call, no retry loop: the forwarder already re-runs on its own schedule.
func (c *Client) GetFileURL(ctx context.Context, botToken, fileID string) (string, error) {
	if err := c.waitForBot(ctx, botToken); err != nil {
		return "", err
	}

	resp, err := c.breaker.Execute(func() (*apiResponse, error) {
		return c.call(ctx, botToken, "getFile", getFileRequest{FileID: fileID})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		c.recordRateLimit(botToken, err)
		return "", err
	}
	var f File
	if err := json.Unmarshal(resp.Result, &f); err != nil {
		return "", fmt.Errorf("failed to decode getFile result: %w", err)
	}
	if f.FilePath == "" {
		return "", &APIError{Method: "getFile", Code: 404, Description: "file path missing in response"}
	}
	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, botToken, f.FilePath), nil
}

// backoff grows exponentially with jitter. Rate-limit hints never reach it;
// they are served by the per-bot pause window instead.
func (c *Client) backoff(attempt int) time.Duration {
	wait := c.baseWait << (attempt - 1)
	if wait > c.maxWait {
		wait = c.maxWait
	}
	jitter := time.Duration(rand.Int63n(int64(wait)/4 + 1))
	return wait + jitter
}

func (c *Client) call(ctx context.Context, botToken, method string, body any) (*apiResponse, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Non-JSON body from a proxy or gateway; classify by status code.
		return nil, &APIError{Method: method, Code: httpResp.StatusCode, Description: "malformed response body"}
	}
	if !resp.OK {
		apiErr := &APIError{Method: method, Code: resp.ErrorCode, Description: resp.Description}
		if apiErr.Code == 0 {
			apiErr.Code = httpResp.StatusCode
		}
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		} else if apiErr.Code == 429 {
			if secs, err := strconv.Atoi(httpResp.Header.Get("Retry-After")); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, apiErr
	}
	return &resp, nil
}
