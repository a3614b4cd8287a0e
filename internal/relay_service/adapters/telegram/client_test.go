package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestClient(t *testing.T, serverURL string, sleeper Sleeper) *Client {
	t.Helper()
	return NewClient(Options{
		BaseURL:       serverURL,
		MaxAttempts:   3,
		RetryBaseWait: 10 * time.Millisecond,
		RetryMaxWait:  100 * time.Millisecond,
		PerBotRPS:     1000,
		PerBotBurst:   1000,
		Sleeper:       sleeper,
	}, slog.Default())
}

func TestSendMessage_Success(t *testing.T) {
	var gotPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"chat":{"id":100}}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &recordingSleeper{})
	res, err := client.SendMessage(context.Background(), "bot-token-1", 100, "hello")

	require.NoError(t, err)
	assert.Equal(t, int64(42), res.MessageID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "/botbot-token-1/sendMessage", gotPath.Load())
}

func TestSendMessage_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &recordingSleeper{})
	_, err := client.SendMessage(context.Background(), "tok", 100, "hello")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)
	assert.False(t, apiErr.IsRetryable())
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessage_RetryAfterHonored(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"chat":{"id":100}}}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(t, server.URL, sleeper)
	res, err := client.SendMessage(context.Background(), "tok", 100, "hello")

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, sleeper.waits, 1)
	assert.InDelta(t, float64(7*time.Second), float64(sleeper.waits[0]), float64(100*time.Millisecond))
}

func TestSendMessage_RateLimitWindowSpansRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":9,"chat":{"id":100}}}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(t, server.URL, sleeper)

	_, err := client.SendMessage(context.Background(), "tok", 100, "first")
	require.ErrorIs(t, err, ErrMaxRetries)
	require.Len(t, sleeper.waits, 2)

	// The advertised window must gate the NEXT send on the same credential,
	// not just the retries inside the first one.
	res, err := client.SendMessage(context.Background(), "tok", 100, "second")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, sleeper.waits, 3)
	assert.Greater(t, sleeper.waits[2], 2500*time.Millisecond)
	assert.LessOrEqual(t, sleeper.waits[2], 3*time.Second)
}

func TestSendMessage_RateLimitWindowScopedToCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "limited-tok") {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":9,"chat":{"id":100}}}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(t, server.URL, sleeper)

	_, err := client.SendMessage(context.Background(), "limited-tok", 100, "hello")
	require.ErrorIs(t, err, ErrMaxRetries)
	paused := len(sleeper.waits)

	res, err := client.SendMessage(context.Background(), "other-tok", 100, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, sleeper.waits, paused)
}

func TestGetFileURL_HonorsRateLimitWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"file_id":"abc","file_path":"photos/file_1.jpg"}}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(t, server.URL, sleeper)

	_, err := client.SendMessage(context.Background(), "tok", 100, "hello")
	require.ErrorIs(t, err, ErrMaxRetries)
	beforeGetFile := len(sleeper.waits)

	url, err := client.GetFileURL(context.Background(), "tok", "abc")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/file/bottok/photos/file_1.jpg", url)
	require.Len(t, sleeper.waits, beforeGetFile+1)
	assert.Greater(t, sleeper.waits[beforeGetFile], 2500*time.Millisecond)
}

func TestSendMessage_FailureCarriesAttemptCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &recordingSleeper{})
	_, err := client.SendMessage(context.Background(), "tok", 100, "hello")

	require.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, 3, DeliveryAttempts(err))
}

func TestSendMessage_PermanentFailureCarriesAttemptCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &recordingSleeper{})
	_, err := client.SendMessage(context.Background(), "tok", 100, "hello")

	require.True(t, IsPermanent(err))
	assert.Equal(t, 1, DeliveryAttempts(err))
}

func TestSendMessage_ServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(t, server.URL, sleeper)
	_, err := client.SendMessage(context.Background(), "tok", 100, "hello")

	require.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, sleeper.waits, 2)
}

func TestSendMessage_RateLimitedErrorSurfacesHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &recordingSleeper{})
	_, err := client.SendMessage(context.Background(), "tok", 100, "hello")

	require.ErrorIs(t, err, ErrMaxRetries)
	after, ok := RateLimitedError(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, after)
}

func TestSendMessage_TransportErrorRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from the start

	client := newTestClient(t, server.URL, &recordingSleeper{})
	_, err := client.SendMessage(context.Background(), "tok", 100, "hello")

	require.ErrorIs(t, err, ErrMaxRetries)
	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestGetFileURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botsecret-tok/getFile", r.URL.Path)
		fmt.Fprint(w, `{"ok":true,"result":{"file_id":"abc","file_path":"photos/file_1.jpg"}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, &recordingSleeper{})
	url, err := client.GetFileURL(context.Background(), "secret-tok", "abc")

	require.NoError(t, err)
	assert.Equal(t, server.URL+"/file/botsecret-tok/photos/file_1.jpg", url)
}

func TestAPIError_Classification(t *testing.T) {
	assert.True(t, (&APIError{Code: 429}).IsRetryable())
	assert.True(t, (&APIError{Code: 500}).IsRetryable())
	assert.True(t, (&APIError{Code: 503}).IsRetryable())
	assert.False(t, (&APIError{Code: 400}).IsRetryable())
	assert.False(t, (&APIError{Code: 403}).IsRetryable())
}
