package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/flowjobs/config"
	"github.com/calyptra/flowjobs/internal/httpclient"
)

func testNotifier(cfg config.WebhookConfig) *Notifier {
	return NewNotifierWithClient(cfg, httpclient.WrapClient(&http.Client{}), zap.NewNop().Sugar())
}

func TestSendDisabledReturnsFalse(t *testing.T) {
	n := testNotifier(config.WebhookConfig{Enabled: false, URL: "http://example.com"})
	assert.False(t, n.Send(context.Background(), JobData{ID: "j1"}))

	n = testNotifier(config.WebhookConfig{Enabled: true, URL: ""})
	assert.False(t, n.Send(context.Background(), JobData{ID: "j1"}))
}

func TestSendDeliversPayloadAndHeaders(t *testing.T) {
	var got JobData
	var gotSecret, gotAgent, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Webhook-Secret")
		gotAgent = r.Header.Get("User-Agent")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(config.WebhookConfig{
		Enabled:   true,
		URL:       srv.URL,
		Secret:    "hush",
		UserAgent: "flowjobs/1.0",
		Retries:   3,
	})

	ok := n.Send(context.Background(), JobData{
		ID:     "job-1",
		Status: "COMPLETED",
		Result: json.RawMessage(`{"n":1}`),
		Name:   "echo",
		FlowID: "flow-1",
		UserID: "alice",
	})

	assert.True(t, ok)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "COMPLETED", got.Status)
	assert.Equal(t, "echo", got.Name)
	assert.Equal(t, "hush", gotSecret)
	assert.Equal(t, "flowjobs/1.0", gotAgent)
	assert.Equal(t, "application/json", gotContentType)
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL, Retries: 3})

	assert.True(t, n.Send(context.Background(), JobData{ID: "flaky"}))
	assert.Equal(t, int64(3), calls.Load())
}

func TestSendExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := testNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL, Retries: 3})

	assert.False(t, n.Send(context.Background(), JobData{ID: "hopeless"}))
	assert.Equal(t, int64(3), calls.Load())
}

func TestSendTransportErrorRetried(t *testing.T) {
	// Point at a server that was shut down so every dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	n := testNotifier(config.WebhookConfig{Enabled: true, URL: url, Retries: 2})
	assert.False(t, n.Send(context.Background(), JobData{ID: "unreachable"}))
}

func TestSendCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := testNotifier(config.WebhookConfig{Enabled: true, URL: srv.URL, Retries: 3})
	assert.False(t, n.Send(ctx, JobData{ID: "cancelled"}))
}
