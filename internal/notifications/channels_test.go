package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCompletion() *Completion {
	return &Completion{
		SiteID:           "site-1",
		URL:              "http://example.com",
		TaskType:         "crawl",
		Status:           "completed",
		Outcome:          "completed_successfully",
		Message:          "42 pages",
		Details:          json.RawMessage(`{"pages":42}`),
		WorkerIdentifier: "crawler-a",
		FinishedAt:       time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCallbackChannel_PostsJSON(t *testing.T) {
	t.Parallel()

	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch := NewCallbackChannel(server.URL, server.Client())
	require.NoError(t, ch.Deliver(context.Background(), sampleCompletion()))

	assert.Equal(t, "site-1", got["site_id"])
	assert.Equal(t, "completed_successfully", got["outcome"])
	assert.Equal(t, "crawler-a", got["worker_identifier"])
	assert.Equal(t, map[string]any{"pages": float64(42)}, got["details"])
	assert.NotContains(t, got, "CallbackURL")
}

func TestCallbackChannel_TaskTypeURLWins(t *testing.T) {
	t.Parallel()

	hits := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path
	}))
	defer server.Close()

	ch := NewCallbackChannel(server.URL+"/default", server.Client())
	n := sampleCompletion()
	n.CallbackURL = server.URL + "/crawl-hook"

	require.NoError(t, ch.Deliver(context.Background(), n))
	assert.Equal(t, "/crawl-hook", <-hits)
}

func TestCallbackChannel_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "gone", status: http.StatusGone, permanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, permanent: false},
		{name: "server error", status: http.StatusBadGateway, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewCallbackChannel(server.URL, server.Client()).Deliver(context.Background(), sampleCompletion())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestCallbackChannel_NoEndpointSkips(t *testing.T) {
	t.Parallel()

	err := NewCallbackChannel("", nil).Deliver(context.Background(), sampleCompletion())
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestSlackChannel_PostsWebhook(t *testing.T) {
	t.Parallel()

	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	ch, err := NewSlackChannel(server.URL)
	require.NoError(t, err)
	ch.client = server.Client()

	require.NoError(t, ch.Deliver(context.Background(), sampleCompletion()))
	assert.Equal(t, "crawl completed_successfully: http://example.com", payload["text"])
	assert.NotEmpty(t, payload["blocks"])
}

func TestSlackChannel_OnlyFailures(t *testing.T) {
	t.Parallel()

	ch, err := NewSlackChannel("https://hooks.slack.example/services/T/B/X")
	require.NoError(t, err)
	ch.OnlyFailures = true

	assert.ErrorIs(t, ch.Deliver(context.Background(), sampleCompletion()), ErrSkipped)
}

func TestNewSlackChannel_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewSlackChannel("")
	assert.Error(t, err)
}

func TestBuildMessageBlocks(t *testing.T) {
	t.Parallel()

	n := sampleCompletion()
	assert.Len(t, buildMessageBlocks(n), 3)

	n.Message = ""
	assert.Len(t, buildMessageBlocks(n), 2)
}
