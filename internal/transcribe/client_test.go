package transcribe_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/transcribe"
)

func TestHTTPClientLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transcriptions":
			var req transcribe.Request
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "https://cdn.example.com/a.wav", req.AudioURL)
			json.NewEncoder(w).Encode(map[string]string{"job_id": "ext-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transcriptions/ext-1":
			json.NewEncoder(w).Encode(transcribe.StatusReport{Status: transcribe.StatusTranscribing, Progress: 60})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transcriptions/ext-1/result":
			json.NewEncoder(w).Encode(transcribe.Result{Text: "hello"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := transcribe.NewHTTPClient(transcribe.Config{BaseURL: server.URL + "/", APIKey: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := client.Submit(ctx, transcribe.Request{ReferenceID: "job-1", AudioURL: "https://cdn.example.com/a.wav"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", sub.ExternalID)

	report, err := client.PollStatus(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, transcribe.StatusTranscribing, report.Status)
	assert.Equal(t, 60, report.Progress)

	result, err := client.FetchResult(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "ext-1", result.ExternalID)

	_, err = client.PollStatus(ctx, "missing")
	assert.ErrorIs(t, err, transcribe.ErrNotFound)
}

func TestHTTPClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		header map[string]string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, map[string]string{"Retry-After": "7"}, transcribe.ErrRateLimited},
		{"payment required", http.StatusPaymentRequired, `{}`, nil, transcribe.ErrQuotaExceeded},
		{"forbidden quota", http.StatusForbidden, `{"code":"quota_exceeded"}`, nil, transcribe.ErrQuotaExceeded},
		{"forbidden", http.StatusForbidden, `{"code":"bad_key"}`, nil, transcribe.ErrUnauthorized},
		{"server error", http.StatusBadGateway, ``, nil, transcribe.ErrUnavailable},
		{"bad request", http.StatusUnprocessableEntity, `{"error":"unsupported codec"}`, nil, transcribe.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := transcribe.NewHTTPClient(transcribe.Config{BaseURL: server.URL})
			require.NoError(t, err)

			_, err = client.PollStatus(context.Background(), "x")
			assert.ErrorIs(t, err, tt.want)

			var apiErr *transcribe.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
				assert.Equal(t, "slow down", apiErr.Message)
			}
		})
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	client, err := transcribe.NewHTTPClient(transcribe.Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)
	_, err = client.Submit(context.Background(), transcribe.Request{AudioURL: "a"})
	assert.ErrorIs(t, err, transcribe.ErrUnavailable)

	_, err = client.Submit(context.Background(), transcribe.Request{})
	assert.ErrorIs(t, err, transcribe.ErrInvalidRequest)
}

func TestSimulator(t *testing.T) {
	sim := transcribe.NewSimulator()
	ctx := context.Background()

	sub, err := sim.Submit(ctx, transcribe.Request{AudioURL: "a.wav"})
	require.NoError(t, err)

	_, err = sim.FetchResult(ctx, sub.ExternalID)
	assert.ErrorIs(t, err, transcribe.ErrInvalidRequest)

	var statuses []transcribe.Status
	for {
		report, err := sim.PollStatus(ctx, sub.ExternalID)
		require.NoError(t, err)
		statuses = append(statuses, report.Status)
		if report.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, []transcribe.Status{
		transcribe.StatusProcessing,
		transcribe.StatusTranscribing,
		transcribe.StatusFinalizing,
		transcribe.StatusCompleted,
	}, statuses)

	result, err := sim.FetchResult(ctx, sub.ExternalID)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "a.wav")

	sim.FailAudio("bad.wav", "unsupported codec")
	sub, err = sim.Submit(ctx, transcribe.Request{AudioURL: "bad.wav"})
	require.NoError(t, err)
	_, _ = sim.PollStatus(ctx, sub.ExternalID)
	report, err := sim.PollStatus(ctx, sub.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, transcribe.StatusFailed, report.Status)
	assert.Equal(t, "unsupported codec", report.Error)
}
