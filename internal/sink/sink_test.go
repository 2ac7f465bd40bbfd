package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buildforge/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	}
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, LogSink{}.Deliver(context.Background(), Artifact{JobID: "j1", Code: "x"}))
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	s, err := NewFileSink(dir)
	require.NoError(t, err)

	a := Artifact{JobID: "job-1", Code: "package main", Metadata: map[string]any{"provider": "anthropic"}}
	require.NoError(t, s.Deliver(context.Background(), a))

	data, err := os.ReadFile(filepath.Join(dir, "job-1.json"))
	require.NoError(t, err)
	var got Artifact
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "package main", got.Code)
	assert.Equal(t, "anthropic", got.Metadata["provider"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	for _, id := range []string{"", "../escape", ".hidden", `a\b`} {
		assert.Error(t, s.Deliver(context.Background(), Artifact{JobID: id}), id)
	}
}

func TestWebhookSink_Delivers(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, fastRetry())
	require.NoError(t, s.Deliver(context.Background(), Artifact{JobID: "j1", Code: "package main"}))

	var got Artifact
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, "package main", got.Code)
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, fastRetry())
	require.NoError(t, s.Deliver(context.Background(), Artifact{JobID: "j1"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSink_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL, fastRetry())
	err := s.Deliver(context.Background(), Artifact{JobID: "j1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookSink_EmptyURL(t *testing.T) {
	s := NewWebhookSink("", fastRetry())
	assert.Error(t, s.Deliver(context.Background(), Artifact{JobID: "j1"}))
}
