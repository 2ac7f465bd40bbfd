package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buildforge/internal/config"
	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/progress"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&mockLister{}, nil)
	alerter := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
	})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(&mockLister{}, nil)
	alerter := NewAlerter(config.MonitoringConfig{})

	checker := NewChecker(collector, alerter, config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stater := &mockStater{states: []model.ProviderState{{ID: "a"}, {ID: "b"}}}
	lister := &mockLister{jobs: []*progress.Snapshot{
		{JobID: "x", Status: model.JobStatusApproved, CreatedAt: time.Now()},
	}}
	cfg := config.MonitoringConfig{
		WebhookURL:           srv.URL,
		FailureRateThreshold: 0.5,
		LookbackWindowHours:  24,
	}
	checker := NewChecker(NewCollector(lister, stater), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertProvidersExhausted, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
	assert.Len(t, checker.LastAlerts(), 1)
}

func TestChecker_CheckCollectError(t *testing.T) {
	lister := &mockLister{listErr: assert.AnError}
	checker := NewChecker(NewCollector(lister, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	assert.Nil(t, checker.Check(context.Background()))
	assert.Empty(t, checker.LastAlerts())
}
