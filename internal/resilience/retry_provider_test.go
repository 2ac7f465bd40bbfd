package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buildforge/internal/provider"
	"github.com/sells-group/buildforge/internal/resilience"
)

func executorRetry(id string) resilience.RetryConfig {
	cfg := resilience.FromRetryConfig(3, 1, 5, 0, -1)
	cfg.ShouldRetry = provider.IsRetryable(id)
	return cfg
}

func TestDoVal_ProviderErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"transient retried on same provider", &provider.Error{Provider: "a", Kind: provider.KindTransient, StatusCode: 503, Err: errors.New("unavailable")}, 3},
		{"rate limit returns for failover", &provider.Error{Provider: "a", Kind: provider.KindRateLimited, RetryAfter: 192 * time.Second, Err: errors.New("429")}, 1},
		{"fatal returns immediately", &provider.Error{Provider: "a", Kind: provider.KindFatal, StatusCode: 401, Err: errors.New("bad key")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := resilience.DoVal(context.Background(), executorRetry("a"), func(context.Context) (string, error) {
				calls++
				return "", tt.err
			})
			var pe *provider.Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDoVal_RecoversAfterTransientProviderError(t *testing.T) {
	calls := 0
	got, err := resilience.DoVal(context.Background(), executorRetry("b"), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &provider.Error{Provider: "b", Kind: provider.KindTransient, StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}
