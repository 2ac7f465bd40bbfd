package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buildforge/internal/model"
)

func TestFilePersister_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	require.NoError(t, err)
	ctx := context.Background()

	marked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reset := marked.Add(192 * time.Second)
	require.NoError(t, p.SaveRateLimit(ctx, model.RateLimitRecord{ProviderID: "a", ResetAt: reset, MarkedAt: marked}))

	// A fresh persister over the same directory sees the record.
	p2, err := NewFilePersister(dir)
	require.NoError(t, err)
	recs, err := p2.LoadRateLimits(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ProviderID)
	assert.True(t, reset.Equal(recs[0].ResetAt))
}

func TestFilePersister_FileFormat(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	require.NoError(t, err)

	marked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.SaveRateLimit(context.Background(), model.RateLimitRecord{
		ProviderID: "openai", ResetAt: marked.Add(time.Minute), MarkedAt: marked,
	}))

	data, err := os.ReadFile(filepath.Join(dir, "openai.json"))
	require.NoError(t, err)

	var doc map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "2026-03-01T12:01:00Z", doc["openai"]["reset_at"])
	assert.Equal(t, "2026-03-01T12:00:00Z", doc["openai"]["marked_at"])

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFilePersister_KeepsLaterReset(t *testing.T) {
	p, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, p.SaveRateLimit(ctx, model.RateLimitRecord{ProviderID: "a", ResetAt: now.Add(time.Hour), MarkedAt: now}))
	require.NoError(t, p.SaveRateLimit(ctx, model.RateLimitRecord{ProviderID: "a", ResetAt: now.Add(time.Minute), MarkedAt: now}))

	recs, err := p.LoadRateLimits(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, now.Add(time.Hour).Equal(recs[0].ResetAt))
}

func TestFilePersister_SkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.SaveRateLimit(context.Background(), model.RateLimitRecord{ProviderID: "a", ResetAt: now, MarkedAt: now}))

	recs, err := p.LoadRateLimits(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ProviderID)
}

func TestFilePersister_RejectsPathLikeIDs(t *testing.T) {
	p, err := NewFilePersister(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		err := p.SaveRateLimit(context.Background(), model.RateLimitRecord{ProviderID: id})
		assert.Error(t, err, id)
	}
}
