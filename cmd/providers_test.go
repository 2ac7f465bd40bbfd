package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buildforge/internal/model"
)

func TestFormatProviderStatus(t *testing.T) {
	reset := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	status := map[string]model.ProviderStatus{
		"openai":    {Available: true},
		"anthropic": {Available: false, ResetAt: &reset, SecondsRemaining: 192},
	}

	var buf bytes.Buffer
	formatProviderStatus(&buf, status, map[string]bool{"anthropic": true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "PROVIDER")
	// Sorted by id.
	assert.True(t, strings.HasPrefix(lines[2], "anthropic"))
	assert.Contains(t, lines[2], "false")
	assert.Contains(t, lines[2], "yes")
	assert.Contains(t, lines[2], "2026-03-01T12:05:00Z")
	assert.Contains(t, lines[2], "3m12s")
	assert.True(t, strings.HasPrefix(lines[3], "openai"))
	assert.Contains(t, lines[3], "true")
	assert.Contains(t, lines[3], "no")
}
