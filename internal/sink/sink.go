// Package sink delivers approved build artifacts.
package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Artifact is an approved build output.
type Artifact struct {
	JobID    string         `json:"job_id"`
	Code     string         `json:"code"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sink receives approved artifacts.
type Sink interface {
	Deliver(ctx context.Context, a Artifact) error
}

// LogSink logs each delivery. It is the default when no sink is configured.
type LogSink struct{}

// Deliver implements Sink.
func (LogSink) Deliver(_ context.Context, a Artifact) error {
	zap.L().Info("sink: artifact delivered",
		zap.String("job_id", a.JobID),
		zap.Int("code_bytes", len(a.Code)),
		zap.Any("metadata", a.Metadata),
	)
	return nil
}

// FileSink writes each artifact to <dir>/<job_id>.json.
type FileSink struct {
	dir string
}

// NewFileSink creates a FileSink, creating dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "sink: create dir %s", dir)
	}
	return &FileSink{dir: dir}, nil
}

// Deliver implements Sink. The file is written atomically.
func (s *FileSink) Deliver(_ context.Context, a Artifact) error {
	if a.JobID == "" || strings.ContainsAny(a.JobID, `/\`) || strings.HasPrefix(a.JobID, ".") {
		return eris.Errorf("sink: invalid job id %q", a.JobID)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sink: marshal artifact")
	}

	tmp, err := os.CreateTemp(s.dir, ".artifact-*")
	if err != nil {
		return eris.Wrap(err, "sink: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return eris.Wrap(err, "sink: write artifact")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "sink: close artifact")
	}
	path := filepath.Join(s.dir, a.JobID+".json")
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrap(err, "sink: rename artifact")
	}
	return nil
}
