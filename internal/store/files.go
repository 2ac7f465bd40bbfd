package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buildforge/internal/model"
)

// FilePersister keeps one JSON file per provider in a directory. Each file
// holds {"<provider_id>": {"reset_at": ..., "marked_at": ...}} and is
// replaced atomically.
type FilePersister struct {
	dir string
	mu  sync.Mutex
}

// NewFilePersister creates the directory if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "files: create dir %s", dir)
	}
	return &FilePersister{dir: dir}, nil
}

func (p *FilePersister) path(providerID string) (string, error) {
	if providerID == "" || strings.ContainsAny(providerID, `/\`) || strings.HasPrefix(providerID, ".") {
		return "", eris.Errorf("files: invalid provider id %q", providerID)
	}
	return filepath.Join(p.dir, providerID+".json"), nil
}

// SaveRateLimit writes rec unless the file already holds a later reset time.
func (p *FilePersister) SaveRateLimit(_ context.Context, rec model.RateLimitRecord) error {
	path, err := p.path(rec.ProviderID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, err := readRecordFile(path); err == nil {
		if cur, ok := existing[rec.ProviderID]; ok && !rec.ResetAt.After(cur.ResetAt) {
			return nil
		}
	}

	doc := map[string]model.RateLimitRecord{rec.ProviderID: {
		ResetAt:  rec.ResetAt.UTC(),
		MarkedAt: rec.MarkedAt.UTC(),
	}}
	return writeJSONAtomic(path, doc)
}

// LoadRateLimits reads every provider file in the directory. Unreadable
// files are skipped.
func (p *FilePersister) LoadRateLimits(_ context.Context) ([]model.RateLimitRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(p.dir, "*.json"))
	if err != nil {
		return nil, eris.Wrap(err, "files: list")
	}
	sort.Strings(matches)

	var out []model.RateLimitRecord
	for _, path := range matches {
		doc, err := readRecordFile(path)
		if err != nil {
			continue
		}
		for id, rec := range doc {
			rec.ProviderID = id
			out = append(out, rec)
		}
	}
	return out, nil
}

func readRecordFile(path string) (map[string]model.RateLimitRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]model.RateLimitRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "files: decode %s", path)
	}
	return doc, nil
}

// writeJSONAtomic writes v to a temp file in the target directory, syncs
// it, and renames it over path.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrap(err, "files: marshal")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return eris.Wrap(err, "files: create temp")
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) } //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrap(err, "files: write temp")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		cleanup()
		return eris.Wrap(err, "files: sync temp")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrap(err, "files: close temp")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return eris.Wrap(err, "files: rename")
	}
	return nil
}
