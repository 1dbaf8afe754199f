// Package objectstore gives the cover consumer somewhere real to write
// cover bytes to. No S3/R2/GCS SDK appears anywhere in the retrieved
// pack (grep of every go.mod in _examples turns up nothing), so rather
// than fabricate a client against an API this repo has no grounding for,
// this is a small stdlib-`os`-backed local filesystem store: same
// key/URL shape consume.CoverConsumer expects (`isbn/{isbn}/original`),
// swappable for a real R2/S3 client at the edge without touching
// internal/consume.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Local implements consume.CoverObjectStore against a directory on disk.
// BaseURL is prefixed onto keys to form the "url" PutEdition stores
// against enriched_editions.cover_original, mirroring how the teacher's
// layered cache returns a fully-qualified URL rather than a bare key.
type Local struct {
	Dir     string
	BaseURL string
}

// New creates the backing directory if absent.
func New(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store dir: %w", err)
	}
	return &Local{Dir: dir, BaseURL: baseURL}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(key))
}

// Exists implements consume.CoverObjectStore.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Upload implements consume.CoverObjectStore.
func (l *Local) Upload(ctx context.Context, key string, contentType string, body []byte) (string, error) {
	dst := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating object dir: %w", err)
	}
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", fmt.Errorf("writing object %s: %w", key, err)
	}
	return l.BaseURL + "/" + key, nil
}
