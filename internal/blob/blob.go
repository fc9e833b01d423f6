// Package blob persists generated artifacts and returns their public URLs.
package blob

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store persists one object and returns a URL clients can fetch it from.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ObjectKey builds "<prefix>/<jobID>/<name><ext>" with the extension taken
// from contentType.
func ObjectKey(prefix, jobID, name, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	switch contentType {
	case "video/mp4":
		ext = ".mp4"
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	}
	return path.Join(prefix, jobID, name+ext)
}

// LocalStore writes objects below a directory, for development.
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, publicBaseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" {
		return "", fmt.Errorf("invalid object key %q", key)
	}

	target := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("write object %s: %w", clean, err)
	}

	if s.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
	}
	return s.baseURL + "/" + clean, nil
}
