// Package filestore keeps generated artifacts (plots, images) on disk,
// grouped per execution request.
package filestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("file not found")

type Store struct {
	root   string
	logger *slog.Logger
}

func New(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// StorePNG decodes base64 image data and writes it under the request's
// directory as output-N.png, N increasing with each stored image.
func (s *Store) StorePNG(requestID string, b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", fmt.Errorf("decode image data: %w", err)
	}

	dir := filepath.Join(s.root, requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create request dir: %w", err)
	}

	existing, err := s.List(requestID)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("output-%d.png", len(existing)+1)

	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return name, nil
}

// List returns the file names stored for a request, sorted. A request with
// no stored files yields an empty list, not an error.
func (s *Store) List(requestID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, requestID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list request files: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Path resolves a stored file, refusing names that escape the request dir.
func (s *Store) Path(requestID, name string) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name: %s", name)
	}
	p := filepath.Join(s.root, requestID, name)
	if _, err := os.Stat(p); err != nil {
		return "", ErrNotFound
	}
	return p, nil
}

// Remove deletes all files stored for a request.
func (s *Store) Remove(requestID string) error {
	return os.RemoveAll(filepath.Join(s.root, requestID))
}

// CleanupOlderThan removes request directories whose contents have not been
// modified within maxAge. Best-effort; failures are logged and skipped.
func (s *Store) CleanupOlderThan(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("file store cleanup scan failed", "error", err)
		}
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.Remove(e.Name()); err != nil {
			if s.logger != nil {
				s.logger.Error("file store cleanup failed", "request_id", e.Name(), "error", err)
			}
			continue
		}
		removed++
	}
	return removed
}
