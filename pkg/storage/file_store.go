package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps objects on the local disk under a base directory.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

// Put writes an object and returns a file:// URL for it. The previous
// object under key is replaced only once the new one is fully written.
func (f *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	target, err := f.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	out, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(out.Name(), target); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("commit file: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

// Get reads a whole object.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	target, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return bytes.Clone(data), nil
}

// Size returns the byte size of an object.
func (f *FileStore) Size(_ context.Context, key string) (int64, error) {
	target, err := f.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrObjectNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Delete removes an object; a missing object is not an error.
func (f *FileStore) Delete(_ context.Context, key string) error {
	target, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// KeyFromURL maps a file:// URL produced by Put back to its key.
func (f *FileStore) KeyFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse object url: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrObjectNotFound, u.Scheme)
	}
	rel, err := filepath.Rel(f.basePath, filepath.FromSlash(u.Path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s is outside the store", ErrObjectNotFound, rawURL)
	}
	return filepath.ToSlash(rel), nil
}

func (f *FileStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(key)))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(f.basePath, clean), nil
}
