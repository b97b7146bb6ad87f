// Package storage keeps uploaded file contents outside the database.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"tabesh/internal/config"
	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

var (
	ErrNotFound    = fmt.Errorf("%w: blob", utils.ErrNotFound)
	ErrInvalidPath = fmt.Errorf("%w: invalid storage path", utils.ErrValidation)
)

// BlobStore stores file contents under slash-separated relative paths.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// CleanKey normalizes key and rejects absolute paths and any path that
// climbs out of the store root.
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// New builds the store selected by STORAGE_BACKEND.
func New(cfg config.UploadConfig, log *logger.Logger) (BlobStore, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalStore(cfg.Dir)
	case "supabase":
		return NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket, log), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
