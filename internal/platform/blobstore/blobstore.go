// Package blobstore stores record files under opaque paths in a single
// bucket. The Store interface has an in-memory implementation for tests and
// development and an S3-compatible one for production.
package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("blob not found")
	// ErrExists is returned by Put when the path is already taken. Stores
	// never overwrite.
	ErrExists      = errors.New("blob already exists")
	ErrInvalidPath = errors.New("invalid blob path")
)

// Object describes a stored blob.
type Object struct {
	Path         string    `json:"path"`
	ContentType  string    `json:"content_type"`
	CacheControl string    `json:"cache_control,omitempty"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type PutOptions struct {
	ContentType  string
	CacheControl string
}

// Store is the storage contract the records service depends on.
type Store interface {
	// Put writes size bytes from r to path. size may be -1 when unknown.
	Put(ctx context.Context, path string, r io.Reader, size int64, opts PutOptions) (*Object, error)
	Get(ctx context.Context, path string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, path string) error
	// PublicURL returns a URL that serves the blob without a session for ttl.
	PublicURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ValidatePath rejects empty, absolute and traversing paths.
func ValidatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "\\") {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}
