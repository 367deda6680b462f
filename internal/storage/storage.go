// Package storage persists generated story covers.
//
// Two backends exist: LocalStorage writes under a directory served by the
// HTTP server in development, and R2Storage writes to a Cloudflare R2 bucket
// (S3-compatible) fronted by a public domain in production. Covers are
// referenced by permanent URL from saved stories, so neither backend hands
// out expiring links.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Storage stores objects and resolves their public URLs.
type Storage interface {
	// Put stores data at key. Returns ErrKeyExists when the key is taken and
	// opts.Overwrite is false, and ErrTooLarge when opts.MaxSize is exceeded.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Delete removes the object at key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// URL returns the permanent public URL for key.
	URL(ctx context.Context, key string) (string, error)

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	ContentType string
	MaxSize     int64 // 0 means no limit
	Overwrite   bool
}

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory, e.g. "./storage".
	BasePath string

	// BaseURL is the public prefix the server mounts BasePath on,
	// e.g. "http://localhost:8080/files".
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL is the bucket's public domain, e.g. "https://covers.storytime.app".
	PublicURL string

	// Region defaults to "auto".
	Region string

	// Endpoint overrides the account endpoint, used against S3-compatible
	// test servers.
	Endpoint string
}

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// CoverKey returns the storage key of a story's cover image.
// Format: covers/{storyID}.png
func CoverKey(storyID uuid.UUID) string {
	return fmt.Sprintf("covers/%s.png", storyID)
}
