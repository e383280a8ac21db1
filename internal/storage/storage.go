// Package storage keeps uploaded project archives so builds can be repeated
// without the original request.
package storage

import (
	"context"
	"errors"
	"path"
)

// ErrNotFound indicates the archive key does not exist.
var ErrNotFound = errors.New("storage: archive not found")

// ArchiveStore persists opaque archive blobs by key.
type ArchiveStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// ArchiveKey is the storage key of a project's source archive.
func ArchiveKey(projectID string) string {
	return path.Join("projects", projectID, "source.zip")
}
