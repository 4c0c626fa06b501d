// Package storage provides object storage for feed snapshots and remote feeds.
package storage

import (
	"context"
	"strings"
	"time"

	fserrors "github.com/feedsync/feedsync/internal/errors"
)

// Sentinel errors. Match them with errors.Is; returned errors carry the same
// category and code plus the object key and cause.
var (
	ErrObjectNotFound = fserrors.New(fserrors.ErrCategoryStorage, fserrors.CodeObjectNotFound, "object not found")
	ErrUploadFailed   = fserrors.New(fserrors.ErrCategoryStorage, fserrors.CodeUploadFailed, "upload failed")
	ErrDownloadFailed = fserrors.New(fserrors.ErrCategoryStorage, fserrors.CodeDownloadFailed, "download failed")
)

// Object describes a stored object.
type Object struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	ETag     string    `json:"etag,omitempty"`
	Modified time.Time `json:"modified"`
}

// ObjectStorage is a flat key/value object store. Keys use forward slashes.
// Implementations are S3 and the local filesystem.
type ObjectStorage interface {
	// Put stores data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte) (Object, error)

	// Get returns the full content of key, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Stat returns the object's metadata. ok is false when it does not exist.
	Stat(ctx context.Context, key string) (obj Object, ok bool, err error)

	// List returns the objects under prefix sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// ParseURI splits an object URI of the form s3://bucket/key into bucket and key.
// ok is false when uri does not use the s3 scheme.
func ParseURI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}
	return bucket, key, true
}

func notFound(key string) error {
	return fserrors.NewStorageError(fserrors.CodeObjectNotFound, "object "+key+" not found", nil)
}

func uploadFailed(key string, cause error) error {
	return fserrors.NewStorageError(fserrors.CodeUploadFailed, "put "+key, cause)
}

func downloadFailed(key string, cause error) error {
	return fserrors.NewStorageError(fserrors.CodeDownloadFailed, "get "+key, cause)
}
