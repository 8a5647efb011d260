package storage

import (
	"context"
	"io"
)

// Object is a stored blob and its size in bytes.
type Object struct {
	Name string
	Size int64
}

// ObjectStore stages pipeline inputs and outputs: uploaded sample FASTAs,
// fetched reference datasets, and per-sample result directories.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	DownloadObject(ctx context.Context, bucket, key, filename string) error

	// ObjectsExist reports whether any object is stored under the prefix.
	ObjectsExist(ctx context.Context, bucket, prefix string) (bool, error)

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error

	DeleteObjects(ctx context.Context, bucket, prefix string) error
}
