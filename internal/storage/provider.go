package storage

import (
	"context"
	"io"
)

type Object struct {
	Name string
	Size int64
}

type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	DeleteObject(ctx context.Context, bucket, key string) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	// DownloadDir copies every object under prefix into dest, preserving the
	// relative layout. Used to pull snapshot artifacts onto a local disk
	// before loading them.
	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	// UploadDir copies every file under src to bucket/prefix.
	UploadDir(ctx context.Context, bucket, prefix, src string) error
}
