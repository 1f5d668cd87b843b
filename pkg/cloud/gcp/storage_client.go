package gcp

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// StorageClient contains the methods of the Google Cloud SDK's
// storage.Client type that are used by this code base. This interface
// has been added to permit unit testing.
type StorageClient interface {
	Bucket(name string) StorageBucketHandle
}

type wrappedStorageClient struct {
	impl *storage.Client
}

// NewWrappedStorageClient converts a concrete instance of
// storage.Client to the StorageClient interface, so that it can be used
// in code that can be unit tested.
func NewWrappedStorageClient(impl *storage.Client) StorageClient {
	return wrappedStorageClient{
		impl: impl,
	}
}

func (w wrappedStorageClient) Bucket(name string) StorageBucketHandle {
	return wrappedStorageBucketHandle{
		impl: w.impl.Bucket(name),
	}
}

// StorageBucketHandle contains the methods of the Google Cloud SDK's
// storage.BucketHandle type that are used by this code base.
type StorageBucketHandle interface {
	Object(name string) StorageObjectHandle
	Objects(ctx context.Context, query *storage.Query) StorageObjectIterator
}

type wrappedStorageBucketHandle struct {
	impl *storage.BucketHandle
}

func (w wrappedStorageBucketHandle) Object(name string) StorageObjectHandle {
	return wrappedStorageObjectHandle{
		impl: w.impl.Object(name),
	}
}

func (w wrappedStorageBucketHandle) Objects(ctx context.Context, query *storage.Query) StorageObjectIterator {
	return w.impl.Objects(ctx, query)
}

// StorageObjectIterator contains the methods of the Google Cloud SDK's
// storage.ObjectIterator type that are used by this code base. Next()
// returns iterator.Done when the listing is exhausted.
type StorageObjectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

var _ StorageObjectIterator = &storage.ObjectIterator{}

// StorageObjectHandle contains the methods of the Google Cloud SDK's
// storage.ObjectHandle type that are used by this code base.
type StorageObjectHandle interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	Delete(ctx context.Context) error
}

type wrappedStorageObjectHandle struct {
	impl *storage.ObjectHandle
}

func (w wrappedStorageObjectHandle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return w.impl.NewReader(ctx)
}

func (w wrappedStorageObjectHandle) NewWriter(ctx context.Context) io.WriteCloser {
	return w.impl.NewWriter(ctx)
}

func (w wrappedStorageObjectHandle) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return w.impl.Attrs(ctx)
}

func (w wrappedStorageObjectHandle) Delete(ctx context.Context) error {
	return w.impl.Delete(ctx)
}
