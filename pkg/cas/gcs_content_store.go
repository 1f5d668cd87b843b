package cas

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"github.com/olcf/containerbuilder/pkg/cloud/gcp"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type gcsContentStore struct {
	bucket    gcp.StorageBucketHandle
	keyPrefix string
	function  digest.Function
}

// NewGCSContentStore creates a ContentStore that stores blobs as
// objects in a Google Cloud Storage bucket, using the same object
// naming scheme as the S3 backend.
func NewGCSContentStore(bucket gcp.StorageBucketHandle, keyPrefix string, function digest.Function) ContentStore {
	return &gcsContentStore{
		bucket:    bucket,
		keyPrefix: keyPrefix,
		function:  function,
	}
}

func (cs *gcsContentStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	d := cs.function.Compute(data)
	if present, err := cs.Has(ctx, d); err != nil {
		return digest.BadDigest, err
	} else if present {
		return d, nil
	}

	w := cs.bucket.Object(getObjectKey(cs.keyPrefix, d)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to upload blob %s", d)
	}
	if err := w.Close(); err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to upload blob %s", d)
	}
	return d, nil
}

func (cs *gcsContentStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return nil, err
	}
	r, err := cs.bucket.Object(getObjectKey(cs.keyPrefix, d)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, status.Errorf(codes.NotFound, "Blob %s not found", d)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to download blob %s", d)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to download blob %s", d)
	}
	if err := validateContents(d, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (cs *gcsContentStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return false, err
	}
	if _, err := cs.bucket.Object(getObjectKey(cs.keyPrefix, d)).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to obtain attributes of blob %s", d)
	}
	return true, nil
}

func (cs *gcsContentStore) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	return FindMissingSequentially(ctx, cs, digests)
}

func (cs *gcsContentStore) Delete(ctx context.Context, d digest.Digest) error {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return err
	}
	if err := cs.bucket.Object(getObjectKey(cs.keyPrefix, d)).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to delete blob %s", d)
	}
	return nil
}

func (cs *gcsContentStore) Walk(ctx context.Context, fn func(d digest.Digest) error) error {
	it := cs.bucket.Objects(ctx, &storage.Query{
		Prefix: cs.keyPrefix + cs.function.GetName() + "/",
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		} else if err != nil {
			return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to list objects")
		}
		if d, ok := parseObjectKey(cs.keyPrefix, attrs.Name); ok {
			if err := fn(d); err != nil {
				return err
			}
		}
	}
}
