package cas

import (
	"context"

	"github.com/olcf/containerbuilder/pkg/digest"
)

// ContentStore is an abstraction for a data store that holds immutable
// blobs, identified by the digest of their contents. It is used to
// hold the contents of files added by layers, the encoded layer diffs
// themselves, build context inputs and image manifests.
//
// Implementations must be safe for concurrent use. In particular,
// concurrent calls to Put() for the same data must not corrupt the
// store. Partially written blobs must never become visible.
type ContentStore interface {
	// Put stores a blob and returns its digest. Storing the same
	// data twice yields the same digest. The second call is a no-op.
	Put(ctx context.Context, data []byte) (digest.Digest, error)

	// Get returns the contents of a blob. It fails with
	// codes.NotFound if the blob is absent.
	Get(ctx context.Context, d digest.Digest) ([]byte, error)

	// Has returns whether a blob is present.
	Has(ctx context.Context, d digest.Digest) (bool, error)

	// FindMissing returns the subset of digests for which no blob
	// is present.
	FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error)

	// Delete removes a blob. Deleting an absent blob is not an
	// error. This function should only be called by the garbage
	// collector.
	Delete(ctx context.Context, d digest.Digest) error

	// Walk calls a function for every blob in the store, in no
	// particular order. Iteration stops at the first error.
	Walk(ctx context.Context, fn func(d digest.Digest) error) error
}

// FindMissingSequentially implements ContentStore.FindMissing() on top
// of ContentStore.Has(). It may be used by backends that offer no
// batched existence check.
func FindMissingSequentially(ctx context.Context, contentStore ContentStore, digests digest.Set) (digest.Set, error) {
	missing := digest.NewSetBuilder()
	for _, d := range digests.Items() {
		ok, err := contentStore.Has(ctx, d)
		if err != nil {
			return digest.EmptySet, err
		}
		if !ok {
			missing.Add(d)
		}
	}
	return missing.Build(), nil
}
