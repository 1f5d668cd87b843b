package cas

import (
	"context"

	"github.com/olcf/containerbuilder/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type existenceCachingContentStore struct {
	ContentStore
	existenceCache *digest.ExistenceCache
}

// NewExistenceCachingContentStore creates a decorator for ContentStore
// that adds caching to the Has() and FindMissing() operations.
//
// Builds repeatedly check whether the file blobs of a layer are
// present, both when uploading new files and when assembling images.
// For remote backends such as S3 each of these checks is a round trip.
// This decorator remembers which blobs were recently observed.
func NewExistenceCachingContentStore(base ContentStore, existenceCache *digest.ExistenceCache) ContentStore {
	return &existenceCachingContentStore{
		ContentStore:   base,
		existenceCache: existenceCache,
	}
}

func (cs *existenceCachingContentStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	d, err := cs.ContentStore.Put(ctx, data)
	if err != nil {
		return digest.BadDigest, err
	}
	cs.existenceCache.Add(d.ToSingletonSet())
	return d, nil
}

func (cs *existenceCachingContentStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	data, err := cs.ContentStore.Get(ctx, d)
	if status.Code(err) == codes.NotFound {
		// Evict immediately instead of waiting for the entry to
		// expire, so that callers observe the absence.
		cs.existenceCache.Remove(d)
	}
	return data, err
}

func (cs *existenceCachingContentStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	missing, err := cs.FindMissing(ctx, d.ToSingletonSet())
	if err != nil {
		return false, err
	}
	return missing.Empty(), nil
}

func (cs *existenceCachingContentStore) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	maybeMissing := cs.existenceCache.RemoveExisting(digests)
	if maybeMissing.Empty() {
		return digest.EmptySet, nil
	}
	missing, err := cs.ContentStore.FindMissing(ctx, maybeMissing)
	if err != nil {
		return digest.EmptySet, err
	}
	present, _, _ := digest.GetDifferenceAndIntersection(maybeMissing, missing)
	cs.existenceCache.Add(present)
	return missing, nil
}

func (cs *existenceCachingContentStore) Delete(ctx context.Context, d digest.Digest) error {
	cs.existenceCache.Remove(d)
	return cs.ContentStore.Delete(ctx, d)
}
