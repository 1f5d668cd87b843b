package cas

import (
	"context"
	"sync"

	"github.com/olcf/containerbuilder/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type memoryContentStore struct {
	function digest.Function

	lock  sync.RWMutex
	blobs map[digest.Digest][]byte
}

// NewMemoryContentStore creates a ContentStore that keeps all blobs in
// memory. It is used for ephemeral builds and unit testing.
func NewMemoryContentStore(function digest.Function) ContentStore {
	return &memoryContentStore{
		function: function,
		blobs:    map[digest.Digest][]byte{},
	}
}

func (cs *memoryContentStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	d := cs.function.Compute(data)
	cs.lock.Lock()
	if _, ok := cs.blobs[d]; !ok {
		cs.blobs[d] = append([]byte(nil), data...)
	}
	cs.lock.Unlock()
	return d, nil
}

func (cs *memoryContentStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	cs.lock.RLock()
	data, ok := cs.blobs[d]
	cs.lock.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Blob %s not found", d)
	}
	return append([]byte(nil), data...), nil
}

func (cs *memoryContentStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	cs.lock.RLock()
	_, ok := cs.blobs[d]
	cs.lock.RUnlock()
	return ok, nil
}

func (cs *memoryContentStore) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	return FindMissingSequentially(ctx, cs, digests)
}

func (cs *memoryContentStore) Delete(ctx context.Context, d digest.Digest) error {
	cs.lock.Lock()
	delete(cs.blobs, d)
	cs.lock.Unlock()
	return nil
}

func (cs *memoryContentStore) Walk(ctx context.Context, fn func(d digest.Digest) error) error {
	// Take a snapshot of the keys, so that fn may call back into
	// the store (e.g., to delete blobs).
	cs.lock.RLock()
	digests := make([]digest.Digest, 0, len(cs.blobs))
	for d := range cs.blobs {
		digests = append(digests, d)
	}
	cs.lock.RUnlock()

	for _, d := range digests {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}
