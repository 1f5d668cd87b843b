package cache

import (
	"context"
	"sync"

	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/eviction"
	"github.com/olcf/containerbuilder/pkg/layer"
)

type memoryIndex struct {
	function       digest.Function
	maximumEntries int

	lock        sync.Mutex
	entries     map[digest.Digest]layer.ID
	evictionSet eviction.Set[digest.Digest]
}

// NewMemoryIndex creates an Index that keeps entries in memory. When
// the number of entries exceeds a maximum, entries are removed in the
// order dictated by the eviction set.
func NewMemoryIndex(function digest.Function, maximumEntries int, evictionSet eviction.Set[digest.Digest]) Index {
	return &memoryIndex{
		function:       function,
		maximumEntries: maximumEntries,
		entries:        map[digest.Digest]layer.ID{},
		evictionSet:    evictionSet,
	}
}

func (ix *memoryIndex) Lookup(ctx context.Context, key Key) (layer.ID, bool, error) {
	d := key.GetDigest(ix.function)

	ix.lock.Lock()
	defer ix.lock.Unlock()

	id, ok := ix.entries[d]
	if !ok {
		return digest.BadDigest, false, nil
	}
	ix.evictionSet.Touch(d)
	return id, true, nil
}

func (ix *memoryIndex) Record(ctx context.Context, key Key, id layer.ID) error {
	d := key.GetDigest(ix.function)

	ix.lock.Lock()
	defer ix.lock.Unlock()

	if _, ok := ix.entries[d]; ok {
		ix.evictionSet.Touch(d)
	} else {
		for len(ix.entries) > 0 && len(ix.entries) >= ix.maximumEntries {
			delete(ix.entries, ix.evictionSet.Peek())
			ix.evictionSet.Remove()
		}
		ix.evictionSet.Insert(d)
	}
	ix.entries[d] = id
	return nil
}
