package digest

import (
	"sync"
	"time"

	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/eviction"
)

// ExistenceCache is a cache of digests, where entries expire once a
// certain duration of time has passed. It is used by the Content Store
// to keep track of which blobs are known to be present, so that
// repeated existence checks during builds and image assembly do not
// need to consult the backend.
//
// It is safe to access ExistenceCache concurrently.
type ExistenceCache struct {
	clock         clock.Clock
	cacheSize     int
	cacheDuration time.Duration

	lock           sync.Mutex
	insertionTimes map[Digest]time.Time
	evictionSet    eviction.Set[Digest]
}

// NewExistenceCache creates a new ExistenceCache that is empty.
func NewExistenceCache(clock clock.Clock, cacheSize int, cacheDuration time.Duration, evictionSet eviction.Set[Digest]) *ExistenceCache {
	return &ExistenceCache{
		clock:         clock,
		cacheSize:     cacheSize,
		cacheDuration: cacheDuration,

		insertionTimes: map[Digest]time.Time{},
		evictionSet:    evictionSet,
	}
}

// RemoveExisting removes digests from a provided set that are present
// in the cache.
func (ec *ExistenceCache) RemoveExisting(digests Set) Set {
	minimumInsertionTime := ec.clock.Now().Add(-ec.cacheDuration)
	missing := NewSetBuilder()
	ec.lock.Lock()
	for _, d := range digests.Items() {
		if insertionTime, ok := ec.insertionTimes[d]; ok && !insertionTime.Before(minimumInsertionTime) {
			ec.evictionSet.Touch(d)
		} else {
			missing.Add(d)
		}
	}
	ec.lock.Unlock()
	return missing.Build()
}

// Add digests to the cache. These digests will automatically be removed
// once the duration provided to NewExistenceCache passes.
func (ec *ExistenceCache) Add(digests Set) {
	if ec.cacheSize <= 0 {
		return
	}
	now := ec.clock.Now()
	ec.lock.Lock()
	for _, d := range digests.Items() {
		if insertionTime, ok := ec.insertionTimes[d]; ok {
			if insertionTime.Before(now) {
				ec.insertionTimes[d] = now
			}
			continue
		}

		// Free up space to insert the digest.
		if len(ec.insertionTimes) >= ec.cacheSize {
			delete(ec.insertionTimes, ec.evictionSet.Peek())
			ec.evictionSet.Remove()
		}
		ec.insertionTimes[d] = now
		ec.evictionSet.Insert(d)
	}
	ec.lock.Unlock()
}

// Remove a digest from the cache, e.g., because the corresponding blob
// has been deleted by garbage collection.
func (ec *ExistenceCache) Remove(d Digest) {
	ec.lock.Lock()
	// Deleting the entry would desynchronize the eviction set.
	// Zero the insertion time instead, so that it is evicted as
	// usual, but no longer affects RemoveExisting().
	if _, ok := ec.insertionTimes[d]; ok {
		ec.insertionTimes[d] = time.Time{}
	}
	ec.lock.Unlock()
}
