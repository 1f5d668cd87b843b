package image

import (
	"context"
	"sort"
	"sync"

	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type memoryCatalog struct {
	clock clock.Clock

	lock    sync.RWMutex
	entries map[string]CatalogEntry
}

// NewMemoryCatalog creates a Catalog that keeps its entries in memory.
func NewMemoryCatalog(clock clock.Clock) Catalog {
	return &memoryCatalog{
		clock:   clock,
		entries: map[string]CatalogEntry{},
	}
}

func (c *memoryCatalog) Put(ctx context.Context, reference string, id digest.Digest) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries[reference] = CatalogEntry{
		Reference: reference,
		ImageID:   id,
		Created:   c.clock.Now(),
	}
	return nil
}

func (c *memoryCatalog) Get(ctx context.Context, reference string) (digest.Digest, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	entry, ok := c.entries[reference]
	if !ok {
		return digest.BadDigest, status.Errorf(codes.NotFound, "Image reference %#v not found", reference)
	}
	return entry.ImageID, nil
}

func (c *memoryCatalog) Delete(ctx context.Context, reference string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.entries, reference)
	return nil
}

func (c *memoryCatalog) List(ctx context.Context) ([]CatalogEntry, error) {
	c.lock.RLock()
	entries := make([]CatalogEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	c.lock.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Reference < entries[j].Reference
	})
	return entries, nil
}
