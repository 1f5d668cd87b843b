// Package gc implements garbage collection of the Content Store. Blobs
// are retained if they are referenced by a layer in the Layer Graph, by
// an image in the image catalog or if they were uploaded recently. All
// other blobs are deleted.
package gc

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Result of a garbage collection run.
type Result struct {
	Retained int `json:"retained"`
	Deleted  int `json:"deleted"`
}

// Collector of unreferenced blobs.
//
// Garbage collection must not run concurrently with builds, as blobs
// that have been uploaded but are not referenced by any layer yet
// would be deleted. Clients upload the inputs of a build before
// submitting it. Blobs reported through RecordUploads() are therefore
// retained for a grace period.
type Collector struct {
	contentStore cas.ContentStore
	graph        layer.Graph
	catalog      image.Catalog
	assembler    *image.Assembler
	clock        clock.Clock
	gracePeriod  time.Duration

	lock    sync.Mutex
	uploads map[digest.Digest]time.Time
}

// NewCollector creates a Collector.
func NewCollector(contentStore cas.ContentStore, graph layer.Graph, catalog image.Catalog, assembler *image.Assembler, clock clock.Clock, gracePeriod time.Duration) *Collector {
	return &Collector{
		contentStore: contentStore,
		graph:        graph,
		catalog:      catalog,
		assembler:    assembler,
		clock:        clock,
		gracePeriod:  gracePeriod,
		uploads:      map[digest.Digest]time.Time{},
	}
}

// RecordUploads marks blobs as recently uploaded or recently confirmed
// to be present, causing them to be retained until the grace period
// elapses.
func (c *Collector) RecordUploads(digests digest.Set) {
	if c.gracePeriod <= 0 {
		return
	}
	now := c.clock.Now()
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, d := range digests.Items() {
		c.uploads[d] = now
	}
}

// markRecentUploads adds blobs that are still within their grace
// period to the set of blobs to retain. Expired entries are dropped.
func (c *Collector) markRecentUploads(reachable map[digest.Digest]struct{}) {
	minimumUploadTime := c.clock.Now().Add(-c.gracePeriod)
	c.lock.Lock()
	defer c.lock.Unlock()
	for d, uploaded := range c.uploads {
		if uploaded.Before(minimumUploadTime) {
			delete(c.uploads, d)
		} else {
			reachable[d] = struct{}{}
		}
	}
}

// mark computes the set of blobs that must be retained.
func (c *Collector) mark(ctx context.Context) (map[digest.Digest]struct{}, error) {
	reachable := map[digest.Digest]struct{}{}
	if err := c.graph.Walk(ctx, func(l *layer.Layer) error {
		reachable[l.ID] = struct{}{}
		for _, d := range l.GetFileDigests().Items() {
			reachable[d] = struct{}{}
		}
		return nil
	}); err != nil {
		return nil, util.StatusWrap(err, "Failed to walk layer graph")
	}

	entries, err := c.catalog.List(ctx)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to list images")
	}
	for _, entry := range entries {
		img, err := c.assembler.Get(ctx, entry.ImageID)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				log.Printf("Image %#v refers to manifest %s, which is not present in the content store", entry.Reference, entry.ImageID)
				continue
			}
			return nil, util.StatusWrapf(err, "Failed to obtain image %#v", entry.Reference)
		}
		reachable[img.ID] = struct{}{}
		for _, id := range img.Layers {
			if _, ok := reachable[id]; !ok {
				return nil, status.Errorf(codes.DataLoss, "Image %#v refers to layer %s, which is not present in the layer graph", entry.Reference, id)
			}
		}
	}
	return reachable, nil
}

// Collect deletes all blobs that are not referenced. If dryRun is set,
// blobs are only counted.
func (c *Collector) Collect(ctx context.Context, dryRun bool) (*Result, error) {
	reachable, err := c.mark(ctx)
	if err != nil {
		return nil, err
	}
	c.markRecentUploads(reachable)

	// Deletions happen after walking, as not all backends permit
	// modifications while iterating.
	var result Result
	var garbage []digest.Digest
	if err := c.contentStore.Walk(ctx, func(d digest.Digest) error {
		if _, ok := reachable[d]; ok {
			result.Retained++
		} else {
			garbage = append(garbage, d)
		}
		return nil
	}); err != nil {
		return nil, util.StatusWrap(err, "Failed to walk content store")
	}

	if !dryRun {
		for _, d := range garbage {
			if err := c.contentStore.Delete(ctx, d); err != nil {
				return nil, util.StatusWrapf(err, "Failed to delete blob %s", d)
			}
			result.Deleted++
		}
		log.Printf("Garbage collection retained %d blobs and deleted %d blobs", result.Retained, result.Deleted)
	} else {
		result.Deleted = len(garbage)
	}
	return &result, nil
}
