package image

import (
	"context"
	"time"

	"github.com/olcf/containerbuilder/pkg/digest"
)

// CatalogEntry associates a human readable reference with an image.
type CatalogEntry struct {
	Reference string
	ImageID   digest.Digest
	Created   time.Time
}

// Catalog of images that have been built. Images listed in the catalog
// are retained by the garbage collector.
type Catalog interface {
	// Put associates a reference with an image, replacing any
	// image previously associated with the reference.
	Put(ctx context.Context, reference string, id digest.Digest) error
	// Get the image associated with a reference. It fails with
	// codes.NotFound if the reference is unknown.
	Get(ctx context.Context, reference string) (digest.Digest, error)
	Delete(ctx context.Context, reference string) error
	// List all entries, sorted by reference.
	List(ctx context.Context) ([]CatalogEntry, error)
}
