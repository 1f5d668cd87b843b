package cache

import (
	"context"

	"github.com/olcf/containerbuilder/pkg/layer"
)

// Index of the step cache. Lookups are advisory: the layer an entry
// points to may no longer be present in the Layer Graph, in which case
// callers should treat the lookup as a miss.
type Index interface {
	// Lookup returns the layer recorded for a key, if any.
	Lookup(ctx context.Context, key Key) (layer.ID, bool, error)
	// Record associates a key with a layer. Recording a key that is
	// already present overwrites the existing entry.
	Record(ctx context.Context, key Key, id layer.ID) error
}
