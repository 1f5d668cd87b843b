package image

import (
	"context"

	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Assembler of images. Given the leaf layer of a build, it computes
// the image consisting of the leaf and all of its ancestors, and stores
// its manifest in the Content Store.
type Assembler struct {
	contentStore cas.ContentStore
	graph        layer.Graph
	function     digest.Function
}

// NewAssembler creates an Assembler.
func NewAssembler(contentStore cas.ContentStore, graph layer.Graph, function digest.Function) *Assembler {
	return &Assembler{
		contentStore: contentStore,
		graph:        graph,
		function:     function,
	}
}

// Assemble the image whose topmost layer is leaf. Assembly fails with
// codes.DataLoss if the chain of ancestors of the leaf is broken, or
// if any of the blobs referenced by its layers is missing from the
// Content Store.
func (a *Assembler) Assemble(ctx context.Context, leaf layer.ID, metadata Metadata) (*Image, error) {
	if _, err := a.graph.Get(ctx, leaf); err != nil {
		return nil, util.StatusWrapf(err, "Failed to obtain leaf layer %s", leaf)
	}
	chain, err := a.graph.Ancestors(ctx, leaf)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Ancestors of layer %s are broken", leaf)
		}
		return nil, util.StatusWrapf(err, "Failed to obtain ancestors of layer %s", leaf)
	}

	layers := make([]layer.ID, 0, len(chain))
	blobs := digest.NewSetBuilder()
	for _, l := range chain {
		layers = append(layers, l.ID)
		blobs.Add(l.ID)
		for _, d := range l.GetFileDigests().Items() {
			blobs.Add(d)
		}
	}
	missing, err := a.contentStore.FindMissing(ctx, blobs.Build())
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to check for presence of blobs referenced by layers")
	}
	if d, ok := missing.First(); ok {
		return nil, status.Errorf(codes.DataLoss, "Ancestors of layer %s are broken: %d blobs are missing from the content store, including %s", leaf, missing.Length(), d)
	}

	image, data, err := newManifest(a.function, layers, layer.GetConfig(chain), metadata)
	if err != nil {
		return nil, err
	}
	if _, err := a.contentStore.Put(ctx, data); err != nil {
		return nil, util.StatusWrapf(err, "Failed to store manifest of image %s", image.ID)
	}
	return image, nil
}

// Get an image that was assembled previously.
func (a *Assembler) Get(ctx context.Context, id digest.Digest) (*Image, error) {
	data, err := a.contentStore.Get(ctx, id)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to obtain manifest of image %s", id)
	}
	return NewImageFromManifest(id, data)
}

// GetLayers returns the layers of an image, root first.
func (a *Assembler) GetLayers(ctx context.Context, image *Image) ([]*layer.Layer, error) {
	chain := make([]*layer.Layer, 0, len(image.Layers))
	for _, id := range image.Layers {
		l, err := a.graph.Get(ctx, id)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Layers of image %s are broken", image.ID)
			}
			return nil, util.StatusWrapf(err, "Failed to obtain layer %s", id)
		}
		chain = append(chain, l)
	}
	return chain, nil
}
