package layer

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Graph is the Layer Graph: a registry of all layers known to the
// system, in which every layer refers to its parent. Because a layer
// can only be added once its parent is present, the graph is acyclic
// by construction.
//
// Implementations must be safe for concurrent use.
type Graph interface {
	// Add registers a layer. Adding a layer that is already present
	// is a no-op. Adding a layer whose parent is absent fails with
	// codes.FailedPrecondition, leaving the graph unchanged.
	Add(ctx context.Context, l *Layer) (ID, error)

	// Get returns a layer. It fails with codes.NotFound if the layer
	// is absent.
	Get(ctx context.Context, id ID) (*Layer, error)

	// Ancestors returns the chain of layers leading up to a layer,
	// root first, including the layer itself.
	Ancestors(ctx context.Context, id ID) ([]*Layer, error)

	// Children returns the IDs of the layers whose parent is the
	// provided layer.
	Children(ctx context.Context, id ID) (IDSet, error)

	// Walk calls a function for every layer in the graph, in no
	// particular order. Iteration stops at the first error.
	Walk(ctx context.Context, fn func(l *Layer) error) error
}

func newLayerNotFoundError(id ID) error {
	return status.Errorf(codes.NotFound, "Layer %s not found", id)
}

func newDanglingParentError(l *Layer) error {
	return status.Errorf(codes.FailedPrecondition, "Parent %s of layer %s is not present in the layer graph", *l.Parent, l.ID)
}

// GetAncestors implements Graph.Ancestors() on top of Graph.Get(), by
// following parent links until the root is reached.
func GetAncestors(ctx context.Context, graph Graph, id ID) ([]*Layer, error) {
	var chain []*Layer
	for current := &id; current != nil; {
		l, err := graph.Get(ctx, *current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, l)
		current = l.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
