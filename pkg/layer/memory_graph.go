package layer

import (
	"context"
	"sync"

	"github.com/olcf/containerbuilder/pkg/digest"
)

type memoryGraph struct {
	lock     sync.RWMutex
	layers   map[ID]*Layer
	children map[ID]digest.SetBuilder
}

// NewMemoryGraph creates a Layer Graph that is only kept in memory. It
// is used for ephemeral builds and unit testing.
func NewMemoryGraph() Graph {
	return &memoryGraph{
		layers:   map[ID]*Layer{},
		children: map[ID]digest.SetBuilder{},
	}
}

func (g *memoryGraph) Add(ctx context.Context, l *Layer) (ID, error) {
	if _, err := GetBlob(l); err != nil {
		return digest.BadDigest, err
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	if _, ok := g.layers[l.ID]; ok {
		return l.ID, nil
	}
	if l.Parent != nil {
		if _, ok := g.layers[*l.Parent]; !ok {
			return digest.BadDigest, newDanglingParentError(l)
		}
		siblings, ok := g.children[*l.Parent]
		if !ok {
			siblings = digest.NewSetBuilder()
			g.children[*l.Parent] = siblings
		}
		siblings.Add(l.ID)
	}
	g.layers[l.ID] = l
	return l.ID, nil
}

func (g *memoryGraph) Get(ctx context.Context, id ID) (*Layer, error) {
	g.lock.RLock()
	l, ok := g.layers[id]
	g.lock.RUnlock()
	if !ok {
		return nil, newLayerNotFoundError(id)
	}
	return l, nil
}

func (g *memoryGraph) Ancestors(ctx context.Context, id ID) ([]*Layer, error) {
	return GetAncestors(ctx, g, id)
}

func (g *memoryGraph) Children(ctx context.Context, id ID) (IDSet, error) {
	g.lock.RLock()
	defer g.lock.RUnlock()

	if _, ok := g.layers[id]; !ok {
		return digest.EmptySet, newLayerNotFoundError(id)
	}
	if children, ok := g.children[id]; ok {
		return children.Build(), nil
	}
	return digest.EmptySet, nil
}

func (g *memoryGraph) Walk(ctx context.Context, fn func(l *Layer) error) error {
	g.lock.RLock()
	layers := make([]*Layer, 0, len(g.layers))
	for _, l := range g.layers {
		layers = append(layers, l)
	}
	g.lock.RUnlock()

	for _, l := range layers {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}
