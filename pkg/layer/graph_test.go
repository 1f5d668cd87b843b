package layer_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/olcf/containerbuilder/pkg/database"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
)

func newChain(t *testing.T, n int) []*layer.Layer {
	var chain []*layer.Layer
	var parent *layer.ID
	for i := 0; i < n; i++ {
		l, _, err := layer.NewLayer(digest.SHA256, parent, digest.SHA256.Compute([]byte(fmt.Sprintf("step %d", i))), []layer.Entry{
			{Path: fmt.Sprintf("file%d", i), Type: layer.EntryTypeRegular, Mode: 0o644, Digest: appDigest, SizeBytes: 3},
		}, layer.ConfigDelta{})
		require.NoError(t, err)
		chain = append(chain, l)
		parent = &l.ID
	}
	return chain
}

func forEachGraph(t *testing.T, fn func(t *testing.T, graph layer.Graph)) {
	t.Run("Memory", func(t *testing.T) {
		fn(t, layer.NewMemoryGraph())
	})
	t.Run("SQLite", func(t *testing.T) {
		db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "graph.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		fn(t, layer.NewSQLiteGraph(db))
	})
}

func TestGraph(t *testing.T) {
	ctx := context.Background()

	forEachGraph(t, func(t *testing.T, graph layer.Graph) {
		chain := newChain(t, 3)

		t.Run("DanglingParent", func(t *testing.T) {
			_, err := graph.Add(ctx, chain[1])
			testutil.RequireStatusCode(t, codes.FailedPrecondition, err)

			_, err = graph.Get(ctx, chain[1].ID)
			testutil.RequireStatusCode(t, codes.NotFound, err)
			require.NoError(t, graph.Walk(ctx, func(l *layer.Layer) error {
				return fmt.Errorf("unexpected layer %s", l.ID)
			}))
		})

		t.Run("Add", func(t *testing.T) {
			for _, l := range chain {
				id, err := graph.Add(ctx, l)
				require.NoError(t, err)
				require.Equal(t, l.ID, id)
			}

			// Adding a layer a second time is a no-op.
			id, err := graph.Add(ctx, chain[2])
			require.NoError(t, err)
			require.Equal(t, chain[2].ID, id)
		})

		t.Run("Get", func(t *testing.T) {
			l, err := graph.Get(ctx, chain[1].ID)
			require.NoError(t, err)
			require.Equal(t, chain[1], l)
		})

		t.Run("Ancestors", func(t *testing.T) {
			ancestors, err := graph.Ancestors(ctx, chain[2].ID)
			require.NoError(t, err)
			require.Equal(t, chain, ancestors)

			ancestors, err = graph.Ancestors(ctx, chain[0].ID)
			require.NoError(t, err)
			require.Equal(t, chain[:1], ancestors)

			_, err = graph.Ancestors(ctx, appDigest)
			testutil.RequireStatusCode(t, codes.NotFound, err)
		})

		t.Run("Children", func(t *testing.T) {
			children, err := graph.Children(ctx, chain[0].ID)
			require.NoError(t, err)
			require.Equal(t, chain[1].ID.ToSingletonSet(), children)

			children, err = graph.Children(ctx, chain[2].ID)
			require.NoError(t, err)
			require.True(t, children.Empty())
		})

		t.Run("Walk", func(t *testing.T) {
			seen := digest.NewSetBuilder()
			require.NoError(t, graph.Walk(ctx, func(l *layer.Layer) error {
				seen.Add(l.ID)
				return nil
			}))
			require.Equal(t, 3, seen.Length())
		})

		t.Run("TamperedLayer", func(t *testing.T) {
			tampered := *chain[2]
			tampered.Entries = nil
			_, err := graph.Add(ctx, &tampered)
			testutil.RequireStatusCode(t, codes.InvalidArgument, err)
		})
	})
}

func TestGraphConcurrentAdd(t *testing.T) {
	ctx := context.Background()

	forEachGraph(t, func(t *testing.T, graph layer.Graph) {
		chain := newChain(t, 1)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := graph.Add(ctx, chain[0])
				require.NoError(t, err)
				require.Equal(t, chain[0].ID, id)
			}()
		}
		wg.Wait()

		count := 0
		require.NoError(t, graph.Walk(ctx, func(l *layer.Layer) error {
			count++
			return nil
		}))
		require.Equal(t, 1, count)
	})
}
