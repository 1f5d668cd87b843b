package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/olcf/containerbuilder/internal/mock"

	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/gc"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"

	"go.uber.org/mock/gomock"
)

func TestCollector(t *testing.T) {
	ctx := context.Background()
	contentStore := cas.NewMemoryContentStore(digest.SHA256)
	graph := layer.NewMemoryGraph()
	catalog := image.NewMemoryCatalog(clock.SystemClock)
	assembler := image.NewAssembler(contentStore, graph, digest.SHA256)
	collector := gc.NewCollector(contentStore, graph, catalog, assembler, clock.SystemClock, 0)

	fileDigest, err := contentStore.Put(ctx, []byte("retained"))
	require.NoError(t, err)
	garbageDigest, err := contentStore.Put(ctx, []byte("garbage"))
	require.NoError(t, err)
	l, blob, err := layer.NewLayer(digest.SHA256, nil, digest.SHA256.Compute([]byte("copy")), []layer.Entry{
		{Path: "file", Type: layer.EntryTypeRegular, Mode: 0o644, Digest: fileDigest, SizeBytes: 8},
	}, layer.ConfigDelta{})
	require.NoError(t, err)
	_, err = contentStore.Put(ctx, blob)
	require.NoError(t, err)
	_, err = graph.Add(ctx, l)
	require.NoError(t, err)

	listed, err := assembler.Assemble(ctx, l.ID, image.Metadata{Author: "listed"})
	require.NoError(t, err)
	require.NoError(t, catalog.Put(ctx, "app:latest", listed.ID))
	unlisted, err := assembler.Assemble(ctx, l.ID, image.Metadata{Author: "unlisted"})
	require.NoError(t, err)

	t.Run("DryRun", func(t *testing.T) {
		result, err := collector.Collect(ctx, true)
		require.NoError(t, err)
		require.Equal(t, &gc.Result{Retained: 3, Deleted: 2}, result)
		ok, err := contentStore.Has(ctx, garbageDigest)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("Collect", func(t *testing.T) {
		result, err := collector.Collect(ctx, false)
		require.NoError(t, err)
		require.Equal(t, &gc.Result{Retained: 3, Deleted: 2}, result)

		for d, expected := range map[digest.Digest]bool{
			fileDigest:    true,
			l.ID:          true,
			listed.ID:     true,
			garbageDigest: false,
			unlisted.ID:   false,
		} {
			ok, err := contentStore.Has(ctx, d)
			require.NoError(t, err)
			require.Equal(t, expected, ok, "Blob %s", d)
		}

		// The listed image can still be exported.
		_, err = assembler.Get(ctx, listed.ID)
		require.NoError(t, err)
	})

	t.Run("DanglingImage", func(t *testing.T) {
		require.NoError(t, catalog.Put(ctx, "app:old", unlisted.ID))
		result, err := collector.Collect(ctx, false)
		require.NoError(t, err)
		require.Equal(t, &gc.Result{Retained: 3, Deleted: 0}, result)
	})

	t.Run("ImageReferringToUnknownLayer", func(t *testing.T) {
		otherGraph := layer.NewMemoryGraph()
		_, err := gc.NewCollector(contentStore, otherGraph, catalog, image.NewAssembler(contentStore, otherGraph, digest.SHA256), clock.SystemClock, 0).Collect(ctx, false)
		testutil.RequireStatusCode(t, codes.DataLoss, err)
	})
}

func TestCollectorRecentUploads(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	contentStore := cas.NewMemoryContentStore(digest.SHA256)
	graph := layer.NewMemoryGraph()
	clock := mock.NewMockClock(ctrl)
	collector := gc.NewCollector(
		contentStore,
		graph,
		image.NewMemoryCatalog(clock),
		image.NewAssembler(contentStore, graph, digest.SHA256),
		clock,
		time.Hour)

	// Blobs uploaded in preparation of a build that has not been
	// submitted yet.
	oldDigest, err := contentStore.Put(ctx, []byte("old"))
	require.NoError(t, err)
	newDigest, err := contentStore.Put(ctx, []byte("new"))
	require.NoError(t, err)
	clock.EXPECT().Now().Return(time.Unix(1000, 0))
	collector.RecordUploads(oldDigest.ToSingletonSet())
	clock.EXPECT().Now().Return(time.Unix(3000, 0))
	collector.RecordUploads(newDigest.ToSingletonSet())

	// Only the blob uploaded within the last hour is retained.
	clock.EXPECT().Now().Return(time.Unix(4500, 0))
	result, err := collector.Collect(ctx, false)
	require.NoError(t, err)
	require.Equal(t, &gc.Result{Retained: 1, Deleted: 1}, result)
	ok, err := contentStore.Has(ctx, oldDigest)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = contentStore.Has(ctx, newDigest)
	require.NoError(t, err)
	require.True(t, ok)

	// Once the grace period elapses, unreferenced blobs are deleted.
	clock.EXPECT().Now().Return(time.Unix(6601, 0))
	result, err = collector.Collect(ctx, false)
	require.NoError(t, err)
	require.Equal(t, &gc.Result{Retained: 0, Deleted: 1}, result)
}
