package buildserver_test

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/olcf/containerbuilder/pkg/build"
	"github.com/olcf/containerbuilder/pkg/builder"
	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/buildspec"
	"github.com/olcf/containerbuilder/pkg/cache"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/eviction"
	"github.com/olcf/containerbuilder/pkg/gc"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/queue"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/codes"
)

func newTestService(t *testing.T) (*buildserver.Service, cas.ContentStore) {
	return newTestServiceWithGracePeriod(t, 0)
}

func newTestServiceWithGracePeriod(t *testing.T, gracePeriod time.Duration) (*buildserver.Service, cas.ContentStore) {
	contentStore := cas.NewMemoryContentStore(digest.SHA256)
	graph := layer.NewMemoryGraph()
	index := cache.NewMemoryIndex(digest.SHA256, 100, eviction.NewLRUSet[digest.Digest]())
	executor := builder.NewExecutor(contentStore, graph, digest.SHA256, t.TempDir(), builder.NewShellCommandRunner(), 4, nil)
	assembler := image.NewAssembler(contentStore, graph, digest.SHA256)
	catalog := image.NewMemoryCatalog(clock.SystemClock)
	return buildserver.NewService(
		build.NewBuilder(graph, index, executor, digest.SHA256, clock.SystemClock, 1, noop.NewTracerProvider()),
		assembler,
		catalog,
		image.NewExporter(contentStore, assembler, digest.SHA256, t.TempDir()),
		gc.NewCollector(contentStore, graph, catalog, assembler, clock.SystemClock, gracePeriod),
		queue.NewQueue(2, clock.SystemClock, uuid.NewRandom),
	), contentStore
}

func newGreetingRequest() *buildserver.BuildRequest {
	run := "echo Hello; echo Hello > /greeting"
	return &buildserver.BuildRequest{
		Spec: buildspec.Spec{
			Metadata: buildspec.Metadata{Author: "builder"},
			Steps: []buildspec.Step{
				{Run: &run},
				{Cmd: []string{"cat", "/greeting"}},
			},
		},
	}
}

func TestServiceBuild(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	var output bytes.Buffer
	result, err := service.Build(ctx, newGreetingRequest(), &output)
	require.NoError(t, err)
	require.Equal(t, "Hello\n", output.String())
	require.Len(t, result.Steps, 2)
	for _, step := range result.Steps {
		require.False(t, step.Cached)
	}
	require.Equal(t, "Run", result.Steps[0].Kind)
	require.Equal(t, result.Steps[1].Layer, result.Leaf)

	img, err := service.GetImage(ctx, result.ImageID)
	require.NoError(t, err)
	require.Equal(t, image.GetDefaultReference(img), result.Reference)
	require.Equal(t, []string{"cat", "/greeting"}, img.Config.Cmd)
	require.Equal(t, "builder", img.Metadata.Author)
	require.Len(t, img.Layers, 2)

	imgByReference, err := service.GetImage(ctx, result.Reference)
	require.NoError(t, err)
	require.Equal(t, img.ID, imgByReference.ID)

	t.Run("Cached", func(t *testing.T) {
		output.Reset()
		cachedResult, err := service.Build(ctx, newGreetingRequest(), &output)
		require.NoError(t, err)
		require.Empty(t, output.String())
		require.Equal(t, result.ImageID, cachedResult.ImageID)
		for _, step := range cachedResult.Steps {
			require.True(t, step.Cached)
		}
	})

	t.Run("NoCache", func(t *testing.T) {
		request := newGreetingRequest()
		request.NoCache = true
		request.Reference = "greeting:latest"
		uncachedResult, err := service.Build(ctx, request, io.Discard)
		require.NoError(t, err)
		require.Equal(t, result.ImageID, uncachedResult.ImageID)
		require.Equal(t, "greeting:latest", uncachedResult.Reference)
		require.False(t, uncachedResult.Steps[0].Cached)
	})

	t.Run("ListImages", func(t *testing.T) {
		entries, err := service.ListImages(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, result.Reference, entries[0].Reference)
		require.Equal(t, "greeting:latest", entries[1].Reference)
	})

	t.Run("Export", func(t *testing.T) {
		var archive bytes.Buffer
		require.NoError(t, service.Export(ctx, img, image.FormatRootFS, "", &archive))
		files := map[string]string{}
		r := tar.NewReader(&archive)
		for {
			header, err := r.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			if header.Typeflag == tar.TypeReg {
				data, err := io.ReadAll(r)
				require.NoError(t, err)
				files[header.Name] = string(data)
			}
		}
		require.Equal(t, map[string]string{"greeting": "Hello\n"}, files)
	})

	t.Run("UnknownImage", func(t *testing.T) {
		_, err := service.GetImage(ctx, "nonexistent:latest")
		testutil.RequireStatusCode(t, codes.NotFound, err)
	})
}

func TestServiceBuildFailure(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)

	run := "exit 3"
	workdir := "/srv"
	_, err := service.Build(ctx, &buildserver.BuildRequest{
		Spec: buildspec.Spec{
			Steps: []buildspec.Step{
				{Workdir: &workdir},
				{Run: &run},
			},
		},
	}, io.Discard)
	testutil.RequireStatusCode(t, codes.Aborted, err)
	failedStep, ok := buildserver.GetFailedStep(err)
	require.True(t, ok)
	require.Equal(t, 1, failedStep)

	entries, err := service.ListImages(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	// The queue must not leak reservations of failed builds.
	s := service.GetQueueStatus()
	require.Empty(t, s.Active)
	require.Empty(t, s.Pending)
}

func TestServiceUnresolvedCopyStep(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Build(context.Background(), &buildserver.BuildRequest{
		Spec: buildspec.Spec{
			Steps: []buildspec.Step{
				{Copy: &buildspec.CopyStep{Source: "app", Destination: "/app"}},
			},
		},
	}, io.Discard)
	testutil.RequireStatusCode(t, codes.FailedPrecondition, err)
	_, ok := buildserver.GetFailedStep(err)
	require.False(t, ok)
}

func TestServiceCollect(t *testing.T) {
	ctx := context.Background()
	service, contentStore := newTestService(t)

	result, err := service.Build(ctx, newGreetingRequest(), io.Discard)
	require.NoError(t, err)
	garbage, err := contentStore.Put(ctx, []byte("garbage"))
	require.NoError(t, err)

	collected, err := service.Collect(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, collected.Deleted)

	// Removing the image from the catalog turns its manifest into
	// garbage. Its layers are retained, as they are part of the
	// layer graph.
	require.NoError(t, service.DeleteImage(ctx, result.Reference))
	collected, err = service.Collect(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, collected.Deleted)

	ok, err := contentStore.Has(ctx, garbage)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = service.GetImage(ctx, result.ImageID)
	testutil.RequireStatusCode(t, codes.NotFound, err)
	leaf, err := digest.NewDigestFromString(result.Leaf)
	require.NoError(t, err)
	ok, err = contentStore.Has(ctx, leaf)
	require.NoError(t, err)
	require.True(t, ok)
}
