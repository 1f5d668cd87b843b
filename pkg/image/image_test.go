package image_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/olcf/containerbuilder/internal/mock"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.uber.org/mock/gomock"
)

type testImage struct {
	contentStore cas.ContentStore
	graph        layer.Graph
	assembler    *image.Assembler
	base         *layer.Layer
	leaf         *layer.Layer
}

// newTestImage creates a chain of two layers. The first adds an
// application and a configuration file. The second removes the
// configuration file and sets the entrypoint.
func newTestImage(t *testing.T) *testImage {
	ctx := context.Background()
	contentStore := cas.NewMemoryContentStore(digest.SHA256)
	graph := layer.NewMemoryGraph()

	appDigest, err := contentStore.Put(ctx, []byte("#!/bin/sh\necho Hello\n"))
	require.NoError(t, err)
	configDigest, err := contentStore.Put(ctx, []byte("debug = true\n"))
	require.NoError(t, err)

	base, blob, err := layer.NewLayer(digest.SHA256, nil, digest.SHA256.Compute([]byte("copy")), []layer.Entry{
		{Path: "bin", Type: layer.EntryTypeDirectory, Mode: 0o755},
		{Path: "bin/app", Type: layer.EntryTypeRegular, Mode: 0o755, Digest: appDigest, SizeBytes: 21},
		{Path: "etc", Type: layer.EntryTypeDirectory, Mode: 0o755},
		{Path: "etc/app.conf", Type: layer.EntryTypeRegular, Mode: 0o644, Digest: configDigest, SizeBytes: 13},
		{Path: "bin/sh", Type: layer.EntryTypeSymlink, Mode: 0o777, LinkTarget: "app"},
	}, layer.ConfigDelta{
		Env: []layer.EnvVar{{Name: "PATH", Value: "/bin"}},
	})
	require.NoError(t, err)
	_, err = contentStore.Put(ctx, blob)
	require.NoError(t, err)
	_, err = graph.Add(ctx, base)
	require.NoError(t, err)

	leaf, blob, err := layer.NewLayer(digest.SHA256, &base.ID, digest.SHA256.Compute([]byte("cleanup")), []layer.Entry{
		{Path: "etc/app.conf", Type: layer.EntryTypeWhiteout},
	}, layer.ConfigDelta{
		Entrypoint: []string{"/bin/app"},
		Labels:     map[string]string{"stage": "leaf"},
	})
	require.NoError(t, err)
	_, err = contentStore.Put(ctx, blob)
	require.NoError(t, err)
	_, err = graph.Add(ctx, leaf)
	require.NoError(t, err)

	return &testImage{
		contentStore: contentStore,
		graph:        graph,
		assembler:    image.NewAssembler(contentStore, graph, digest.SHA256),
		base:         base,
		leaf:         leaf,
	}
}

func TestAssemble(t *testing.T) {
	ctx := context.Background()
	ti := newTestImage(t)
	metadata := image.Metadata{
		Author:  "builder@example.com",
		Created: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Labels:  map[string]string{"stage": "release"},
	}

	img, err := ti.assembler.Assemble(ctx, ti.leaf.ID, metadata)
	require.NoError(t, err)
	require.Equal(t, []layer.ID{ti.base.ID, ti.leaf.ID}, img.Layers)
	require.Equal(t, layer.Config{
		Env:        []string{"PATH=/bin"},
		Entrypoint: []string{"/bin/app"},
		Labels:     map[string]string{"stage": "leaf"},
	}, img.Config)
	require.Equal(t, map[string]string{"stage": "release"}, img.GetLabels())
	leaf, ok := img.GetLeaf()
	require.True(t, ok)
	require.Equal(t, ti.leaf.ID, leaf)

	// The manifest is stored, and assembling is deterministic.
	stored, err := ti.assembler.Get(ctx, img.ID)
	require.NoError(t, err)
	require.Equal(t, img, stored)
	again, err := ti.assembler.Assemble(ctx, ti.leaf.ID, metadata)
	require.NoError(t, err)
	require.Equal(t, img.ID, again.ID)

	// Different metadata yields a different image.
	other, err := ti.assembler.Assemble(ctx, ti.leaf.ID, image.Metadata{})
	require.NoError(t, err)
	require.NotEqual(t, img.ID, other.ID)
	require.True(t, other.Metadata.Created.IsZero())
}

func TestAssembleBrokenChain(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownLeaf", func(t *testing.T) {
		ti := newTestImage(t)
		_, err := ti.assembler.Assemble(ctx, digest.SHA256.Compute([]byte("unknown")), image.Metadata{})
		testutil.RequireStatusCode(t, codes.NotFound, err)
	})

	t.Run("MissingAncestor", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		ti := newTestImage(t)
		graph := mock.NewMockGraph(ctrl)
		graph.EXPECT().Get(ctx, ti.leaf.ID).Return(ti.leaf, nil)
		graph.EXPECT().Ancestors(ctx, ti.leaf.ID).Return(nil, status.Errorf(codes.NotFound, "Layer %s not found", ti.base.ID))

		_, err := image.NewAssembler(ti.contentStore, graph, digest.SHA256).Assemble(ctx, ti.leaf.ID, image.Metadata{})
		testutil.RequireEqualStatus(t, status.Errorf(codes.DataLoss, "Ancestors of layer %s are broken: Layer %s not found", ti.leaf.ID, ti.base.ID), err)
	})

	t.Run("MissingFileBlob", func(t *testing.T) {
		ti := newTestImage(t)
		appDigest := digest.SHA256.Compute([]byte("#!/bin/sh\necho Hello\n"))
		require.NoError(t, ti.contentStore.Delete(ctx, appDigest))

		_, err := ti.assembler.Assemble(ctx, ti.leaf.ID, image.Metadata{})
		testutil.RequireEqualStatus(t, status.Errorf(codes.DataLoss, "Ancestors of layer %s are broken: 1 blobs are missing from the content store, including %s", ti.leaf.ID, appDigest), err)
	})

	t.Run("MissingLayerBlob", func(t *testing.T) {
		ti := newTestImage(t)
		require.NoError(t, ti.contentStore.Delete(ctx, ti.base.ID))

		_, err := ti.assembler.Assemble(ctx, ti.leaf.ID, image.Metadata{})
		testutil.RequireStatusCode(t, codes.DataLoss, err)
	})
}

func TestMetadataJSON(t *testing.T) {
	t.Run("Reproducible", func(t *testing.T) {
		data, err := json.Marshal(image.Metadata{OS: "linux"})
		require.NoError(t, err)
		require.JSONEq(t, `{"os":"linux"}`, string(data))
	})

	t.Run("Created", func(t *testing.T) {
		data, err := json.Marshal(image.Metadata{
			Created: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		require.JSONEq(t, `{"created":"2024-03-01T12:00:00Z"}`, string(data))
	})
}

func TestNewImageFromManifest(t *testing.T) {
	_, err := image.NewImageFromManifest(digest.SHA256.Compute([]byte("manifest")), []byte("corrupted"))
	testutil.RequireStatusCode(t, codes.DataLoss, err)

	_, err = image.NewImageFromManifest(digest.SHA256.Compute([]byte("not cbor")), []byte("not cbor"))
	testutil.RequireStatusCode(t, codes.DataLoss, err)
}

func readTar(t *testing.T, r io.Reader) map[string]*tar.Header {
	headers := map[string]*tar.Header{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return headers
		}
		require.NoError(t, err)
		headers[filepath.Clean(hdr.Name)] = hdr
	}
}

func TestExporter(t *testing.T) {
	ctx := context.Background()
	ti := newTestImage(t)
	img, err := ti.assembler.Assemble(ctx, ti.leaf.ID, image.Metadata{Architecture: "arm64"})
	require.NoError(t, err)
	exporter := image.NewExporter(ti.contentStore, ti.assembler, digest.SHA256, t.TempDir())

	t.Run("ParseFormat", func(t *testing.T) {
		format, err := image.ParseFormat("")
		require.NoError(t, err)
		require.Equal(t, image.FormatDockerArchive, format)
		format, err = image.ParseFormat("rootfs")
		require.NoError(t, err)
		require.Equal(t, image.FormatRootFS, format)
		_, err = image.ParseFormat("singularity")
		testutil.RequireStatusCode(t, codes.InvalidArgument, err)
	})

	t.Run("RootFS", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, exporter.Export(ctx, img, image.FormatRootFS, "", &buf))
		headers := readTar(t, &buf)
		require.Contains(t, headers, "bin/app")
		require.Contains(t, headers, "bin/sh")
		require.Equal(t, "app", headers["bin/sh"].Linkname)
		require.NotContains(t, headers, "etc/app.conf")
		require.NotContains(t, headers, "etc/.wh.app.conf")
	})

	t.Run("DockerArchive", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "image.tar")
		f, err := os.Create(p)
		require.NoError(t, err)
		require.NoError(t, exporter.Export(ctx, img, image.FormatDockerArchive, "example.com/app:latest", f))
		require.NoError(t, f.Close())

		v1Image, err := tarball.ImageFromPath(p, nil)
		require.NoError(t, err)
		layers, err := v1Image.Layers()
		require.NoError(t, err)
		require.Len(t, layers, 2)
		configFile, err := v1Image.ConfigFile()
		require.NoError(t, err)
		require.Equal(t, "arm64", configFile.Architecture)
		require.Equal(t, "linux", configFile.OS)
		require.Equal(t, []string{"PATH=/bin"}, configFile.Config.Env)
		require.Equal(t, []string{"/bin/app"}, configFile.Config.Entrypoint)
	})

	t.Run("InvalidReference", func(t *testing.T) {
		err := exporter.Export(ctx, img, image.FormatDockerArchive, "Not A Reference", io.Discard)
		testutil.RequireStatusCode(t, codes.InvalidArgument, err)
	})

	t.Run("OCILayout", func(t *testing.T) {
		directory := t.TempDir()
		require.NoError(t, exporter.WriteOCILayout(ctx, img, "", directory))
		index, err := layout.ImageIndexFromPath(directory)
		require.NoError(t, err)
		indexManifest, err := index.IndexManifest()
		require.NoError(t, err)
		require.Len(t, indexManifest.Manifests, 1)
		require.Equal(t, image.GetDefaultReference(img), indexManifest.Manifests[0].Annotations["org.opencontainers.image.ref.name"])

		var buf bytes.Buffer
		require.NoError(t, exporter.Export(ctx, img, image.FormatOCILayout, "", &buf))
		headers := readTar(t, &buf)
		require.Contains(t, headers, "oci-layout")
		require.Contains(t, headers, "index.json")
	})

	t.Run("Materialize", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "rootfs")
		require.NoError(t, exporter.Materialize(ctx, img, target))
		data, err := os.ReadFile(filepath.Join(target, "bin", "app"))
		require.NoError(t, err)
		require.Equal(t, "#!/bin/sh\necho Hello\n", string(data))
		_, err = os.Stat(filepath.Join(target, "etc", "app.conf"))
		require.True(t, os.IsNotExist(err))
		link, err := os.Readlink(filepath.Join(target, "bin", "sh"))
		require.NoError(t, err)
		require.Equal(t, "app", link)
	})
}
