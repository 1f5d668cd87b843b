package configuration_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/olcf/containerbuilder/pkg/builder"
	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/buildspec"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/configuration"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/codes"
)

func writeConfiguration(t *testing.T, jsonnet string) string {
	path := filepath.Join(t.TempDir(), "container_builder.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(jsonnet), 0o644))
	return path
}

func TestGetApplicationConfiguration(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{
			contentStore: { memory: {} },
		}`))
		require.NoError(t, err)
		require.Equal(t, 4, c.MaximumConcurrentBuilds)
		require.Equal(t, 1, c.MaximumAttempts)
		require.Equal(t, int64(1<<30), c.MaximumBlobSizeBytes)
		require.NotNil(t, c.StepCache.Memory)
		require.Nil(t, c.StepCache.SQLite)
	})

	t.Run("DatabaseSelectsSQLiteStepCache", func(t *testing.T) {
		c, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{
			contentStore: { memory: {} },
			databasePath: '/var/lib/container_builder/db.sqlite',
		}`))
		require.NoError(t, err)
		require.NotNil(t, c.StepCache.SQLite)
	})

	t.Run("Jsonnet", func(t *testing.T) {
		c, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `
			local builds = 3;
			{
				contentStore: {
					digestFunction: 'BLAKE3',
					directory: { path: '/var/lib/container_builder/cas', compress: true },
				},
				maximumConcurrentBuilds: builds,
				maximumAttempts: builds - 1,
				httpServers: [{
					listenAddresses: [':8980'],
					authenticationPolicy: { allow: {} },
				}],
				remote: { url: 'http://build-server:8980' },
			}
		`))
		require.NoError(t, err)
		require.Equal(t, "BLAKE3", c.ContentStore.DigestFunction)
		require.True(t, c.ContentStore.Directory.Compress)
		require.Equal(t, 3, c.MaximumConcurrentBuilds)
		require.Equal(t, 2, c.MaximumAttempts)
		require.Equal(t, []string{":8980"}, c.HTTPServers[0].ListenAddresses)

		remote, err := c.GetRemoteConfiguration()
		require.NoError(t, err)
		require.Equal(t, "http://build-server:8980", remote.URL)
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{
			contentStore: { memory: {} },
			maximumConcurentBuilds: 3,
		}`))
		testutil.RequireStatusCode(t, codes.InvalidArgument, err)
	})

	t.Run("NoRemote", func(t *testing.T) {
		c, err := configuration.GetApplicationConfiguration(writeConfiguration(t, `{}`))
		require.NoError(t, err)
		_, err = c.GetRemoteConfiguration()
		testutil.RequireStatusCode(t, codes.InvalidArgument, err)
	})
}

func TestNewComponentsFromConfiguration(t *testing.T) {
	ctx := context.Background()

	t.Run("NoContentStore", func(t *testing.T) {
		_, err := configuration.NewComponentsFromConfiguration(ctx, &configuration.ApplicationConfiguration{}, noop.NewTracerProvider())
		testutil.RequireStatusCode(t, codes.InvalidArgument, err)
	})

	for _, useDatabase := range []bool{false, true} {
		name := "Memory"
		if useDatabase {
			name = "SQLite"
		}
		t.Run(name, func(t *testing.T) {
			c := &configuration.ApplicationConfiguration{
				ContentStore: &cas.Configuration{
					DigestFunction: "SHA256",
					Memory:         &struct{}{},
				},
				Builder: builder.Configuration{
					WorkDirectory: t.TempDir(),
				},
				ExportWorkDirectory: t.TempDir(),
			}
			if useDatabase {
				c.DatabasePath = filepath.Join(t.TempDir(), "db.sqlite")
			}
			components, err := configuration.NewComponentsFromConfiguration(ctx, c, noop.NewTracerProvider())
			require.NoError(t, err)
			defer func() { require.NoError(t, components.Close()) }()
			require.Equal(t, digest.SHA256, components.DigestFunction)

			run := "echo Hello > /greeting"
			request := &buildserver.BuildRequest{
				Spec: buildspec.Spec{
					Steps: []buildspec.Step{{Run: &run}},
				},
				Reference: "greeting:latest",
			}
			result, err := components.Service.Build(ctx, request, io.Discard)
			require.NoError(t, err)
			require.False(t, result.Steps[0].Cached)

			// The second build is served from the step cache.
			result, err = components.Service.Build(ctx, request, io.Discard)
			require.NoError(t, err)
			require.True(t, result.Steps[0].Cached)

			entries, err := components.Service.ListImages(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, "greeting:latest", entries[0].Reference)
		})
	}
}

func TestNewLocalConfiguration(t *testing.T) {
	ctx := context.Background()
	directory := filepath.Join(t.TempDir(), "state")
	run := "echo Hello > /greeting"
	request := &buildserver.BuildRequest{
		Spec: buildspec.Spec{
			Steps: []buildspec.Step{{Run: &run}},
		},
		Reference: "greeting:latest",
	}

	// State is retained across invocations of the command line tool.
	var imageID string
	for i, expectCached := range []bool{false, true} {
		c := configuration.NewLocalConfiguration(directory)
		require.NotNil(t, c.StepCache.SQLite)
		components, err := configuration.NewComponentsFromConfiguration(ctx, c, noop.NewTracerProvider())
		require.NoError(t, err)

		result, err := components.Service.Build(ctx, request, io.Discard)
		require.NoError(t, err)
		require.Equal(t, expectCached, result.Steps[0].Cached)
		if i == 0 {
			imageID = result.ImageID
		} else {
			require.Equal(t, imageID, result.ImageID)
			img, err := components.Service.GetImage(ctx, "greeting:latest")
			require.NoError(t, err)
			require.Equal(t, imageID, img.ID.String())
		}
		require.NoError(t, components.Close())
	}
}
