// Package configuration contains the configuration file format shared
// by containerbuilder binaries, and the code to construct a build
// service from it.
package configuration

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/olcf/containerbuilder/pkg/build"
	"github.com/olcf/containerbuilder/pkg/builder"
	"github.com/olcf/containerbuilder/pkg/buildserver"
	"github.com/olcf/containerbuilder/pkg/cache"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/database"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/gc"
	"github.com/olcf/containerbuilder/pkg/global"
	cb_http "github.com/olcf/containerbuilder/pkg/http"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/queue"
	"github.com/olcf/containerbuilder/pkg/util"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemoteConfiguration contains the address of a build server that is
// used by the command line tool's remote-build command.
type RemoteConfiguration struct {
	URL            string                       `json:"url"`
	DigestFunction string                       `json:"digestFunction"`
	HTTPClient     *cb_http.ClientConfiguration `json:"httpClient"`
}

// ApplicationConfiguration is the top level message of the
// configuration files of the build server and the command line tool.
type ApplicationConfiguration struct {
	Global *global.Configuration `json:"global"`

	ContentStore *cas.Configuration `json:"contentStore"`
	// Path of the SQLite database holding the layer graph, the
	// image catalog and optionally the step cache. If empty, these
	// are kept in memory.
	DatabasePath string                `json:"databasePath"`
	StepCache    *cache.Configuration  `json:"stepCache"`
	Builder      builder.Configuration `json:"builder"`

	MaximumConcurrentBuilds int `json:"maximumConcurrentBuilds"`
	MaximumAttempts         int `json:"maximumAttempts"`
	// Directory in which images are staged while being exported.
	ExportWorkDirectory string `json:"exportWorkDirectory"`
	// If set, the build server collects garbage at this interval.
	GarbageCollectionInterval util.Duration `json:"garbageCollectionInterval"`
	// Blobs uploaded by clients are retained by garbage collection
	// for this duration, so that they can be referenced by a build
	// that is submitted afterwards.
	GarbageCollectionGracePeriod util.Duration `json:"garbageCollectionGracePeriod"`

	HTTPServers          []*cb_http.ServerConfiguration `json:"httpServers"`
	MaximumBlobSizeBytes int64                          `json:"maximumBlobSizeBytes"`

	Remote *RemoteConfiguration `json:"remote"`
}

const (
	defaultMaximumConcurrentBuilds = 4
	defaultMaximumAttempts         = 1
	defaultMaximumBlobSizeBytes    = 1 << 30
	defaultMemoryStepCacheEntries  = 100000
	defaultGarbageCollectionGrace  = time.Hour
)

// NewLocalConfiguration returns the configuration that is used by the
// command line tool if no configuration file is provided. All state is
// stored in a single directory.
func NewLocalConfiguration(directory string) *ApplicationConfiguration {
	configuration := &ApplicationConfiguration{
		ContentStore: &cas.Configuration{
			Directory: &cas.DirectoryConfiguration{
				Path:     filepath.Join(directory, "cas"),
				Compress: true,
			},
		},
		DatabasePath: filepath.Join(directory, "containerbuilder.sqlite"),
		Builder: builder.Configuration{
			WorkDirectory: filepath.Join(directory, "work"),
		},
		ExportWorkDirectory: filepath.Join(directory, "export"),
	}
	setDefaultValues(configuration)
	return configuration
}

// GetApplicationConfiguration reads a Jsonnet configuration file and
// fills in defaults for options that are not set.
func GetApplicationConfiguration(path string) (*ApplicationConfiguration, error) {
	var configuration ApplicationConfiguration
	if err := util.UnmarshalConfigurationFromFile(path, &configuration); err != nil {
		return nil, util.StatusWrapf(err, "Failed to read configuration from %#v", path)
	}
	setDefaultValues(&configuration)
	return &configuration, nil
}

func setDefaultValues(configuration *ApplicationConfiguration) {
	if configuration.MaximumConcurrentBuilds <= 0 {
		configuration.MaximumConcurrentBuilds = defaultMaximumConcurrentBuilds
	}
	if configuration.MaximumAttempts <= 0 {
		configuration.MaximumAttempts = defaultMaximumAttempts
	}
	if configuration.MaximumBlobSizeBytes <= 0 {
		configuration.MaximumBlobSizeBytes = defaultMaximumBlobSizeBytes
	}
	if configuration.GarbageCollectionGracePeriod.Duration <= 0 {
		configuration.GarbageCollectionGracePeriod.Duration = defaultGarbageCollectionGrace
	}
	if configuration.ExportWorkDirectory == "" {
		configuration.ExportWorkDirectory = os.TempDir()
	}
	if configuration.StepCache == nil {
		if configuration.DatabasePath != "" {
			configuration.StepCache = &cache.Configuration{
				SQLite: &cache.SQLiteConfiguration{},
			}
		} else {
			configuration.StepCache = &cache.Configuration{
				Memory: &cache.MemoryConfiguration{
					MaximumEntries: defaultMemoryStepCacheEntries,
				},
			}
		}
	}
}

// Components that are constructed from an ApplicationConfiguration.
type Components struct {
	Service        *buildserver.Service
	ContentStore   cas.ContentStore
	DigestFunction digest.Function

	db *sql.DB
}

// Close releases resources held by the components, such as the
// database.
func (c *Components) Close() error {
	if c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to close database")
	}
	return nil
}

// NewComponentsFromConfiguration constructs the Content Store, the
// layer graph, the step cache, the image catalog and the build service
// on top of them.
func NewComponentsFromConfiguration(ctx context.Context, configuration *ApplicationConfiguration, tracerProvider trace.TracerProvider) (*Components, error) {
	setDefaultValues(configuration)
	if path := configuration.DatabasePath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create database directory %#v", filepath.Dir(path))
		}
	}
	contentStore, function, err := cas.NewContentStoreFromConfiguration(ctx, configuration.ContentStore)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to create content store")
	}

	components := &Components{
		ContentStore:   contentStore,
		DigestFunction: function,
	}
	var graph layer.Graph
	var catalog image.Catalog
	if path := configuration.DatabasePath; path != "" {
		db, err := database.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		components.db = db
		graph = layer.NewSQLiteGraph(db)
		catalog = image.NewSQLiteCatalog(db, clock.SystemClock)
	} else {
		graph = layer.NewMemoryGraph()
		catalog = image.NewMemoryCatalog(clock.SystemClock)
	}

	index, err := cache.NewIndexFromConfiguration(configuration.StepCache, components.db, function)
	if err != nil {
		components.Close()
		return nil, util.StatusWrap(err, "Failed to create step cache")
	}
	executor, err := builder.NewExecutorFromConfiguration(contentStore, graph, function, &configuration.Builder, nil)
	if err != nil {
		components.Close()
		return nil, util.StatusWrap(err, "Failed to create build step executor")
	}
	if err := os.MkdirAll(configuration.ExportWorkDirectory, 0o700); err != nil {
		components.Close()
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create export work directory %#v", configuration.ExportWorkDirectory)
	}

	assembler := image.NewAssembler(contentStore, graph, function)
	components.Service = buildserver.NewService(
		build.NewBuilder(graph, index, executor, function, clock.SystemClock, configuration.MaximumAttempts, tracerProvider),
		assembler,
		catalog,
		image.NewExporter(contentStore, assembler, function, configuration.ExportWorkDirectory),
		gc.NewCollector(contentStore, graph, catalog, assembler, clock.SystemClock, configuration.GarbageCollectionGracePeriod.Duration),
		queue.NewQueue(configuration.MaximumConcurrentBuilds, clock.SystemClock, uuid.NewRandom))
	return components, nil
}

// GetRemoteConfiguration returns the configuration of the build
// server used by remote builds, failing if none is provided.
func (c *ApplicationConfiguration) GetRemoteConfiguration() (*RemoteConfiguration, error) {
	if c.Remote == nil || c.Remote.URL == "" {
		return nil, status.Error(codes.InvalidArgument, "No build server URL configured")
	}
	return c.Remote, nil
}
