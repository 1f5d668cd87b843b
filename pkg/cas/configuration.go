package cas

import (
	"context"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	cloud_aws "github.com/olcf/containerbuilder/pkg/cloud/aws"
	"github.com/olcf/containerbuilder/pkg/cloud/gcp"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/eviction"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DirectoryConfiguration selects the local directory backend.
type DirectoryConfiguration struct {
	Path     string `json:"path"`
	Compress bool   `json:"compress"`
}

// S3Configuration selects the S3 backend.
type S3Configuration struct {
	Session   cloud_aws.SessionConfiguration `json:"session"`
	Bucket    string                         `json:"bucket"`
	KeyPrefix string                         `json:"keyPrefix"`
}

// GCSConfiguration selects the Google Cloud Storage backend.
type GCSConfiguration struct {
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"keyPrefix"`
	CredentialsFile string `json:"credentialsFile"`
}

// ExistenceCacheConfiguration enables caching of Has() and
// FindMissing() results.
type ExistenceCacheConfiguration struct {
	CacheSize              int           `json:"cacheSize"`
	CacheDuration          util.Duration `json:"cacheDuration"`
	CacheReplacementPolicy string        `json:"cacheReplacementPolicy"`
}

// Configuration of a Content Store. Exactly one of the backend fields
// must be set.
type Configuration struct {
	DigestFunction string `json:"digestFunction"`

	Directory *DirectoryConfiguration `json:"directory"`
	Memory    *struct{}               `json:"memory"`
	S3        *S3Configuration        `json:"s3"`
	GCS       *GCSConfiguration       `json:"gcs"`

	ExistenceCache *ExistenceCacheConfiguration `json:"existenceCache"`
}

// NewContentStoreFromConfiguration creates a Content Store based on
// parameters provided in a configuration file. The resulting store is
// always wrapped in a decorator that exposes Prometheus metrics.
func NewContentStoreFromConfiguration(ctx context.Context, configuration *Configuration) (ContentStore, digest.Function, error) {
	if configuration == nil {
		return nil, digest.Function{}, status.Error(codes.InvalidArgument, "Content store configuration not specified")
	}
	function, err := digest.NewFunction(configuration.DigestFunction)
	if err != nil {
		return nil, digest.Function{}, err
	}

	var contentStore ContentStore
	var backendType string
	switch {
	case configuration.Directory != nil:
		backendType = "directory"
		contentStore, err = NewDirectoryContentStore(configuration.Directory.Path, function, configuration.Directory.Compress, uuid.NewRandom)
		if err != nil {
			return nil, digest.Function{}, err
		}
	case configuration.Memory != nil:
		backendType = "memory"
		contentStore = NewMemoryContentStore(function)
	case configuration.S3 != nil:
		backendType = "s3"
		s3Client, err := cloud_aws.NewS3ClientFromConfiguration(ctx, &configuration.S3.Session)
		if err != nil {
			return nil, digest.Function{}, err
		}
		contentStore = NewS3ContentStore(s3Client, configuration.S3.Bucket, configuration.S3.KeyPrefix, function)
	case configuration.GCS != nil:
		backendType = "gcs"
		var clientOptions []option.ClientOption
		if credentialsFile := configuration.GCS.CredentialsFile; credentialsFile != "" {
			clientOptions = append(clientOptions, option.WithCredentialsFile(credentialsFile))
		}
		client, err := storage.NewClient(ctx, clientOptions...)
		if err != nil {
			return nil, digest.Function{}, util.StatusWrapWithCode(err, codes.Internal, "Failed to create Google Cloud Storage client")
		}
		bucket := gcp.NewWrappedStorageClient(client).Bucket(configuration.GCS.Bucket)
		contentStore = NewGCSContentStore(bucket, configuration.GCS.KeyPrefix, function)
	default:
		return nil, digest.Function{}, status.Error(codes.InvalidArgument, "Content store configuration does not contain a backend")
	}

	if existenceCache := configuration.ExistenceCache; existenceCache != nil {
		evictionSet, err := eviction.NewSetFromConfiguration[digest.Digest](existenceCache.CacheReplacementPolicy)
		if err != nil {
			return nil, digest.Function{}, util.StatusWrap(err, "Failed to create eviction set for existence cache")
		}
		contentStore = NewExistenceCachingContentStore(
			contentStore,
			digest.NewExistenceCache(
				clock.SystemClock,
				existenceCache.CacheSize,
				existenceCache.CacheDuration.Duration,
				eviction.NewMetricsSet(evictionSet, "ExistenceCachingContentStore")))
	}
	return NewMetricsContentStore(contentStore, clock.SystemClock, backendType), function, nil
}
