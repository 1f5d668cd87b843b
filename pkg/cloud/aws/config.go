package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
)

// StaticCredentialsConfiguration holds a fixed AWS access key.
type StaticCredentialsConfiguration struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

// SessionConfiguration contains the options that are used to connect
// to AWS (or an S3 compatible service, such as MinIO).
type SessionConfiguration struct {
	Region            string                          `json:"region"`
	Endpoint          string                          `json:"endpoint"`
	UsePathStyle      bool                            `json:"usePathStyle"`
	StaticCredentials *StaticCredentialsConfiguration `json:"staticCredentials"`
}

// NewConfigFromConfiguration creates a new AWS SDK config object based
// on options specified in a session configuration message. When no
// static credentials are provided, the default credential chain of the
// SDK is used (environment variables, shared configuration files,
// instance metadata).
func NewConfigFromConfiguration(ctx context.Context, configuration *SessionConfiguration) (aws.Config, error) {
	var loadOptions []func(*config.LoadOptions) error
	if configuration.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(configuration.Region))
	}
	if staticCredentials := configuration.StaticCredentials; staticCredentials != nil {
		loadOptions = append(loadOptions,
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					staticCredentials.AccessKeyID,
					staticCredentials.SecretAccessKey,
					"")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return aws.Config{}, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to load AWS configuration")
	}
	return cfg, nil
}

// NewS3ClientFromConfiguration creates an S3 client based on options
// specified in a session configuration message.
func NewS3ClientFromConfiguration(ctx context.Context, configuration *SessionConfiguration) (*s3.Client, error) {
	cfg, err := NewConfigFromConfiguration(ctx, configuration)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if configuration.Endpoint != "" {
			o.BaseEndpoint = aws.String(configuration.Endpoint)
		}
		o.UsePathStyle = configuration.UsePathStyle
	}), nil
}
