// Package mock contains mocks of the interfaces of containerbuilder,
// for use in unit tests.
package mock

//go:generate mockgen -package mock -destination aws.go github.com/olcf/containerbuilder/pkg/cloud/aws S3Client
//go:generate mockgen -package mock -destination builder.go github.com/olcf/containerbuilder/pkg/builder CommandRunner,Executor
//go:generate mockgen -package mock -destination buildspec.go github.com/olcf/containerbuilder/pkg/buildspec BlobUploader
//go:generate mockgen -package mock -destination cas.go github.com/olcf/containerbuilder/pkg/cas ContentStore
//go:generate mockgen -package mock -destination clock.go github.com/olcf/containerbuilder/pkg/clock Clock
//go:generate mockgen -package mock -destination layer.go github.com/olcf/containerbuilder/pkg/layer Graph
