// Package buildserver contains the build service: it accepts build
// requests, runs them through the build queue and turns their leaf
// layers into images. The service can be used in-process by the
// command line tool, or be exposed over HTTP.
package buildserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/olcf/containerbuilder/pkg/build"
	"github.com/olcf/containerbuilder/pkg/builder"
	"github.com/olcf/containerbuilder/pkg/buildspec"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/gc"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/queue"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BuildRequest is a request to build an image. The copy steps of the
// build specification must have been resolved.
type BuildRequest struct {
	Spec    buildspec.Spec `json:"spec"`
	NoCache bool           `json:"noCache,omitempty"`
	// Reference under which the image is stored in the catalog. If
	// empty, a reference is derived from the image ID.
	Reference string `json:"reference,omitempty"`
}

// StepResult describes how a single step of a build was processed.
type StepResult struct {
	Kind            string  `json:"kind"`
	CacheKey        string  `json:"cacheKey"`
	Layer           string  `json:"layer"`
	Cached          bool    `json:"cached"`
	Attempts        int     `json:"attempts,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	ImageID   string       `json:"imageId"`
	Reference string       `json:"reference"`
	Leaf      string       `json:"leaf"`
	Steps     []StepResult `json:"steps"`
}

// Service that runs builds and garbage collection. Builds may run
// concurrently, up to the limit of the build queue. Garbage collection
// waits for all running builds to complete, and blocks new builds
// from starting while it runs.
type Service struct {
	builder   *build.Builder
	assembler *image.Assembler
	catalog   image.Catalog
	exporter  *image.Exporter
	collector *gc.Collector
	queue     *queue.Queue

	lock sync.RWMutex
}

// NewService creates a Service.
func NewService(builder *build.Builder, assembler *image.Assembler, catalog image.Catalog, exporter *image.Exporter, collector *gc.Collector, queue *queue.Queue) *Service {
	return &Service{
		builder:   builder,
		assembler: assembler,
		catalog:   catalog,
		exporter:  exporter,
		collector: collector,
		queue:     queue,
	}
}

// Build an image. The output of commands run as part of the build is
// written to output. Upon success, the image is stored in the catalog.
func (s *Service) Build(ctx context.Context, request *BuildRequest, output io.Writer) (*BuildResult, error) {
	buildSpec, err := request.Spec.ToBuildSpec()
	if err != nil {
		return nil, util.StatusWrap(err, "Invalid build specification")
	}
	buildSpec.NoCache = request.NoCache

	description := fmt.Sprintf("%d steps", len(buildSpec.Steps))
	if request.Reference != "" {
		description = request.Reference
	}
	reservation, err := s.queue.Enter(ctx, description)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to obtain a reservation in the build queue")
	}
	defer reservation.Release()
	log.Printf("Reservation %s: starting build of %s", reservation.ID(), description)

	s.lock.RLock()
	defer s.lock.RUnlock()

	if output != nil {
		ctx = builder.NewContextWithOutput(ctx, output)
	}
	result, err := s.builder.Build(ctx, buildSpec)
	if err != nil {
		log.Printf("Reservation %s: build failed: %s", reservation.ID(), err)
		return nil, err
	}
	if result.Leaf == nil {
		return nil, status.Error(codes.InvalidArgument, "Build produced no layers")
	}
	img, err := s.assembler.Assemble(ctx, *result.Leaf, request.Spec.GetImageMetadata())
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to assemble image")
	}
	reference := request.Reference
	if reference == "" {
		reference = image.GetDefaultReference(img)
	}
	if err := s.catalog.Put(ctx, reference, img.ID); err != nil {
		return nil, util.StatusWrapf(err, "Failed to store image under reference %#v", reference)
	}
	log.Printf("Reservation %s: built image %s with %d executed steps", reservation.ID(), img.ID, result.ExecutorInvocations())

	buildResult := &BuildResult{
		ImageID:   img.ID.String(),
		Reference: reference,
		Leaf:      result.Leaf.String(),
		Steps:     make([]StepResult, 0, len(result.Steps)),
	}
	for _, step := range result.Steps {
		buildResult.Steps = append(buildResult.Steps, StepResult{
			Kind:            string(step.Kind),
			CacheKey:        step.CacheKey.String(),
			Layer:           step.Layer.String(),
			Cached:          step.Cached,
			Attempts:        step.Attempts,
			DurationSeconds: step.Duration.Seconds(),
		})
	}
	return buildResult, nil
}

// GetImage returns an image by ID or by catalog reference.
func (s *Service) GetImage(ctx context.Context, idOrReference string) (*image.Image, error) {
	id, err := digest.NewDigestFromString(idOrReference)
	if err != nil {
		if id, err = s.catalog.Get(ctx, idOrReference); err != nil {
			return nil, err
		}
	}
	return s.assembler.Get(ctx, id)
}

// ListImages returns all entries of the image catalog.
func (s *Service) ListImages(ctx context.Context) ([]image.CatalogEntry, error) {
	return s.catalog.List(ctx)
}

// DeleteImage removes a reference from the image catalog. The blobs of
// the image are removed by the next garbage collection run, unless
// they are referenced otherwise.
func (s *Service) DeleteImage(ctx context.Context, reference string) error {
	return s.catalog.Delete(ctx, reference)
}

// Export an image. Garbage collection is blocked while the image is
// being exported.
func (s *Service) Export(ctx context.Context, img *image.Image, format image.Format, reference string, w io.Writer) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.exporter.Export(ctx, img, format, reference, w)
}

// Materialize the root file system of an image into a directory.
func (s *Service) Materialize(ctx context.Context, img *image.Image, target string) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.exporter.Materialize(ctx, img, target)
}

// WriteOCILayout adds an image to an OCI image layout directory.
func (s *Service) WriteOCILayout(ctx context.Context, img *image.Image, reference, directory string) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.exporter.WriteOCILayout(ctx, img, reference, directory)
}

// RecordUploads informs the garbage collector that clients uploaded
// blobs or confirmed their presence in preparation of a build.
func (s *Service) RecordUploads(digests digest.Set) {
	s.collector.RecordUploads(digests)
}

// Collect garbage, waiting for all running builds to complete.
func (s *Service) Collect(ctx context.Context, dryRun bool) (*gc.Result, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.collector.Collect(ctx, dryRun)
}

// GetQueueStatus returns the status of the build queue.
func (s *Service) GetQueueStatus() queue.Status {
	return s.queue.GetStatus()
}

// GetFailedStep returns the index of the step that caused a build to
// fail, if any.
func GetFailedStep(err error) (int, bool) {
	var stepErr *build.StepFailedError
	if errors.As(err, &stepErr) {
		return stepErr.StepIndex, true
	}
	return 0, false
}
