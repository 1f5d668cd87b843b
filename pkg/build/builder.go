// Package build contains the build driver: it runs the steps of a
// build one after the other, reusing cached layers where possible and
// executing steps for which no cached layer exists.
package build

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/olcf/containerbuilder/pkg/builder"
	"github.com/olcf/containerbuilder/pkg/cache"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Spec of a build: a sequence of steps applied on top of an optional
// base layer.
type Spec struct {
	Base  *layer.ID
	Steps []builder.Step
	// Execute all steps, even if cached layers exist.
	NoCache bool
}

// StepReport describes how a single step of a build was processed.
type StepReport struct {
	Kind     builder.Kind
	CacheKey cache.Key
	Layer    layer.ID
	Cached   bool
	// Number of times the step was executed. Zero for cached steps.
	Attempts int
	Duration time.Duration
}

// Result of a successful build.
type Result struct {
	// Leaf layer of the build, or nil if the build consisted of no
	// steps and had no base.
	Leaf  *layer.ID
	Steps []StepReport
}

// ExecutorInvocations returns the number of times steps were executed
// as part of the build.
func (r *Result) ExecutorInvocations() int {
	n := 0
	for _, step := range r.Steps {
		n += step.Attempts
	}
	return n
}

// Builder runs builds. It consults the step cache before executing
// steps, and registers the layers of executed steps in the Layer Graph
// and the step cache.
//
// Concurrent builds sharing a prefix of steps are coordinated, so that
// each step is only executed once. Cancelling one of these builds
// does not affect the others.
type Builder struct {
	graph           layer.Graph
	index           cache.Index
	executor        builder.Executor
	function        digest.Function
	clock           clock.Clock
	maximumAttempts int
	tracer          trace.Tracer

	lock               sync.Mutex
	inFlightExecutions map[string]*inFlightExecution
}

// NewBuilder creates a Builder. Steps that fail are executed up to
// maximumAttempts times.
func NewBuilder(graph layer.Graph, index cache.Index, executor builder.Executor, function digest.Function, clock clock.Clock, maximumAttempts int, tracerProvider trace.TracerProvider) *Builder {
	if maximumAttempts < 1 {
		maximumAttempts = 1
	}
	return &Builder{
		graph:           graph,
		index:           index,
		executor:        executor,
		function:        function,
		clock:           clock,
		maximumAttempts: maximumAttempts,
		tracer:          tracerProvider.Tracer("github.com/olcf/containerbuilder/pkg/build"),

		inFlightExecutions: map[string]*inFlightExecution{},
	}
}

// Build runs all steps of a build. If a step fails, a StepFailedError
// is returned. The Layer Graph is left unchanged by the failing step.
func (b *Builder) Build(ctx context.Context, spec *Spec) (*Result, error) {
	ctx, span := b.tracer.Start(ctx, "Builder.Build", trace.WithAttributes(
		attribute.Int("build.steps", len(spec.Steps)),
		attribute.Bool("build.no_cache", spec.NoCache),
	))
	defer span.End()

	result, err := b.build(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (b *Builder) build(ctx context.Context, spec *Spec) (*Result, error) {
	parent := spec.Base
	if parent != nil {
		if _, err := b.graph.Get(ctx, *parent); err != nil {
			return nil, util.StatusWrapf(err, "Failed to obtain base layer %s", *parent)
		}
	}

	result := &Result{
		Steps: make([]StepReport, 0, len(spec.Steps)),
	}
	for i, step := range spec.Steps {
		if err := ctx.Err(); err != nil {
			return nil, util.StatusFromContext(ctx)
		}
		report, err := b.runStep(ctx, i, step, parent, spec.NoCache)
		if err != nil {
			return nil, err
		}
		result.Steps = append(result.Steps, *report)
		id := report.Layer
		parent = &id
	}
	result.Leaf = parent
	return result, nil
}

func (b *Builder) runStep(ctx context.Context, index int, step builder.Step, parent *layer.ID, noCache bool) (*StepReport, error) {
	ctx, span := b.tracer.Start(ctx, "Builder.Step", trace.WithAttributes(
		attribute.Int("step.index", index),
		attribute.String("step.kind", string(step.Kind())),
	))
	defer span.End()

	start := b.clock.Now()
	fingerprint, err := builder.GetFingerprint(b.function, step)
	if err != nil {
		return nil, &StepFailedError{StepIndex: index, Cause: err}
	}
	key := cache.Key{Parent: parent, StepFingerprint: fingerprint}
	span.SetAttributes(attribute.String("step.cache_key", key.GetDigest(b.function).String()))

	if !noCache {
		id, ok, err := b.lookup(ctx, key)
		if err != nil {
			return nil, &StepFailedError{StepIndex: index, CacheKey: key, Cause: err}
		}
		if ok {
			span.SetAttributes(attribute.Bool("step.cached", true))
			return &StepReport{
				Kind:     step.Kind(),
				CacheKey: key,
				Layer:    id,
				Cached:   true,
				Duration: b.clock.Now().Sub(start),
			}, nil
		}
	}
	span.SetAttributes(attribute.Bool("step.cached", false))

	// Deduplicate concurrent executions of the same step on the
	// same parent. Builds that do not use the cache always execute
	// steps themselves.
	var e *execution
	if noCache {
		e, err = b.execute(ctx, step, key)
	} else {
		e, err = b.executeDeduplicated(ctx, step, key)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, &StepFailedError{StepIndex: index, CacheKey: key, Cause: err}
	}
	return &StepReport{
		Kind:     step.Kind(),
		CacheKey: key,
		Layer:    e.layer,
		Attempts: e.attempts,
		Duration: b.clock.Now().Sub(start),
	}, nil
}

// lookup consults the step cache. Entries referring to layers that are
// no longer present in the Layer Graph are treated as misses.
func (b *Builder) lookup(ctx context.Context, key cache.Key) (layer.ID, bool, error) {
	id, ok, err := b.index.Lookup(ctx, key)
	if err != nil {
		return digest.BadDigest, false, util.StatusWrapf(err, "Failed to look up cache key %s", key)
	}
	if !ok {
		return digest.BadDigest, false, nil
	}
	if _, err := b.graph.Get(ctx, id); err != nil {
		if status.Code(err) == codes.NotFound {
			log.Printf("Cache key %s refers to layer %s, which is not present in the layer graph", key, id)
			return digest.BadDigest, false, nil
		}
		return digest.BadDigest, false, util.StatusWrapf(err, "Failed to obtain cached layer %s", id)
	}
	return id, true, nil
}

type execution struct {
	layer    layer.ID
	attempts int
}

type inFlightExecution struct {
	finished <-chan struct{}
	result   *execution
	err      error
	// Whether the build executing the step was cancelled. Waiting
	// builds then execute the step themselves.
	cancelled bool
}

// executeDeduplicated executes a step, unless another build is already
// executing the same step on the same parent. The outcome of that
// execution is then shared.
func (b *Builder) executeDeduplicated(ctx context.Context, step builder.Step, key cache.Key) (*execution, error) {
	name := key.GetDigest(b.function).String()
	b.lock.Lock()
	for {
		inFlight, ok := b.inFlightExecutions[name]
		if !ok {
			break
		}
		b.lock.Unlock()

		select {
		case <-inFlight.finished:
			if !inFlight.cancelled {
				return inFlight.result, inFlight.err
			}
			b.lock.Lock()
		case <-ctx.Done():
			return nil, util.StatusFromContext(ctx)
		}
	}
	finished := make(chan struct{})
	inFlight := &inFlightExecution{finished: finished}
	b.inFlightExecutions[name] = inFlight
	b.lock.Unlock()

	inFlight.result, inFlight.err = b.execute(ctx, step, key)
	inFlight.cancelled = inFlight.err != nil && ctx.Err() != nil

	// Wake up other builds.
	b.lock.Lock()
	delete(b.inFlightExecutions, name)
	b.lock.Unlock()
	close(finished)
	return inFlight.result, inFlight.err
}

// execute runs a step, retrying it if it fails. Upon success, the
// resulting layer is registered in the Layer Graph, followed by the
// step cache.
func (b *Builder) execute(ctx context.Context, step builder.Step, key cache.Key) (*execution, error) {
	var l *layer.Layer
	attempts := 0
	for {
		attempts++
		var err error
		l, err = b.executor.Execute(ctx, step, key.Parent)
		if err == nil {
			break
		}
		var stepErr *builder.StepExecutionFailedError
		if !errors.As(err, &stepErr) || attempts >= b.maximumAttempts {
			return nil, err
		}
		log.Printf("Attempt %d of step with cache key %s failed, retrying: %s", attempts, key, err)
	}

	if _, err := b.graph.Add(ctx, l); err != nil {
		return nil, util.StatusWrapf(err, "Failed to add layer %s to the layer graph", l.ID)
	}
	if err := b.index.Record(ctx, key, l.ID); err != nil {
		return nil, util.StatusWrapf(err, "Failed to record cache key %s", key)
	}
	return &execution{layer: l.ID, attempts: attempts}, nil
}

// BuildAll runs multiple independent builds in parallel. Results are
// returned in the same order as the specs. If any of the builds fails,
// the other builds are cancelled.
func (b *Builder) BuildAll(ctx context.Context, specs []*Spec, concurrency int) ([]*Result, error) {
	results := make([]*Result, len(specs))
	group, groupCtx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		group.SetLimit(concurrency)
	}
	for i, spec := range specs {
		group.Go(func() error {
			result, err := b.Build(groupCtx, spec)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
