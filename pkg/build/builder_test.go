package build_test

import (
	"context"
	"testing"

	"github.com/olcf/containerbuilder/internal/mock"
	"github.com/olcf/containerbuilder/pkg/build"
	"github.com/olcf/containerbuilder/pkg/builder"
	"github.com/olcf/containerbuilder/pkg/cache"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/eviction"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.uber.org/mock/gomock"
)

type testEnvironment struct {
	contentStore cas.ContentStore
	graph        layer.Graph
	index        cache.Index
	executor     *mock.MockExecutor
	realExecutor builder.Executor
	builder      *build.Builder
}

func newTestEnvironment(t *testing.T, ctrl *gomock.Controller, maximumAttempts int) *testEnvironment {
	contentStore := cas.NewMemoryContentStore(digest.SHA256)
	graph := layer.NewMemoryGraph()
	index := cache.NewMemoryIndex(digest.SHA256, 100, eviction.NewLRUSet[digest.Digest]())
	executor := mock.NewMockExecutor(ctrl)
	return &testEnvironment{
		contentStore: contentStore,
		graph:        graph,
		index:        index,
		executor:     executor,
		realExecutor: builder.NewExecutor(contentStore, graph, digest.SHA256, t.TempDir(), builder.NewShellCommandRunner(), 4, nil),
		builder:      build.NewBuilder(graph, index, executor, digest.SHA256, clock.SystemClock, maximumAttempts, noop.NewTracerProvider()),
	}
}

// expectExecutions permits the build to execute a given number of
// steps, using a real executor.
func (e *testEnvironment) expectExecutions(n int) {
	if n > 0 {
		e.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(e.realExecutor.Execute).Times(n)
	}
}

func (e *testEnvironment) countLayers(t *testing.T) int {
	n := 0
	require.NoError(t, e.graph.Walk(context.Background(), func(l *layer.Layer) error {
		n++
		return nil
	}))
	return n
}

func (e *testEnvironment) newAppSpec(t *testing.T, command string) *build.Spec {
	d, err := e.contentStore.Put(context.Background(), []byte("#!/bin/sh\necho Hello\n"))
	require.NoError(t, err)
	return &build.Spec{
		Steps: []builder.Step{
			builder.CopyStep{
				Destination: "/bin/app",
				Inputs: []builder.CopyInput{{
					Type:   layer.EntryTypeRegular,
					Mode:   0o644,
					Digest: d,
				}},
			},
			builder.RunStep{Command: command},
		},
	}
}

func TestBuilderCaching(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 1)
	spec := e.newAppSpec(t, "chmod +x /bin/app")

	// The first build executes all steps.
	e.expectExecutions(2)
	first, err := e.builder.Build(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, 2, first.ExecutorInvocations())
	require.Len(t, first.Steps, 2)
	require.False(t, first.Steps[0].Cached)
	require.False(t, first.Steps[1].Cached)
	require.Nil(t, first.Steps[0].CacheKey.Parent)
	require.Equal(t, &first.Steps[0].Layer, first.Steps[1].CacheKey.Parent)
	require.Equal(t, &first.Steps[1].Layer, first.Leaf)
	require.Equal(t, 2, e.countLayers(t))

	l2, err := e.graph.Get(ctx, *first.Leaf)
	require.NoError(t, err)
	require.Equal(t, &first.Steps[0].Layer, l2.Parent)

	// Rebuilding an identical spec executes no steps at all.
	second, err := e.builder.Build(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, 0, second.ExecutorInvocations())
	require.True(t, second.Steps[0].Cached)
	require.True(t, second.Steps[1].Cached)
	require.Equal(t, first.Leaf, second.Leaf)

	// Changing the second step only invalidates the second step.
	e.expectExecutions(1)
	third, err := e.builder.Build(ctx, e.newAppSpec(t, "chmod 700 /bin/app"))
	require.NoError(t, err)
	require.Equal(t, 1, third.ExecutorInvocations())
	require.True(t, third.Steps[0].Cached)
	require.False(t, third.Steps[1].Cached)
	require.Equal(t, first.Steps[0].Layer, third.Steps[0].Layer)
	require.NotEqual(t, first.Leaf, third.Leaf)
	require.Equal(t, 3, e.countLayers(t))

	// Disabling the cache executes all steps, yielding the same
	// layers.
	e.expectExecutions(2)
	noCacheSpec := e.newAppSpec(t, "chmod +x /bin/app")
	noCacheSpec.NoCache = true
	fourth, err := e.builder.Build(ctx, noCacheSpec)
	require.NoError(t, err)
	require.Equal(t, 2, fourth.ExecutorInvocations())
	require.Equal(t, first.Leaf, fourth.Leaf)
	require.Equal(t, 3, e.countLayers(t))
}

func TestBuilderStepFailure(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 1)

	e.expectExecutions(2)
	_, err := e.builder.Build(ctx, e.newAppSpec(t, "echo failing >&2; exit 1"))
	testutil.RequireStatusCode(t, codes.Aborted, err)

	var stepErr *build.StepFailedError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, 1, stepErr.StepIndex)
	require.NotNil(t, stepErr.CacheKey.Parent)
	var executionErr *builder.StepExecutionFailedError
	require.ErrorAs(t, err, &executionErr)
	require.Equal(t, 1, executionErr.ExitCode)
	require.Equal(t, "failing\n", executionErr.Output)

	// Only the layer of the successful step is registered.
	require.Equal(t, 1, e.countLayers(t))
	_, ok, err := e.index.Lookup(ctx, stepErr.CacheKey)
	require.NoError(t, err)
	require.False(t, ok)

	// Fixing the command only executes the failing step.
	e.expectExecutions(1)
	result, err := e.builder.Build(ctx, e.newAppSpec(t, "chmod +x /bin/app"))
	require.NoError(t, err)
	require.Equal(t, 1, result.ExecutorInvocations())
	require.Equal(t, *stepErr.CacheKey.Parent, result.Steps[0].Layer)
}

func TestBuilderRetry(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 3)
	spec := &build.Spec{
		Steps: []builder.Step{builder.RunStep{Command: "flaky"}},
	}
	l, _, err := layer.NewLayer(digest.SHA256, nil, digest.SHA256.Compute([]byte("flaky")), nil, layer.ConfigDelta{})
	require.NoError(t, err)

	t.Run("EventualSuccess", func(t *testing.T) {
		gomock.InOrder(
			e.executor.EXPECT().Execute(gomock.Any(), builder.RunStep{Command: "flaky"}, nil).
				Return(nil, &builder.StepExecutionFailedError{Kind: builder.KindRun, ExitCode: 1}).
				Times(2),
			e.executor.EXPECT().Execute(gomock.Any(), builder.RunStep{Command: "flaky"}, nil).
				Return(l, nil),
		)

		result, err := e.builder.Build(ctx, spec)
		require.NoError(t, err)
		require.Equal(t, 3, result.Steps[0].Attempts)
		require.Equal(t, &l.ID, result.Leaf)
	})

	t.Run("InfrastructureErrorsAreNotRetried", func(t *testing.T) {
		spec := &build.Spec{
			Steps: []builder.Step{builder.RunStep{Command: "other"}},
		}
		e.executor.EXPECT().Execute(gomock.Any(), builder.RunStep{Command: "other"}, nil).
			Return(nil, status.Error(codes.Unavailable, "Content store unavailable"))

		_, err := e.builder.Build(ctx, spec)
		testutil.RequireStatusCode(t, codes.Unavailable, err)
	})

	t.Run("ExhaustedAttempts", func(t *testing.T) {
		spec := &build.Spec{
			Steps: []builder.Step{builder.RunStep{Command: "broken"}},
		}
		e.executor.EXPECT().Execute(gomock.Any(), builder.RunStep{Command: "broken"}, nil).
			Return(nil, &builder.StepExecutionFailedError{Kind: builder.KindRun, ExitCode: 2}).
			Times(3)

		_, err := e.builder.Build(ctx, spec)
		testutil.RequireStatusCode(t, codes.Aborted, err)
	})
}

func TestBuilderStaleCacheEntry(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 1)
	spec := &build.Spec{
		Steps: []builder.Step{builder.SetEnvStep{Env: []layer.EnvVar{{Name: "LANG", Value: "C"}}}},
	}
	fingerprint, err := builder.GetFingerprint(digest.SHA256, spec.Steps[0])
	require.NoError(t, err)
	key := cache.Key{StepFingerprint: fingerprint}

	// Cache entries referring to layers that are absent from the
	// graph must be ignored.
	require.NoError(t, e.index.Record(ctx, key, digest.SHA256.Compute([]byte("garbage collected"))))
	e.expectExecutions(1)
	result, err := e.builder.Build(ctx, spec)
	require.NoError(t, err)
	require.False(t, result.Steps[0].Cached)

	id, ok, err := e.index.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, *result.Leaf, id)
}

func TestBuilderBase(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 1)

	t.Run("NotFound", func(t *testing.T) {
		base := digest.SHA256.Compute([]byte("unknown"))
		_, err := e.builder.Build(ctx, &build.Spec{Base: &base})
		testutil.RequireStatusCode(t, codes.NotFound, err)
	})

	t.Run("Success", func(t *testing.T) {
		e.expectExecutions(1)
		baseResult, err := e.builder.Build(ctx, &build.Spec{
			Steps: []builder.Step{builder.WorkdirStep{Path: "/srv"}},
		})
		require.NoError(t, err)

		e.expectExecutions(1)
		result, err := e.builder.Build(ctx, &build.Spec{
			Base:  baseResult.Leaf,
			Steps: []builder.Step{builder.UserStep{User: "1000"}},
		})
		require.NoError(t, err)
		require.Equal(t, baseResult.Leaf, result.Steps[0].CacheKey.Parent)

		chain, err := e.graph.Ancestors(ctx, *result.Leaf)
		require.NoError(t, err)
		config := layer.GetConfig(chain)
		require.Equal(t, "/srv", config.WorkingDir)
		require.Equal(t, "1000", config.User)
	})

	t.Run("Empty", func(t *testing.T) {
		result, err := e.builder.Build(ctx, &build.Spec{})
		require.NoError(t, err)
		require.Nil(t, result.Leaf)
	})
}

func TestBuilderCancellation(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 3)
	ctx, cancel := context.WithCancel(ctx)

	e.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), nil).DoAndReturn(
		func(ctx context.Context, step builder.Step, parent *layer.ID) (*layer.Layer, error) {
			cancel()
			return nil, status.Error(codes.Canceled, "context canceled")
		})

	_, err := e.builder.Build(ctx, e.newAppSpec(t, "sleep 3600"))
	testutil.RequireStatusCode(t, codes.Canceled, err)
	require.Equal(t, 0, e.countLayers(t))
}

func TestBuilderCancellationOfSharedStep(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 1)
	spec := &build.Spec{
		Steps: []builder.Step{builder.CmdStep{Args: []string{"--serve"}}},
	}

	// The first build gets cancelled while executing the step. The
	// second build must execute the step itself, instead of
	// inheriting the cancellation.
	started := make(chan struct{})
	gomock.InOrder(
		e.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), nil).DoAndReturn(
			func(ctx context.Context, step builder.Step, parent *layer.ID) (*layer.Layer, error) {
				close(started)
				<-ctx.Done()
				return nil, status.Error(codes.Canceled, "context canceled")
			}),
		e.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), nil).DoAndReturn(e.realExecutor.Execute),
	)

	ctx1, cancel1 := context.WithCancel(ctx)
	errs1 := make(chan error, 1)
	go func() {
		_, err := e.builder.Build(ctx1, spec)
		errs1 <- err
	}()
	<-started

	type outcome struct {
		result *build.Result
		err    error
	}
	outcomes2 := make(chan outcome, 1)
	go func() {
		result, err := e.builder.Build(ctx, spec)
		outcomes2 <- outcome{result: result, err: err}
	}()
	cancel1()

	testutil.RequireStatusCode(t, codes.Canceled, <-errs1)
	outcome2 := <-outcomes2
	require.NoError(t, outcome2.err)
	require.False(t, outcome2.result.Steps[0].Cached)
	require.Equal(t, 1, e.countLayers(t))
}

func TestBuilderBuildAll(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 1)
	e.executor.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(e.realExecutor.Execute).MinTimes(3).MaxTimes(4)

	results, err := e.builder.BuildAll(ctx, []*build.Spec{
		e.newAppSpec(t, "chmod +x /bin/app"),
		e.newAppSpec(t, "chmod 700 /bin/app"),
	}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, results[0].Steps[0].Layer, results[1].Steps[0].Layer)
	require.NotEqual(t, results[0].Leaf, results[1].Leaf)
	require.Equal(t, 3, e.countLayers(t))
}

func TestBuilderTracing(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	e := newTestEnvironment(t, ctrl, 1)
	spanRecorder := tracetest.NewSpanRecorder()
	tracedBuilder := build.NewBuilder(e.graph, e.index, e.executor, digest.SHA256, clock.SystemClock, 1, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder)))
	spec := &build.Spec{
		Steps: []builder.Step{builder.CmdStep{Args: []string{"--help"}}},
	}

	e.expectExecutions(1)
	_, err := tracedBuilder.Build(ctx, spec)
	require.NoError(t, err)
	_, err = tracedBuilder.Build(ctx, spec)
	require.NoError(t, err)

	var cached []bool
	for _, span := range spanRecorder.Ended() {
		if span.Name() != "Builder.Step" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == attribute.Key("step.cached") {
				cached = append(cached, kv.Value.AsBool())
			}
		}
	}
	require.Equal(t, []bool{false, true}, cached)
}
