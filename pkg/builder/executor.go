package builder

import (
	"context"
	"errors"
	"io"

	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/fsview"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Executor of build steps. Given a step and the layer on top of which
// it should be applied, it computes the layer that results from
// running the step.
//
// Executors store the blobs of the files added by the step and the
// blob of the resulting layer in the Content Store. They never
// register layers in the Layer Graph; that is the responsibility of
// the caller.
type Executor interface {
	Execute(ctx context.Context, step Step, parent *layer.ID) (*layer.Layer, error)
}

type localExecutor struct {
	contentStore      cas.ContentStore
	graph             layer.Graph
	function          digest.Function
	workDirectory     string
	commandRunner     CommandRunner
	uploadConcurrency int
	output            io.Writer
}

// NewExecutor creates an Executor that runs build steps on the local
// system. Filesystem views are created underneath workDirectory. The
// output of commands is copied to output, if not nil.
func NewExecutor(contentStore cas.ContentStore, graph layer.Graph, function digest.Function, workDirectory string, commandRunner CommandRunner, uploadConcurrency int, output io.Writer) Executor {
	if uploadConcurrency <= 0 {
		uploadConcurrency = 1
	}
	return &localExecutor{
		contentStore:      contentStore,
		graph:             graph,
		function:          function,
		workDirectory:     workDirectory,
		commandRunner:     commandRunner,
		uploadConcurrency: uploadConcurrency,
		output:            output,
	}
}

func (e *localExecutor) Execute(ctx context.Context, step Step, parent *layer.ID) (*layer.Layer, error) {
	handler, ok := stepHandlers[step.Kind()]
	if !ok {
		panic("No handler registered for steps of kind " + string(step.Kind()))
	}
	fingerprint, err := GetFingerprint(e.function, step)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to compute step fingerprint")
	}

	var chain []*layer.Layer
	if parent != nil {
		if chain, err = e.graph.Ancestors(ctx, *parent); err != nil {
			return nil, util.StatusWrapf(err, "Failed to obtain ancestors of parent layer %s", *parent)
		}
	}
	config := layer.GetConfig(chain)
	sc := stepContext{
		executor: e,
		config:   &config,
	}

	if !handler.modifiesFilesystem {
		delta, err := handler.execute(ctx, &sc, step)
		if err != nil {
			return nil, e.newStepError(ctx, step, err)
		}
		return e.storeLayer(ctx, parent, fingerprint, nil, delta)
	}

	view, err := fsview.Materialize(ctx, e.contentStore, e.workDirectory, e.function, chain)
	if err != nil {
		if ctx.Err() != nil {
			return nil, util.StatusFromContext(ctx)
		}
		return nil, util.StatusWrap(err, "Failed to materialize parent filesystem")
	}
	defer view.Close()
	sc.view = view

	before, err := view.Snapshot(ctx, nil)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to snapshot parent filesystem")
	}
	delta, err := handler.execute(ctx, &sc, step)
	if err != nil {
		return nil, e.newStepError(ctx, step, err)
	}
	after, err := view.Snapshot(ctx, before)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to snapshot resulting filesystem")
	}
	entries := fsview.Diff(before, after)
	if err := e.uploadFiles(ctx, view, entries); err != nil {
		return nil, err
	}
	return e.storeLayer(ctx, parent, fingerprint, entries, delta)
}

// newStepError converts an error returned by a step handler to a
// StepExecutionFailedError. Cancellation is reported as is.
func (e *localExecutor) newStepError(ctx context.Context, step Step, err error) error {
	if ctx.Err() != nil {
		return util.StatusFromContext(ctx)
	}
	var stepErr *StepExecutionFailedError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	return &StepExecutionFailedError{
		Kind:     step.Kind(),
		ExitCode: -1,
		Cause:    err,
	}
}

// uploadFiles stores the contents of all regular files in a diff that
// are not present in the Content Store yet.
func (e *localExecutor) uploadFiles(ctx context.Context, view *fsview.View, entries []layer.Entry) error {
	paths := map[digest.Digest]string{}
	digests := digest.NewSetBuilder()
	for _, entry := range entries {
		if entry.Type == layer.EntryTypeRegular {
			paths[entry.Digest] = entry.Path
			digests.Add(entry.Digest)
		}
	}
	if digests.Length() == 0 {
		return nil
	}
	missing, err := e.contentStore.FindMissing(ctx, digests.Build())
	if err != nil {
		return util.StatusWrap(err, "Failed to determine which files are missing from the content store")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.uploadConcurrency)
	for _, d := range missing.Items() {
		p := paths[d]
		group.Go(func() error {
			data, err := view.ReadFile(p)
			if err != nil {
				return util.StatusWrapf(err, "Failed to read file %#v", p)
			}
			if actual, err := e.contentStore.Put(groupCtx, data); err != nil {
				return util.StatusWrapf(err, "Failed to store file %#v", p)
			} else if actual != d {
				// The file changed after it was snapshotted.
				return status.Errorf(codes.Internal, "File %#v has digest %s, while %s was expected", p, actual, d)
			}
			return nil
		})
	}
	return group.Wait()
}

func (e *localExecutor) storeLayer(ctx context.Context, parent *layer.ID, fingerprint digest.Digest, entries []layer.Entry, delta layer.ConfigDelta) (*layer.Layer, error) {
	l, blob, err := layer.NewLayer(e.function, parent, fingerprint, entries, delta)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to create layer")
	}
	if _, err := e.contentStore.Put(ctx, blob); err != nil {
		return nil, util.StatusWrapf(err, "Failed to store layer %s", l.ID)
	}
	return l, nil
}
