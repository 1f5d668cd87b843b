package builder

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/olcf/containerbuilder/pkg/fsview"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// outputTailSizeBytes is the amount of output of a failing command
// that is attached to StepExecutionFailedError.
const outputTailSizeBytes = 4096

// stepContext contains the state that is available to step handlers.
type stepContext struct {
	executor *localExecutor
	config   *layer.Config
	// View of the parent filesystem. Only set for handlers that
	// modify the filesystem.
	view *fsview.View
}

func (sc *stepContext) workingDirectory() string {
	if sc.config.WorkingDir == "" {
		return "/"
	}
	return sc.config.WorkingDir
}

type stepHandler struct {
	modifiesFilesystem bool
	execute            func(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error)
}

var stepHandlers = map[Kind]stepHandler{
	KindCopy: {
		modifiesFilesystem: true,
		execute:            executeCopy,
	},
	KindRun: {
		modifiesFilesystem: true,
		execute:            executeRun,
	},
	KindSetEnv: {
		execute: func(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
			return layer.ConfigDelta{Env: step.(SetEnvStep).Env}, nil
		},
	},
	KindWorkdir: {
		execute: func(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
			p, err := fsview.CleanPath(sc.workingDirectory(), step.(WorkdirStep).Path)
			if err != nil {
				return layer.ConfigDelta{}, err
			}
			return layer.ConfigDelta{WorkingDir: "/" + p}, nil
		},
	},
	KindEntrypoint: {
		execute: func(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
			return layer.ConfigDelta{Entrypoint: step.(EntrypointStep).Args}, nil
		},
	},
	KindCmd: {
		execute: func(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
			return layer.ConfigDelta{Cmd: step.(CmdStep).Args}, nil
		},
	},
	KindUser: {
		execute: func(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
			return layer.ConfigDelta{User: step.(UserStep).User}, nil
		},
	},
	KindLabel: {
		execute: func(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
			return layer.ConfigDelta{Labels: step.(LabelStep).Labels}, nil
		},
	},
}

func init() {
	for _, kind := range AllKinds {
		if _, ok := stepHandlers[kind]; !ok {
			panic(fmt.Sprintf("No handler registered for steps of kind %s", kind))
		}
	}
}

func executeCopy(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
	copyStep := step.(CopyStep)
	destination, err := fsview.CleanPath(sc.workingDirectory(), copyStep.Destination)
	if err != nil {
		return layer.ConfigDelta{}, err
	}
	for _, input := range copyStep.Inputs {
		p := destination
		if input.Path != "" {
			relative, err := fsview.CleanPath("/", input.Path)
			if err != nil {
				return layer.ConfigDelta{}, err
			}
			p = path.Join(destination, relative)
		}
		switch input.Type {
		case layer.EntryTypeRegular:
			data, err := sc.executor.contentStore.Get(ctx, input.Digest)
			if err != nil {
				return layer.ConfigDelta{}, util.StatusWrapf(err, "Failed to fetch input %#v", input.Path)
			}
			if err := sc.view.AddFile(p, data, fs.FileMode(input.Mode)); err != nil {
				return layer.ConfigDelta{}, err
			}
		case layer.EntryTypeDirectory:
			if err := sc.view.AddDirectory(p, fs.FileMode(input.Mode)); err != nil {
				return layer.ConfigDelta{}, err
			}
		case layer.EntryTypeSymlink:
			if err := sc.view.AddSymlink(p, input.LinkTarget); err != nil {
				return layer.ConfigDelta{}, err
			}
		default:
			return layer.ConfigDelta{}, status.Errorf(codes.InvalidArgument, "Input %#v has unsupported type %s", input.Path, input.Type)
		}
	}
	return layer.ConfigDelta{}, nil
}

func executeRun(ctx context.Context, sc *stepContext, step Step) (layer.ConfigDelta, error) {
	output := newTailBuffer(outputTailSizeBytes)
	writers := []io.Writer{output}
	if sc.executor.output != nil {
		writers = append(writers, sc.executor.output)
	}
	if w := getOutputFromContext(ctx); w != nil {
		writers = append(writers, w)
	}
	w := io.MultiWriter(writers...)
	err := sc.executor.commandRunner.Run(ctx, &RunRequest{
		RootDirectory:    sc.view.Path(),
		Command:          step.(RunStep).Command,
		WorkingDirectory: sc.workingDirectory(),
		Environment:      sc.config.Env,
		User:             sc.config.User,
		Stdout:           w,
		Stderr:           w,
	})
	if err != nil {
		if exitErr, ok := err.(*ExitError); ok {
			return layer.ConfigDelta{}, &StepExecutionFailedError{
				Kind:     KindRun,
				ExitCode: exitErr.ExitCode,
				Output:   output.String(),
				Cause:    exitErr,
			}
		}
		return layer.ConfigDelta{}, err
	}
	return layer.ConfigDelta{}, nil
}
