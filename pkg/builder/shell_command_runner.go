package builder

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

type shellCommandRunner struct{}

// NewShellCommandRunner creates a CommandRunner that interprets
// commands using a POSIX shell interpreter embedded in this process.
// Executables are looked up on the host, but absolute paths passed as
// arguments or used in redirections are rewritten to point into the
// root directory. This permits running commands such as
// "chmod +x /bin/app" without requiring privileges.
//
// Shell builtins that change the working directory through absolute
// paths (e.g., "cd /srv") resolve them on the host. Use relative paths
// or WorkingDirectory instead.
func NewShellCommandRunner() CommandRunner {
	return shellCommandRunner{}
}

// rootedPath rewrites an absolute path to a location underneath the
// root directory. Paths that already point into the root directory and
// special files such as /dev/null are left alone.
func rootedPath(rootDirectory, p string) string {
	if !filepath.IsAbs(p) || strings.HasPrefix(p, "/dev/") || p == "/dev" || p == "/proc" || strings.HasPrefix(p, "/proc/") {
		return p
	}
	if p == rootDirectory || strings.HasPrefix(p, rootDirectory+"/") {
		return p
	}
	return filepath.Join(rootDirectory, p)
}

func (shellCommandRunner) Run(ctx context.Context, request *RunRequest) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(request.Command), "")
	if err != nil {
		return util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to parse command")
	}

	root := request.RootDirectory
	workingDirectory := rootedPath(root, request.WorkingDirectory)
	if err := os.MkdirAll(workingDirectory, 0o755); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create working directory %#v", request.WorkingDirectory)
	}

	environment := append([]string(nil), request.Environment...)
	if !hasVariable(environment, "PATH") {
		environment = append(environment, defaultPath)
	}
	if !hasVariable(environment, "HOME") {
		environment = append(environment, "HOME="+root)
	}

	runner, err := interp.New(
		interp.Dir(workingDirectory),
		interp.Env(expand.ListEnviron(environment...)),
		interp.StdIO(nil, request.Stdout, request.Stderr),
		interp.ExecHandlers(func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return func(ctx context.Context, args []string) error {
				rewritten := make([]string, 0, len(args))
				rewritten = append(rewritten, args[0])
				for _, arg := range args[1:] {
					rewritten = append(rewritten, rootedPath(root, arg))
				}
				return next(ctx, rewritten)
			}
		}),
		interp.OpenHandler(func(ctx context.Context, p string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
			if p != "" && !filepath.IsAbs(p) {
				p = filepath.Join(interp.HandlerCtx(ctx).Dir, p)
			}
			return os.OpenFile(rootedPath(root, p), flag, perm)
		}),
		interp.StatHandler(func(ctx context.Context, p string, followSymlinks bool) (fs.FileInfo, error) {
			p = rootedPath(root, p)
			if followSymlinks {
				return os.Stat(p)
			}
			return os.Lstat(p)
		}),
		interp.ReadDirHandler2(func(ctx context.Context, p string) ([]fs.DirEntry, error) {
			return os.ReadDir(rootedPath(root, p))
		}),
	)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create shell interpreter")
	}

	if err := runner.Run(ctx, file); err != nil {
		if ctx.Err() != nil {
			return util.StatusFromContext(ctx)
		}
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			if exitStatus == 0 {
				return nil
			}
			return &ExitError{ExitCode: int(exitStatus)}
		}
		return status.Errorf(codes.Internal, "Shell interpreter failed: %s", err)
	}
	return nil
}

func hasVariable(environment []string, name string) bool {
	for _, assignment := range environment {
		if strings.HasPrefix(assignment, name+"=") {
			return true
		}
	}
	return false
}
