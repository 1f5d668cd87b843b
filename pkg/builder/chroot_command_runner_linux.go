//go:build linux

package builder

import (
	"context"
	"errors"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"syscall"

	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type chrootCommandRunner struct {
	shell string
}

// NewChrootCommandRunner creates a CommandRunner that executes commands
// using a shell that is part of the filesystem being built, with the
// root directory changed to the view. This requires the build service
// to run with CAP_SYS_CHROOT, and the filesystem to contain a shell.
func NewChrootCommandRunner(shell string) CommandRunner {
	return &chrootCommandRunner{shell: shell}
}

func (cr *chrootCommandRunner) Run(ctx context.Context, request *RunRequest) error {
	environment := append([]string(nil), request.Environment...)
	if !hasVariable(environment, "PATH") {
		environment = append(environment, defaultPath)
	}
	workingDirectory := path.Clean("/" + request.WorkingDirectory)

	cmd := exec.CommandContext(ctx, cr.shell, "-c", request.Command)
	cmd.Dir = workingDirectory
	cmd.Env = environment
	cmd.Stdout = request.Stdout
	cmd.Stderr = request.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot: request.RootDirectory,
	}
	if request.User != "" {
		credential, err := parseNumericUser(request.User)
		if err != nil {
			return err
		}
		cmd.SysProcAttr.Credential = credential
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return util.StatusFromContext(ctx)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{ExitCode: exitErr.ExitCode()}
		}
		return util.StatusWrapfWithCode(err, codes.FailedPrecondition, "Failed to start shell %#v", cr.shell)
	}
	return nil
}

// parseNumericUser parses a user specification of the form "uid" or
// "uid:gid". User names cannot be resolved, as the password database
// of the image is not consulted.
func parseNumericUser(user string) (*syscall.Credential, error) {
	uidString, gidString, hasGID := strings.Cut(user, ":")
	uid, err := strconv.ParseUint(uidString, 10, 32)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "User %#v is not numeric", user)
	}
	gid := uid
	if hasGID {
		if gid, err = strconv.ParseUint(gidString, 10, 32); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Group of user %#v is not numeric", user)
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
