//go:build !linux

package builder

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type chrootCommandRunner struct{}

// NewChrootCommandRunner creates a CommandRunner that executes commands
// inside a chroot. Changing the root directory is only supported on
// Linux.
func NewChrootCommandRunner(shell string) CommandRunner {
	return chrootCommandRunner{}
}

func (chrootCommandRunner) Run(ctx context.Context, request *RunRequest) error {
	return status.Error(codes.Unimplemented, "Chroot command runner is only supported on Linux")
}
