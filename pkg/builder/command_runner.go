package builder

import (
	"context"
	"io"
)

// RunRequest contains the parameters of a command executed by a Run
// step.
type RunRequest struct {
	// Location of the Materialized Filesystem View on the local
	// file system. It acts as the root directory of the command.
	RootDirectory string
	// Shell command to execute.
	Command string
	// Absolute path of the working directory inside the view.
	WorkingDirectory string
	// Environment variables, in "NAME=value" notation.
	Environment []string
	User        string
	Stdout      io.Writer
	Stderr      io.Writer
}

// CommandRunner executes the commands of Run steps. Implementations
// return an *ExitError if the command exits with a non-zero exit code.
//
// Runners do not isolate commands from the host. They only ensure that
// paths used by the command are resolved relative to the root
// directory.
type CommandRunner interface {
	Run(ctx context.Context, request *RunRequest) error
}
