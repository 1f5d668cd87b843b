package builder

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ExitError is returned by CommandRunner when a command terminates
// with a non-zero exit code.
type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// StepExecutionFailedError is returned by the Executor when a step
// fails to execute, for example because a command exits with a
// non-zero exit code or because an input is missing. It is not
// returned when execution is cancelled.
type StepExecutionFailedError struct {
	Kind Kind
	// Exit code of the command run by a Run step, or -1 if the
	// failure is not caused by a command exiting.
	ExitCode int
	// Output contains the final part of the output of the command.
	Output string
	Cause  error
}

func (e *StepExecutionFailedError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s step failed with exit code %d: %s", e.Kind, e.ExitCode, e.Cause)
	}
	return fmt.Sprintf("%s step failed: %s", e.Kind, e.Cause)
}

func (e *StepExecutionFailedError) Unwrap() error {
	return e.Cause
}

// GRPCStatus converts the error to a gRPC status, so that it can be
// handled like any other error in this code base.
func (e *StepExecutionFailedError) GRPCStatus() *status.Status {
	return status.New(codes.Aborted, e.Error())
}
