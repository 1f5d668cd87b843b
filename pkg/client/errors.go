package client

import (
	"google.golang.org/grpc/status"
)

// RemoteStepFailedError is returned by Client.Build when the build
// server reports that one of the steps of the build failed.
type RemoteStepFailedError struct {
	StepIndex int
	Cause     error
}

func (e *RemoteStepFailedError) Error() string {
	return e.Cause.Error()
}

func (e *RemoteStepFailedError) Unwrap() error {
	return e.Cause
}

// GRPCStatus returns the status reported by the build server.
func (e *RemoteStepFailedError) GRPCStatus() *status.Status {
	return status.Convert(e.Cause)
}
