package build

import (
	"fmt"

	"github.com/olcf/containerbuilder/pkg/cache"

	"google.golang.org/grpc/status"
)

// StepFailedError is returned by Builder when one of the steps of a
// build fails. Layers produced by earlier steps remain registered in
// the Layer Graph and cache, so that retrying the build only needs to
// execute the failing step and the steps after it.
type StepFailedError struct {
	StepIndex int
	CacheKey  cache.Key
	Cause     error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("Step %d (cache key %s) failed: %s", e.StepIndex, e.CacheKey, status.Convert(e.Cause).Message())
}

func (e *StepFailedError) Unwrap() error {
	return e.Cause
}

// GRPCStatus converts the error to a gRPC status having the same code
// as its cause.
func (e *StepFailedError) GRPCStatus() *status.Status {
	return status.New(status.Code(e.Cause), e.Error())
}
