//go:build !freebsd && !linux

package global

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func setResourceLimit(name string, resourceLimit *ResourceLimitConfiguration) error {
	return status.Error(codes.Unimplemented, "Resource limits cannot be adjusted on this operating system")
}
