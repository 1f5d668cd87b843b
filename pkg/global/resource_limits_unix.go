//go:build freebsd || linux

package global

import (
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func convertResourceLimitValue(limit *uint64) resourceLimitValueType {
	if limit == nil {
		// No limit provided. Assume infinity.
		return unix.RLIM_INFINITY
	}
	return resourceLimitValueType(*limit)
}

// setResourceLimit applies a single resource limit that is provided in
// the configuration file against the current process using
// setrlimit(2).
func setResourceLimit(name string, resourceLimit *ResourceLimitConfiguration) error {
	resource, ok := resourceLimitNames[name]
	if !ok {
		return status.Error(codes.InvalidArgument, "Resource name is not supported by this operating system")
	}
	if resourceLimit == nil {
		resourceLimit = &ResourceLimitConfiguration{}
	}
	return unix.Setrlimit(resource, &unix.Rlimit{
		Cur: convertResourceLimitValue(resourceLimit.SoftLimit),
		Max: convertResourceLimitValue(resourceLimit.HardLimit),
	})
}
