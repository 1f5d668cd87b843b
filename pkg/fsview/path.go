package fsview

import (
	"path"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CleanPath converts a path inside the container image to the form
// used by diff entries: relative to the root and without "." or ".."
// components. Absolute paths and paths relative to the working
// directory are both accepted. Paths that escape the root through ".."
// are clamped to the root, as the kernel does for "/..".
func CleanPath(workingDirectory, p string) (string, error) {
	if p == "" {
		return "", status.Error(codes.InvalidArgument, "Path is empty")
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", status.Errorf(codes.InvalidArgument, "Path %#v contains a null byte", p)
	}
	if !path.IsAbs(p) {
		p = path.Join("/", workingDirectory, p)
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/"), nil
}

// toRootName converts a cleaned path to a name that may be used to
// access a file through os.Root. The root itself is named ".".
func toRootName(p string) string {
	if p == "" {
		return "."
	}
	return p
}
