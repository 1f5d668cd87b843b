package cas

import (
	"github.com/olcf/containerbuilder/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// checkDigestFunction validates that a digest uses the digest function
// of a store. Blobs computed using other functions can never be
// present.
func checkDigestFunction(function digest.Function, d digest.Digest) error {
	if d.IsBad() {
		return status.Error(codes.InvalidArgument, "No digest provided")
	}
	if got := d.GetFunction(); got != function {
		return status.Errorf(codes.InvalidArgument, "Digest %s uses digest function %#v, while this store uses %#v", d, got.GetName(), function.GetName())
	}
	return nil
}

// validateContents checks that the contents of a blob read from
// storage correspond with its digest.
func validateContents(d digest.Digest, data []byte) error {
	if actual := d.GetFunction().Compute(data); actual != d {
		return status.Errorf(codes.DataLoss, "Blob %s has contents with digest %s", d, actual)
	}
	return nil
}
