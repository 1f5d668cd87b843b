package cas

import (
	"strings"

	"github.com/olcf/containerbuilder/pkg/digest"
)

// getObjectKey returns the name under which a blob is stored in an
// object store bucket (S3, GCS).
func getObjectKey(keyPrefix string, d digest.Digest) string {
	return keyPrefix + d.GetFunction().GetName() + "/" + d.GetHashString()
}

// parseObjectKey is the inverse of getObjectKey(). Keys that do not
// belong to the store are reported as not being a blob.
func parseObjectKey(keyPrefix, key string) (digest.Digest, bool) {
	name, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return digest.BadDigest, false
	}
	function, hash, ok := strings.Cut(name, "/")
	if !ok {
		return digest.BadDigest, false
	}
	d, err := digest.NewDigestFromString(function + ":" + hash)
	if err != nil {
		return digest.BadDigest, false
	}
	return d, true
}
