// Package cache implements the Cache & Reuse Engine: an index from
// (parent layer, step fingerprint) pairs to the layer that executing
// the step on top of the parent produced.
package cache

import (
	"github.com/olcf/containerbuilder/pkg/codec"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
)

// Key of a cache entry. Keys contain the parent layer, meaning that
// the cache is path sensitive: the same step applied to different
// parents yields different keys.
type Key struct {
	// Parent layer, or nil if the step is applied to an empty
	// filesystem.
	Parent          *layer.ID     `cbor:"1,keyasint,omitempty"`
	StepFingerprint digest.Digest `cbor:"2,keyasint"`
}

// GetDigest returns the digest of the canonical encoding of the key.
// It is used to store keys in indexes.
func (k Key) GetDigest(function digest.Function) digest.Digest {
	return function.Compute(codec.MustMarshal(&k))
}

func (k Key) String() string {
	if k.Parent == nil {
		return "(root)/" + k.StepFingerprint.String()
	}
	return k.Parent.String() + "/" + k.StepFingerprint.String()
}
