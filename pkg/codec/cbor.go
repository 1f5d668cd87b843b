// Package codec provides the canonical encoding of the data structures
// whose digests identify them: layer blobs, step fingerprints, cache
// keys and image manifests.
package codec

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding and no indefinite length items.
// Logically identical values therefore always yield identical bytes,
// and thus identical digests.
//
// Types implementing encoding.TextMarshaler, such as digest.Digest, are
// encoded as text strings.
var encMode = util.Must(func() cbor.EncOptions {
	options := cbor.CoreDetEncOptions()
	options.TextMarshaler = cbor.TextMarshalerTextString
	return options
}().EncMode())

var decMode = util.Must(cbor.DecOptions{
	DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	IndefLength:       cbor.IndefLengthForbidden,
	ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	TextUnmarshaler:   cbor.TextUnmarshalerTextString,
}.DecMode())

// Marshal encodes a value canonically.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to encode value")
	}
	return data, nil
}

// MustMarshal is identical to Marshal, except that it panics on
// failure. It may be used for types that are known to be encodable.
func MustMarshal(v any) []byte {
	return util.Must(Marshal(v))
}

// Unmarshal decodes a value. Data containing duplicate map keys,
// indefinite length items or unknown fields is rejected, as it can
// never have been produced by Marshal.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to decode value")
	}
	return nil
}
