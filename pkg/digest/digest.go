package digest

import (
	"encoding/hex"
	"hash"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Digest holds the identification of a blob stored in the Content
// Store, or of a layer stored in the Layer Graph. Digests are
// represented as "${function}:${hash}", where the hash is written in
// lowercase hexadecimal notation. This is the same format as used by
// the OCI image specification.
//
// Instances of this type are guaranteed not to contain any degenerate
// values: the digest function is supported and the hash has the length
// that corresponds to that function. Because Digest objects are
// frequently used as keys (e.g., in caching data structures or to
// construct sets without duplicate values), Digest is a comparable
// value type.
type Digest struct {
	value string
}

// BadDigest is a default instance of Digest. It can, for example, be
// used as a function return value for error cases.
var BadDigest Digest

func newDigestUnchecked(bare *bareFunction, hash string) Digest {
	return Digest{value: bare.name + ":" + hash}
}

// NewDigestFromString parses a digest in "${function}:${hash}" notation.
func NewDigestFromString(s string) (Digest, error) {
	separator := strings.IndexByte(s, ':')
	if separator < 0 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Digest %#v does not contain a digest function", s)
	}
	bare, ok := bareFunctionsByName[s[:separator]]
	if !ok {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Unknown digest function %#v", s[:separator])
	}
	hash := s[separator+1:]
	if expectedLength := bare.hashBytesSize * 2; len(hash) != expectedLength {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Hash has length %d, while %d characters were expected", len(hash), expectedLength)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return BadDigest, status.Errorf(codes.InvalidArgument, "Non-hexadecimal character in digest hash: %#U", c)
		}
	}
	return Digest{value: s}, nil
}

// MustNewDigest constructs a Digest similar to NewDigestFromString,
// but never returns an error. Instead, execution will abort if the
// resulting instance would be degenerate. Useful for unit testing.
func MustNewDigest(s string) Digest {
	d, err := NewDigestFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Digest) separator() int {
	return strings.IndexByte(d.value, ':')
}

// GetFunction returns the digest function that was used to compute
// the digest.
func (d Digest) GetFunction() Function {
	return Function{bare: bareFunctionsByName[d.value[:d.separator()]]}
}

// GetHashString returns the hash of the object as a hexadecimal string.
func (d Digest) GetHashString() string {
	return d.value[d.separator()+1:]
}

// GetHashBytes returns the hash of the object as a slice of bytes.
func (d Digest) GetHashBytes() []byte {
	hash, err := hex.DecodeString(d.GetHashString())
	if err != nil {
		panic("Failed to decode digest hash, even though its contents have already been validated")
	}
	return hash
}

// NewHasher creates a standard hash.Hash object that may be used to
// compute a checksum of data. The hash.Hash object uses the same
// algorithm as the one that was used to create the digest, making it
// possible to validate data against a digest.
func (d Digest) NewHasher(expectedSizeBytes int64) hash.Hash {
	return d.GetFunction().bare.hasherFactory(expectedSizeBytes)
}

// IsBad returns true if the digest is the zero value.
func (d Digest) IsBad() bool {
	return d.value == ""
}

func (d Digest) String() string {
	return d.value
}

// MarshalText converts the digest to its string representation. This
// allows digests to be used as keys in JSON, YAML and CBOR documents.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.value), nil
}

// UnmarshalText parses a digest from its string representation.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := NewDigestFromString(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
