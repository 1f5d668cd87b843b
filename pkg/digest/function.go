package digest

import (
	"encoding/hex"
	"hash"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Function for computing new Digest objects. All blobs stored in a
// single Content Store, and all layers in a single Layer Graph, are
// expected to use the same Function.
type Function struct {
	bare *bareFunction
}

// Digest functions supported by this implementation.
var (
	BLAKE3     = Function{bare: &blake3BareFunction}
	SHA256     = Function{bare: &sha256BareFunction}
	SHA256TREE = Function{bare: &sha256treeBareFunction}
	SHA512     = Function{bare: &sha512BareFunction}
)

// NewFunction looks up a digest function by name, as it is used in
// configuration files and in the string representation of digests
// (e.g., "sha256"). Names are case insensitive, so that "SHA256" is
// accepted as well. The empty string selects SHA-256.
func NewFunction(name string) (Function, error) {
	if name == "" {
		return SHA256, nil
	}
	if bare, ok := bareFunctionsByName[strings.ToLower(name)]; ok {
		return Function{bare: bare}, nil
	}
	return Function{}, status.Errorf(codes.InvalidArgument, "Unknown digest function %#v", name)
}

// SupportedFunctionNames returns the names of all digest functions
// supported by NewFunction(), in alphabetical order.
func SupportedFunctionNames() []string {
	names := make([]string, 0, len(bareFunctionsByName))
	for name := range bareFunctionsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetName returns the name of the digest function.
func (f Function) GetName() string {
	return f.bare.name
}

// NewGenerator creates a writer that may be used to compute digests of
// newly created files. The expected size is only used as a hint by
// digest functions that need to know the size of the data upfront.
func (f Function) NewGenerator(expectedSizeBytes int64) *Generator {
	return &Generator{
		bare:        f.bare,
		partialHash: f.bare.hasherFactory(expectedSizeBytes),
	}
}

// Compute the digest of a buffer that is available in its entirety.
func (f Function) Compute(data []byte) Digest {
	g := f.NewGenerator(int64(len(data)))
	g.Write(data)
	return g.Sum()
}

// Generator is a writer that may be used to compute digests of newly
// created files.
type Generator struct {
	bare        *bareFunction
	partialHash hash.Hash
	sizeBytes   int64
}

// Write a chunk of data from a newly created file into the state of the
// Generator.
func (dg *Generator) Write(p []byte) (int, error) {
	n, err := dg.partialHash.Write(p)
	dg.sizeBytes += int64(n)
	return n, err
}

// Sum creates a new digest based on the data written into the
// Generator.
func (dg *Generator) Sum() Digest {
	return newDigestUnchecked(dg.bare, hex.EncodeToString(dg.partialHash.Sum(nil)))
}

// GetSizeBytes returns the number of bytes written into the Generator.
func (dg *Generator) GetSizeBytes() int64 {
	return dg.sizeBytes
}
