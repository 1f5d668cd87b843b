package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/buildbarn/go-sha256tree"
	"github.com/zeebo/blake3"
)

// bareFunction contains all of the properties of a digest function.
// Exactly one instance is declared for each of the digest functions
// that are supported by this implementation.
type bareFunction struct {
	name          string
	hasherFactory func(expectedSizeBytes int64) hash.Hash
	hashBytesSize int
}

var (
	blake3BareFunction = bareFunction{
		name: "blake3",
		hasherFactory: func(expectedSizeBytes int64) hash.Hash {
			return blake3.New()
		},
		hashBytesSize: 32,
	}
	sha256BareFunction = bareFunction{
		name: "sha256",
		hasherFactory: func(expectedSizeBytes int64) hash.Hash {
			return sha256.New()
		},
		hashBytesSize: sha256.Size,
	}
	sha256treeBareFunction = bareFunction{
		name:          "sha256tree",
		hasherFactory: sha256tree.New,
		hashBytesSize: sha256tree.Size,
	}
	sha512BareFunction = bareFunction{
		name: "sha512",
		hasherFactory: func(expectedSizeBytes int64) hash.Hash {
			return sha512.New()
		},
		hashBytesSize: sha512.Size,
	}

	bareFunctionsByName = map[string]*bareFunction{
		blake3BareFunction.name:     &blake3BareFunction,
		sha256BareFunction.name:     &sha256BareFunction,
		sha256treeBareFunction.name: &sha256treeBareFunction,
		sha512BareFunction.name:     &sha512BareFunction,
	}
)
