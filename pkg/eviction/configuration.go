package eviction

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Names of cache replacement policies, as they may be used in
// configuration files.
const (
	PolicyFirstInFirstOut    = "FIRST_IN_FIRST_OUT"
	PolicyLeastRecentlyUsed  = "LEAST_RECENTLY_USED"
	PolicyRandomReplacement  = "RANDOM_REPLACEMENT"
	defaultReplacementPolicy = PolicyLeastRecentlyUsed
)

// NewSetFromConfiguration creates a new cache replacement set using an
// algorithm specified by name. The empty string selects LRU.
func NewSetFromConfiguration[T comparable](cacheReplacementPolicy string) (Set[T], error) {
	if cacheReplacementPolicy == "" {
		cacheReplacementPolicy = defaultReplacementPolicy
	}
	switch cacheReplacementPolicy {
	case PolicyFirstInFirstOut:
		return NewFIFOSet[T](), nil
	case PolicyLeastRecentlyUsed:
		return NewLRUSet[T](), nil
	case PolicyRandomReplacement:
		return NewRRSet[T](), nil
	default:
		return nil, status.Errorf(codes.InvalidArgument, "Unknown cache replacement policy %#v", cacheReplacementPolicy)
	}
}
