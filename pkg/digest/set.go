package digest

import (
	"sort"
)

// Set of digests. Sets are immutable and can be created using
// SetBuilder. Elements are kept in sorted order, which allows sets to
// be compared and intersected in linear time.
type Set struct {
	digests []Digest
}

// EmptySet is an instance of Set that contains zero elements.
var EmptySet = Set{}

// Items returns a sorted list of all elements stored within the set.
func (s Set) Items() []Digest {
	return s.digests
}

// Empty returns true if the set contains zero elements.
func (s Set) Empty() bool {
	return len(s.digests) == 0
}

// First returns the first element stored in the set. The boolean
// return value denotes whether the operation was successful (i.e., the
// set is non-empty).
func (s Set) First() (Digest, bool) {
	if len(s.digests) == 0 {
		return BadDigest, false
	}
	return s.digests[0], true
}

// Length returns the number of elements stored in the set.
func (s Set) Length() int {
	return len(s.digests)
}

// Contains returns whether a digest is an element of the set.
func (s Set) Contains(d Digest) bool {
	i := sort.Search(len(s.digests), func(i int) bool { return s.digests[i].value >= d.value })
	return i < len(s.digests) && s.digests[i] == d
}

// ToSingletonSet creates a Set that contains a single element that
// corresponds to the Digest.
func (d Digest) ToSingletonSet() Set {
	return Set{
		digests: []Digest{d},
	}
}

// GetDifferenceAndIntersection partitions the elements stored in sets A
// and B across three resulting sets: one containing the elements
// present only in A, one containing the elements present in both A and
// B, and one containing the elements present only in B.
func GetDifferenceAndIntersection(setA, setB Set) (onlyA, both, onlyB Set) {
	a, b := setA.digests, setB.digests
	for len(a) > 0 && len(b) > 0 {
		if sA, sB := a[0].value, b[0].value; sA < sB {
			onlyA.digests = append(onlyA.digests, a[0])
			a = a[1:]
		} else if sA == sB {
			both.digests = append(both.digests, a[0])
			a, b = a[1:], b[1:]
		} else {
			onlyB.digests = append(onlyB.digests, b[0])
			b = b[1:]
		}
	}
	onlyA.digests = append(onlyA.digests, a...)
	onlyB.digests = append(onlyB.digests, b...)
	return onlyA, both, onlyB
}

// SetBuilder is a builder for Set objects.
type SetBuilder struct {
	digests map[Digest]struct{}
}

// NewSetBuilder creates a SetBuilder that contains no initial elements.
func NewSetBuilder() SetBuilder {
	return SetBuilder{
		digests: map[Digest]struct{}{},
	}
}

// Add a single element to the Set that is being built by the
// SetBuilder. Duplicates are ignored.
func (sb SetBuilder) Add(digest Digest) SetBuilder {
	sb.digests[digest] = struct{}{}
	return sb
}

// Length returns the number of distinct elements added to the
// SetBuilder so far.
func (sb SetBuilder) Length() int {
	return len(sb.digests)
}

// Build the Set containing the Digests provided to Add().
func (sb SetBuilder) Build() Set {
	if len(sb.digests) == 0 {
		return EmptySet
	}
	digests := make([]Digest, 0, len(sb.digests))
	for digest := range sb.digests {
		digests = append(digests, digest)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i].value < digests[j].value })
	return Set{digests: digests}
}
