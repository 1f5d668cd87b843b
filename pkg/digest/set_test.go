package digest_test

import (
	"testing"

	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/stretchr/testify/require"
)

var (
	digestA = digest.SHA256.Compute([]byte("a"))
	digestB = digest.SHA256.Compute([]byte("b"))
	digestC = digest.SHA256.Compute([]byte("c"))
)

func TestSetBuilder(t *testing.T) {
	require.Equal(t, digest.EmptySet, digest.NewSetBuilder().Build())

	s := digest.NewSetBuilder().Add(digestC).Add(digestA).Add(digestC).Build()
	require.Equal(t, 2, s.Length())
	require.False(t, s.Empty())
	require.True(t, s.Contains(digestA))
	require.False(t, s.Contains(digestB))
	require.True(t, s.Contains(digestC))

	items := s.Items()
	require.True(t, items[0].String() < items[1].String())
}

func TestGetDifferenceAndIntersection(t *testing.T) {
	setA := digest.NewSetBuilder().Add(digestA).Add(digestB).Build()
	setB := digest.NewSetBuilder().Add(digestB).Add(digestC).Build()

	onlyA, both, onlyB := digest.GetDifferenceAndIntersection(setA, setB)
	require.Equal(t, digestA.ToSingletonSet(), onlyA)
	require.Equal(t, digestB.ToSingletonSet(), both)
	require.Equal(t, digestC.ToSingletonSet(), onlyB)
}
