package cas_test

import (
	"context"
	"testing"
	"time"

	"github.com/olcf/containerbuilder/internal/mock"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/eviction"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.uber.org/mock/gomock"
)

func TestExistenceCachingContentStore(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	baseContentStore := mock.NewMockContentStore(ctrl)
	clock := mock.NewMockClock(ctrl)
	contentStore := cas.NewExistenceCachingContentStore(
		baseContentStore,
		digest.NewExistenceCache(clock, 10, time.Minute, eviction.NewLRUSet[digest.Digest]()))

	emptyDigest := digest.SHA256.Compute(nil)
	both := digest.NewSetBuilder().Add(helloDigest).Add(emptyDigest).Build()

	// The initial call must be forwarded in its entirety.
	clock.EXPECT().Now().Return(time.Unix(1000, 0)).Times(2)
	baseContentStore.EXPECT().FindMissing(ctx, both).Return(emptyDigest.ToSingletonSet(), nil)
	missing, err := contentStore.FindMissing(ctx, both)
	require.NoError(t, err)
	require.Equal(t, emptyDigest.ToSingletonSet(), missing)

	// Within the cache duration, only the missing blob is checked.
	clock.EXPECT().Now().Return(time.Unix(1030, 0)).Times(2)
	baseContentStore.EXPECT().FindMissing(ctx, emptyDigest.ToSingletonSet()).Return(emptyDigest.ToSingletonSet(), nil)
	missing, err = contentStore.FindMissing(ctx, both)
	require.NoError(t, err)
	require.Equal(t, emptyDigest.ToSingletonSet(), missing)

	// Has() of a cached blob does not reach the backend.
	clock.EXPECT().Now().Return(time.Unix(1040, 0))
	present, err := contentStore.Has(ctx, helloDigest)
	require.NoError(t, err)
	require.True(t, present)

	// A NotFound error from Get() evicts the entry.
	baseContentStore.EXPECT().Get(ctx, helloDigest).Return(nil, status.Error(codes.NotFound, "Blob not found"))
	_, err = contentStore.Get(ctx, helloDigest)
	require.Error(t, err)

	clock.EXPECT().Now().Return(time.Unix(1050, 0)).Times(2)
	baseContentStore.EXPECT().FindMissing(ctx, helloDigest.ToSingletonSet()).Return(helloDigest.ToSingletonSet(), nil)
	present, err = contentStore.Has(ctx, helloDigest)
	require.NoError(t, err)
	require.False(t, present)

	// Entries expire once the cache duration has passed.
	clock.EXPECT().Now().Return(time.Unix(1200, 0)).Times(2)
	baseContentStore.EXPECT().FindMissing(ctx, both).Return(digest.EmptySet, nil)
	missing, err = contentStore.FindMissing(ctx, both)
	require.NoError(t, err)
	require.Equal(t, digest.EmptySet, missing)
}
