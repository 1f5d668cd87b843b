package cas_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/olcf/containerbuilder/internal/mock"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.uber.org/mock/gomock"
)

func TestS3ContentStore(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	s3Client := mock.NewMockS3Client(ctrl)
	contentStore := cas.NewS3ContentStore(s3Client, "my-bucket", "cas/", digest.SHA256)
	helloKey := "cas/sha256/185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969"

	t.Run("Put", func(t *testing.T) {
		s3Client.EXPECT().PutObject(ctx, gomock.Any()).DoAndReturn(
			func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				require.Equal(t, "my-bucket", *params.Bucket)
				require.Equal(t, helloKey, *params.Key)
				require.Equal(t, int64(5), *params.ContentLength)
				body, err := io.ReadAll(params.Body)
				require.NoError(t, err)
				require.Equal(t, []byte("Hello"), body)
				return &s3.PutObjectOutput{}, nil
			})

		d, err := contentStore.Put(ctx, []byte("Hello"))
		require.NoError(t, err)
		require.Equal(t, helloDigest, d)
	})

	t.Run("GetSuccess", func(t *testing.T) {
		s3Client.EXPECT().GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String("my-bucket"),
			Key:    aws.String(helloKey),
		}).Return(&s3.GetObjectOutput{
			Body: io.NopCloser(strings.NewReader("Hello")),
		}, nil)

		data, err := contentStore.Get(ctx, helloDigest)
		require.NoError(t, err)
		require.Equal(t, []byte("Hello"), data)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s3Client.EXPECT().GetObject(ctx, gomock.Any()).Return(nil, &types.NoSuchKey{})

		_, err := contentStore.Get(ctx, helloDigest)
		testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Blob sha256:185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969 not found"), err)
	})

	t.Run("GetCorrupted", func(t *testing.T) {
		s3Client.EXPECT().GetObject(ctx, gomock.Any()).Return(&s3.GetObjectOutput{
			Body: io.NopCloser(strings.NewReader("Goodbye")),
		}, nil)

		_, err := contentStore.Get(ctx, helloDigest)
		testutil.RequireStatusCode(t, codes.DataLoss, err)
	})

	t.Run("HasNotFound", func(t *testing.T) {
		s3Client.EXPECT().HeadObject(ctx, gomock.Any()).Return(nil, &types.NotFound{})

		present, err := contentStore.Has(ctx, helloDigest)
		require.NoError(t, err)
		require.False(t, present)
	})

	t.Run("HasFailure", func(t *testing.T) {
		s3Client.EXPECT().HeadObject(ctx, gomock.Any()).Return(nil, errors.New("connection reset by peer"))

		_, err := contentStore.Has(ctx, helloDigest)
		testutil.RequireEqualStatus(t, status.Error(codes.Unavailable, "Failed to obtain attributes of blob sha256:185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969: connection reset by peer"), err)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		s3Client.EXPECT().DeleteObject(ctx, gomock.Any()).Return(nil, &types.NoSuchKey{})

		require.NoError(t, contentStore.Delete(ctx, helloDigest))
	})

	t.Run("Walk", func(t *testing.T) {
		// The paginator passes options of its own.
		s3Client.EXPECT().ListObjectsV2(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
				require.Equal(t, "cas/sha256/", *params.Prefix)
				return &s3.ListObjectsV2Output{
					Contents: []types.Object{
						{Key: aws.String(helloKey)},
						{Key: aws.String("cas/sha256/not-a-hash")},
					},
				}, nil
			})

		var seen []digest.Digest
		require.NoError(t, contentStore.Walk(ctx, func(d digest.Digest) error {
			seen = append(seen, d)
			return nil
		}))
		require.Equal(t, []digest.Digest{helloDigest}, seen)
	})
}
