package cas

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	cloud_aws "github.com/olcf/containerbuilder/pkg/cloud/aws"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func convertS3Error(err error, format string, d digest.Digest) error {
	if isS3NotFound(err) {
		return status.Errorf(codes.NotFound, "Blob %s not found", d)
	}
	return util.StatusWrapfWithCode(err, codes.Unavailable, format, d)
}

type s3ContentStore struct {
	s3Client  cloud_aws.S3Client
	bucket    string
	keyPrefix string
	function  digest.Function
}

// NewS3ContentStore creates a ContentStore that stores blobs as
// objects in an S3 bucket. Objects are named
// ${keyPrefix}${function}/${hash}.
func NewS3ContentStore(s3Client cloud_aws.S3Client, bucket, keyPrefix string, function digest.Function) ContentStore {
	return &s3ContentStore{
		s3Client:  s3Client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		function:  function,
	}
}

func (cs *s3ContentStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	d := cs.function.Compute(data)
	if _, err := cs.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cs.bucket),
		Key:           aws.String(getObjectKey(cs.keyPrefix, d)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}); err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to upload blob %s", d)
	}
	return d, nil
}

func (cs *s3ContentStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return nil, err
	}
	output, err := cs.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cs.bucket),
		Key:    aws.String(getObjectKey(cs.keyPrefix, d)),
	})
	if err != nil {
		return nil, convertS3Error(err, "Failed to download blob %s", d)
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to download blob %s", d)
	}
	if err := validateContents(d, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (cs *s3ContentStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return false, err
	}
	if _, err := cs.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(cs.bucket),
		Key:    aws.String(getObjectKey(cs.keyPrefix, d)),
	}); err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to obtain attributes of blob %s", d)
	}
	return true, nil
}

func (cs *s3ContentStore) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	return FindMissingSequentially(ctx, cs, digests)
}

func (cs *s3ContentStore) Delete(ctx context.Context, d digest.Digest) error {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return err
	}
	if _, err := cs.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cs.bucket),
		Key:    aws.String(getObjectKey(cs.keyPrefix, d)),
	}); err != nil && !isS3NotFound(err) {
		return util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to delete blob %s", d)
	}
	return nil
}

func (cs *s3ContentStore) Walk(ctx context.Context, fn func(d digest.Digest) error) error {
	paginator := s3.NewListObjectsV2Paginator(cs.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(cs.bucket),
		Prefix: aws.String(cs.keyPrefix + cs.function.GetName() + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to list objects")
		}
		for _, object := range page.Contents {
			if d, ok := parseObjectKey(cs.keyPrefix, aws.ToString(object.Key)); ok {
				if err := fn(d); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
