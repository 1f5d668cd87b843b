package cas_test

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/cloud/gcp"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// fakeBucket is an in-memory implementation of the subset of the
// Google Cloud Storage API used by the GCS backend.
type fakeBucket struct {
	objects map[string][]byte
}

func (b *fakeBucket) Object(name string) gcp.StorageObjectHandle {
	return &fakeObject{bucket: b, name: name}
}

func (b *fakeBucket) Objects(ctx context.Context, query *storage.Query) gcp.StorageObjectIterator {
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, query.Prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return &fakeObjectIterator{names: names}
}

type fakeObjectIterator struct {
	names []string
}

func (it *fakeObjectIterator) Next() (*storage.ObjectAttrs, error) {
	if len(it.names) == 0 {
		return nil, iterator.Done
	}
	name := it.names[0]
	it.names = it.names[1:]
	return &storage.ObjectAttrs{Name: name}, nil
}

type fakeObject struct {
	bucket *fakeBucket
	name   string
}

func (o *fakeObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	data, ok := o.bucket.objects[o.name]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *fakeObject) NewWriter(ctx context.Context) io.WriteCloser {
	return &fakeObjectWriter{object: o}
}

func (o *fakeObject) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	if _, ok := o.bucket.objects[o.name]; !ok {
		return nil, storage.ErrObjectNotExist
	}
	return &storage.ObjectAttrs{Name: o.name}, nil
}

func (o *fakeObject) Delete(ctx context.Context) error {
	if _, ok := o.bucket.objects[o.name]; !ok {
		return storage.ErrObjectNotExist
	}
	delete(o.bucket.objects, o.name)
	return nil
}

type fakeObjectWriter struct {
	object *fakeObject
	buffer bytes.Buffer
}

func (w *fakeObjectWriter) Write(p []byte) (int, error) {
	return w.buffer.Write(p)
}

func (w *fakeObjectWriter) Close() error {
	w.object.bucket.objects[w.object.name] = w.buffer.Bytes()
	return nil
}

func TestGCSContentStore(t *testing.T) {
	ctx := context.Background()
	bucket := &fakeBucket{objects: map[string][]byte{}}
	contentStore := cas.NewGCSContentStore(bucket, "blobs/", digest.SHA256)

	_, err := contentStore.Get(ctx, helloDigest)
	testutil.RequireStatusCode(t, codes.NotFound, err)

	d, err := contentStore.Put(ctx, []byte("Hello"))
	require.NoError(t, err)
	require.Equal(t, helloDigest, d)
	require.Contains(t, bucket.objects, "blobs/sha256/185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969")

	data, err := contentStore.Get(ctx, helloDigest)
	require.NoError(t, err)
	require.Equal(t, []byte("Hello"), data)

	bucket.objects["blobs/unrelated"] = []byte("x")
	var seen []digest.Digest
	require.NoError(t, contentStore.Walk(ctx, func(d digest.Digest) error {
		seen = append(seen, d)
		return nil
	}))
	require.Equal(t, []digest.Digest{helloDigest}, seen)

	require.NoError(t, contentStore.Delete(ctx, helloDigest))
	require.NoError(t, contentStore.Delete(ctx, helloDigest))
	present, err := contentStore.Has(ctx, helloDigest)
	require.NoError(t, err)
	require.False(t, present)
}
