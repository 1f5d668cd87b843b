package cas_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var helloDigest = digest.MustNewDigest("sha256:185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969")

func TestDirectoryContentStore(t *testing.T) {
	ctx := context.Background()

	for _, compress := range []bool{false, true} {
		name := "Uncompressed"
		if compress {
			name = "Compressed"
		}
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			contentStore, err := cas.NewDirectoryContentStore(root, digest.SHA256, compress, uuid.NewRandom)
			require.NoError(t, err)

			t.Run("GetMissing", func(t *testing.T) {
				_, err := contentStore.Get(ctx, helloDigest)
				testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Blob sha256:185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969 not found"), err)

				present, err := contentStore.Has(ctx, helloDigest)
				require.NoError(t, err)
				require.False(t, present)
			})

			t.Run("PutGet", func(t *testing.T) {
				d, err := contentStore.Put(ctx, []byte("Hello"))
				require.NoError(t, err)
				require.Equal(t, helloDigest, d)

				// Storing the same contents again is a no-op.
				d, err = contentStore.Put(ctx, []byte("Hello"))
				require.NoError(t, err)
				require.Equal(t, helloDigest, d)

				data, err := contentStore.Get(ctx, helloDigest)
				require.NoError(t, err)
				require.Equal(t, []byte("Hello"), data)

				_, err = os.Stat(filepath.Join(root, "sha256", "18", helloDigest.GetHashString()))
				require.NoError(t, err)
			})

			t.Run("FindMissing", func(t *testing.T) {
				emptyDigest := digest.SHA256.Compute(nil)
				missing, err := contentStore.FindMissing(ctx, digest.NewSetBuilder().Add(helloDigest).Add(emptyDigest).Build())
				require.NoError(t, err)
				require.Equal(t, emptyDigest.ToSingletonSet(), missing)
			})

			t.Run("Walk", func(t *testing.T) {
				var seen []digest.Digest
				require.NoError(t, contentStore.Walk(ctx, func(d digest.Digest) error {
					seen = append(seen, d)
					return nil
				}))
				require.Equal(t, []digest.Digest{helloDigest}, seen)
			})

			t.Run("Delete", func(t *testing.T) {
				require.NoError(t, contentStore.Delete(ctx, helloDigest))
				require.NoError(t, contentStore.Delete(ctx, helloDigest))

				present, err := contentStore.Has(ctx, helloDigest)
				require.NoError(t, err)
				require.False(t, present)
			})
		})
	}

	t.Run("Corruption", func(t *testing.T) {
		root := t.TempDir()
		contentStore, err := cas.NewDirectoryContentStore(root, digest.SHA256, false, uuid.NewRandom)
		require.NoError(t, err)
		_, err = contentStore.Put(ctx, []byte("Hello"))
		require.NoError(t, err)

		path := filepath.Join(root, "sha256", "18", helloDigest.GetHashString())
		require.NoError(t, os.Chmod(path, 0o644))
		require.NoError(t, os.WriteFile(path, []byte("Hellx"), 0o644))

		_, err = contentStore.Get(ctx, helloDigest)
		testutil.RequireStatusCode(t, codes.DataLoss, err)
	})

	t.Run("WrongDigestFunction", func(t *testing.T) {
		contentStore, err := cas.NewDirectoryContentStore(t.TempDir(), digest.SHA256, false, uuid.NewRandom)
		require.NoError(t, err)

		_, err = contentStore.Get(ctx, digest.BLAKE3.Compute([]byte("Hello")))
		testutil.RequireStatusCode(t, codes.InvalidArgument, err)
	})

	t.Run("ConcurrentPut", func(t *testing.T) {
		contentStore, err := cas.NewDirectoryContentStore(t.TempDir(), digest.SHA256, false, uuid.NewRandom)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := contentStore.Put(ctx, []byte("Hello"))
				require.NoError(t, err)
				require.Equal(t, helloDigest, d)
			}()
		}
		wg.Wait()

		data, err := contentStore.Get(ctx, helloDigest)
		require.NoError(t, err)
		require.Equal(t, []byte("Hello"), data)
	})

	t.Run("RemovesStaleTemporaryFiles", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "tmp", "partial"), []byte("Hel"), 0o644))

		_, err := cas.NewDirectoryContentStore(root, digest.SHA256, false, uuid.NewRandom)
		require.NoError(t, err)

		entries, err := os.ReadDir(filepath.Join(root, "tmp"))
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}
