package cas

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const temporaryDirectoryName = "tmp"

type directoryContentStore struct {
	rootDirectory string
	function      digest.Function
	compress      bool
	uuidGenerator util.UUIDGenerator
}

// NewDirectoryContentStore creates a ContentStore that stores blobs as
// files in a directory on the local file system. Files are named after
// the hash of their contents, and are grouped in subdirectories by
// digest function and hash prefix:
//
//	${rootDirectory}/sha256/18/185f8db32271fe25f561a6fc938b2e264306ec304eda518007d1764826381969
//
// Blobs are first written to a uniquely named file in
// ${rootDirectory}/tmp, flushed to disk and atomically renamed to their
// final path. This means that concurrent writers of the same blob
// never observe partial writes, and that crashes never leave corrupted
// blobs behind at their canonical path.
//
// If compression is enabled, blobs are stored Zstandard compressed.
// Digests are always computed over the uncompressed contents.
func NewDirectoryContentStore(rootDirectory string, function digest.Function, compress bool, uuidGenerator util.UUIDGenerator) (ContentStore, error) {
	// Remove leftovers of writes that were interrupted.
	temporaryDirectory := filepath.Join(rootDirectory, temporaryDirectoryName)
	if err := os.RemoveAll(temporaryDirectory); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to clean temporary directory %#v", temporaryDirectory)
	}
	if err := os.MkdirAll(temporaryDirectory, 0o755); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create temporary directory %#v", temporaryDirectory)
	}
	return &directoryContentStore{
		rootDirectory: rootDirectory,
		function:      function,
		compress:      compress,
		uuidGenerator: uuidGenerator,
	}, nil
}

func (cs *directoryContentStore) getPath(d digest.Digest) string {
	hash := d.GetHashString()
	return filepath.Join(cs.rootDirectory, d.GetFunction().GetName(), hash[:2], hash)
}

func (cs *directoryContentStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	d := cs.function.Compute(data)
	finalPath := cs.getPath(d)
	if _, err := os.Stat(finalPath); err == nil {
		return d, nil
	} else if !os.IsNotExist(err) {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to stat blob %s", d)
	}
	if err := ctx.Err(); err != nil {
		return digest.BadDigest, util.StatusFromContext(ctx)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create directory for blob %s", d)
	}
	u, err := cs.uuidGenerator()
	if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, codes.Internal, "Failed to generate temporary file name")
	}
	temporaryPath := filepath.Join(cs.rootDirectory, temporaryDirectoryName, u.String())
	contents := data
	if cs.compress {
		contents = util.ZstdCompress(data)
	}
	if err := writeFileSynced(temporaryPath, contents); err != nil {
		os.Remove(temporaryPath)
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to write blob %s", d)
	}
	// Renaming over an existing file is atomic. If another writer
	// stored the same blob in the meantime, its contents are
	// identical to ours.
	if err := os.Rename(temporaryPath, finalPath); err != nil {
		os.Remove(temporaryPath)
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to rename blob %s", d)
	}
	return d, nil
}

func writeFileSynced(path string, contents []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return err
	}
	if _, err := f.Write(contents); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (cs *directoryContentStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(cs.getPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "Blob %s not found", d)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to read blob %s", d)
	}
	if cs.compress {
		if contents, err = util.ZstdDecompress(contents); err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Failed to decompress blob %s", d)
		}
	}
	if err := validateContents(d, contents); err != nil {
		return nil, err
	}
	return contents, nil
}

func (cs *directoryContentStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return false, err
	}
	if _, err := os.Stat(cs.getPath(d)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, util.StatusWrapfWithCode(err, codes.Internal, "Failed to stat blob %s", d)
	}
	return true, nil
}

func (cs *directoryContentStore) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	return FindMissingSequentially(ctx, cs, digests)
}

func (cs *directoryContentStore) Delete(ctx context.Context, d digest.Digest) error {
	if err := checkDigestFunction(cs.function, d); err != nil {
		return err
	}
	if err := os.Remove(cs.getPath(d)); err != nil && !os.IsNotExist(err) {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to delete blob %s", d)
	}
	return nil
}

func (cs *directoryContentStore) Walk(ctx context.Context, fn func(d digest.Digest) error) error {
	functionDirectory := filepath.Join(cs.rootDirectory, cs.function.GetName())
	prefixes, err := os.ReadDir(functionDirectory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to list directory %#v", functionDirectory)
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return util.StatusFromContext(ctx)
		}
		prefixDirectory := filepath.Join(functionDirectory, prefix.Name())
		entries, err := os.ReadDir(prefixDirectory)
		if err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to list directory %#v", prefixDirectory)
		}
		for _, entry := range entries {
			if entry.Type()&fs.ModeType != 0 {
				continue
			}
			// Ignore files that do not follow the naming scheme.
			d, err := digest.NewDigestFromString(cs.function.GetName() + ":" + entry.Name())
			if err != nil {
				continue
			}
			if err := fn(d); err != nil {
				return err
			}
		}
	}
	return nil
}
