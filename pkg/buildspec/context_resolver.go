package buildspec

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlobUploader is the part of the Content Store that is needed to
// upload the contents of a build context. It is implemented both by
// local Content Stores and by clients of a remote build server.
type BlobUploader interface {
	FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error)
	Put(ctx context.Context, data []byte) (digest.Digest, error)
}

// ContextResolver resolves the sources of copy steps against a build
// context directory.
type ContextResolver struct {
	uploader          BlobUploader
	function          digest.Function
	directory         string
	uploadConcurrency int
}

// NewContextResolver creates a ContextResolver for a given build
// context directory. Files are uploaded using at most
// uploadConcurrency parallel requests.
func NewContextResolver(uploader BlobUploader, function digest.Function, directory string, uploadConcurrency int) *ContextResolver {
	if uploadConcurrency <= 0 {
		uploadConcurrency = 1
	}
	return &ContextResolver{
		uploader:          uploader,
		function:          function,
		directory:         directory,
		uploadConcurrency: uploadConcurrency,
	}
}

// Resolve fills in the inputs of all copy steps of a build
// specification, and uploads the contents of all files that are not
// present in the Content Store yet.
func (r *ContextResolver) Resolve(ctx context.Context, s *Spec) error {
	files := map[digest.Digest]string{}
	for i := range s.Steps {
		copyStep := s.Steps[i].Copy
		if copyStep == nil {
			continue
		}
		inputs, err := r.scan(copyStep.Source, files)
		if err != nil {
			return util.StatusWrapf(err, "Step %d", i)
		}
		copyStep.Inputs = inputs
	}
	return r.upload(ctx, files)
}

// scan the contents of a source in the build context, returning the
// inputs of the copy step. The paths of all regular files are added to
// files, keyed by digest.
func (r *ContextResolver) scan(source string, files map[digest.Digest]string) ([]Input, error) {
	localSource := filepath.FromSlash(source)
	if !filepath.IsLocal(localSource) {
		return nil, status.Errorf(codes.InvalidArgument, "Source %#v is not contained in the build context", source)
	}
	root := filepath.Join(r.directory, localSource)
	var inputs []Input
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return util.StatusWrapWithCode(err, codes.NotFound, "Source does not exist")
			}
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to read %#v", p)
		}
		relative, err := filepath.Rel(root, p)
		if err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to obtain relative path")
		}
		input := Input{}
		if relative != "." {
			input.Path = filepath.ToSlash(relative)
		}
		info, err := d.Info()
		if err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to obtain properties of %#v", p)
		}
		input.Mode = uint32(info.Mode().Perm())

		switch info.Mode().Type() {
		case 0:
			input.Type = layer.EntryTypeRegular.String()
			fileDigest, err := r.hashFile(p, info.Size())
			if err != nil {
				return err
			}
			input.Digest = fileDigest.String()
			files[fileDigest] = p
		case fs.ModeDir:
			input.Type = layer.EntryTypeDirectory.String()
		case fs.ModeSymlink:
			input.Type = layer.EntryTypeSymlink.String()
			target, err := os.Readlink(p)
			if err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to read symbolic link %#v", p)
			}
			input.Target = target
			input.Mode = 0o777
		default:
			return status.Errorf(codes.InvalidArgument, "File %#v has unsupported type %s", p, info.Mode().Type())
		}
		inputs = append(inputs, input)
		return nil
	})
	if err != nil {
		return nil, util.StatusWrapf(err, "Source %#v", source)
	}
	return inputs, nil
}

func (r *ContextResolver) hashFile(p string, sizeBytes int64) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open %#v", p)
	}
	defer f.Close()
	generator := r.function.NewGenerator(sizeBytes)
	if _, err := io.Copy(generator, f); err != nil {
		return digest.BadDigest, util.StatusWrapfWithCode(err, codes.Internal, "Failed to read %#v", p)
	}
	return generator.Sum(), nil
}

func (r *ContextResolver) upload(ctx context.Context, files map[digest.Digest]string) error {
	if len(files) == 0 {
		return nil
	}
	digests := digest.NewSetBuilder()
	for d := range files {
		digests.Add(d)
	}
	missing, err := r.uploader.FindMissing(ctx, digests.Build())
	if err != nil {
		return util.StatusWrap(err, "Failed to determine which files of the build context are missing")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.uploadConcurrency)
	for _, d := range missing.Items() {
		p := files[d]
		group.Go(func() error {
			data, err := os.ReadFile(p)
			if err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to read %#v", p)
			}
			uploaded, err := r.uploader.Put(groupCtx, data)
			if err != nil {
				return util.StatusWrapf(err, "Failed to upload %#v", p)
			}
			if uploaded != d {
				return status.Errorf(codes.FailedPrecondition, "File %#v was modified while the build context was being uploaded", p)
			}
			return nil
		})
	}
	return group.Wait()
}
