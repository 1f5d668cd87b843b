package image

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/fsview"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Format in which images can be exported.
type Format string

const (
	// FormatDockerArchive is the format used by "docker save" and
	// "docker load".
	FormatDockerArchive Format = "docker-archive"
	// FormatOCILayout is an OCI image layout, written as a tar
	// archive when exported to a stream.
	FormatOCILayout Format = "oci-layout"
	// FormatRootFS is a tar archive containing the flattened root
	// file system of the image.
	FormatRootFS Format = "rootfs"
)

// ParseFormat converts the name of an export format to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatDockerArchive, FormatOCILayout, FormatRootFS:
		return f, nil
	case "":
		return FormatDockerArchive, nil
	default:
		return "", status.Errorf(codes.InvalidArgument, "Unknown export format %#v", s)
	}
}

// Exporter of images in formats understood by container runtimes.
type Exporter struct {
	contentStore  cas.ContentStore
	assembler     *Assembler
	function      digest.Function
	workDirectory string
}

// NewExporter creates an Exporter. Temporary files are created
// underneath workDirectory.
func NewExporter(contentStore cas.ContentStore, assembler *Assembler, function digest.Function, workDirectory string) *Exporter {
	return &Exporter{
		contentStore:  contentStore,
		assembler:     assembler,
		function:      function,
		workDirectory: workDirectory,
	}
}

// GetDefaultReference returns the image reference under which images
// are exported if none is provided.
func GetDefaultReference(image *Image) string {
	return "containerbuilder/image:" + image.ID.GetHashString()[:12]
}

func (e *Exporter) newV1Layer(ctx context.Context, l *layer.Layer) (v1.Layer, error) {
	v1Layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		r, w := io.Pipe()
		go func() {
			w.CloseWithError(fsview.WriteLayerTar(ctx, e.contentStore, l, w))
		}()
		return r, nil
	})
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create tarball for layer %s", l.ID)
	}
	return v1Layer, nil
}

// ToV1Image converts an image to its go-containerregistry
// representation. Layer tarballs are generated on demand.
func (e *Exporter) ToV1Image(ctx context.Context, image *Image) (v1.Image, error) {
	chain, err := e.assembler.GetLayers(ctx, image)
	if err != nil {
		return nil, err
	}
	v1Layers := make([]v1.Layer, 0, len(chain))
	for _, l := range chain {
		v1Layer, err := e.newV1Layer(ctx, l)
		if err != nil {
			return nil, err
		}
		v1Layers = append(v1Layers, v1Layer)
	}
	v1Image, err := mutate.AppendLayers(empty.Image, v1Layers...)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to append layers of image %s", image.ID)
	}

	configFile, err := v1Image.ConfigFile()
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to obtain configuration of image %s", image.ID)
	}
	configFile = configFile.DeepCopy()
	configFile.Author = image.Metadata.Author
	configFile.Created = v1.Time{Time: image.Metadata.Created}
	configFile.Architecture = image.Metadata.Architecture
	if configFile.Architecture == "" {
		configFile.Architecture = runtime.GOARCH
	}
	configFile.OS = image.Metadata.OS
	if configFile.OS == "" {
		configFile.OS = "linux"
	}
	configFile.Config.Env = image.Config.Env
	configFile.Config.WorkingDir = image.Config.WorkingDir
	configFile.Config.Entrypoint = image.Config.Entrypoint
	configFile.Config.Cmd = image.Config.Cmd
	configFile.Config.User = image.Config.User
	configFile.Config.Labels = image.GetLabels()
	v1Image, err = mutate.ConfigFile(v1Image, configFile)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to set configuration of image %s", image.ID)
	}
	return v1Image, nil
}

// Export an image to a stream. If no reference is provided, the
// result of GetDefaultReference() is used.
func (e *Exporter) Export(ctx context.Context, image *Image, format Format, reference string, w io.Writer) error {
	if reference == "" {
		reference = GetDefaultReference(image)
	}
	switch format {
	case FormatDockerArchive:
		tag, err := name.NewTag(reference)
		if err != nil {
			return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Invalid image reference %#v", reference)
		}
		v1Image, err := e.ToV1Image(ctx, image)
		if err != nil {
			return err
		}
		if err := tarball.Write(tag, v1Image, w); err != nil {
			return e.convertError(ctx, err, "Failed to write Docker archive")
		}
		return nil
	case FormatOCILayout:
		directory, err := os.MkdirTemp(e.workDirectory, "oci-layout-")
		if err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to create temporary directory")
		}
		defer os.RemoveAll(directory)
		if err := e.WriteOCILayout(ctx, image, reference, directory); err != nil {
			return err
		}
		return writeDirectoryTar(directory, w)
	case FormatRootFS:
		v1Image, err := e.ToV1Image(ctx, image)
		if err != nil {
			return err
		}
		r := mutate.Extract(v1Image)
		defer r.Close()
		if _, err := io.Copy(w, r); err != nil {
			return e.convertError(ctx, err, "Failed to write root file system")
		}
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "Unknown export format %#v", format)
	}
}

// WriteOCILayout writes an image as an OCI image layout into a
// directory. If the directory already contains an OCI image layout,
// the image is added to it.
func (e *Exporter) WriteOCILayout(ctx context.Context, image *Image, reference, directory string) error {
	if reference == "" {
		reference = GetDefaultReference(image)
	}
	v1Image, err := e.ToV1Image(ctx, image)
	if err != nil {
		return err
	}
	p, err := layout.FromPath(directory)
	if err != nil {
		if p, err = layout.Write(directory, empty.Index); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create OCI image layout in %#v", directory)
		}
	}
	if err := p.AppendImage(v1Image, layout.WithAnnotations(map[string]string{
		"org.opencontainers.image.ref.name": reference,
	})); err != nil {
		return e.convertError(ctx, err, "Failed to write OCI image layout")
	}
	return nil
}

// Materialize writes the flattened root file system of an image into
// a directory, which must not exist yet.
func (e *Exporter) Materialize(ctx context.Context, image *Image, target string) error {
	chain, err := e.assembler.GetLayers(ctx, image)
	if err != nil {
		return err
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid target directory")
	}
	view, err := fsview.Materialize(ctx, e.contentStore, filepath.Dir(target), e.function, chain)
	if err != nil {
		return err
	}
	defer view.Close()
	return view.MoveTo(target)
}

// convertError converts errors returned by go-containerregistry,
// which may be caused by failures to read layer contents.
func (e *Exporter) convertError(ctx context.Context, err error, message string) error {
	if ctx.Err() != nil {
		return util.StatusFromContext(ctx)
	}
	if _, ok := status.FromError(err); ok {
		return util.StatusWrap(err, message)
	}
	return util.StatusWrapWithCode(err, codes.Internal, message)
}

// writeDirectoryTar writes the contents of a directory as a tar
// archive.
func writeDirectoryTar(directory string, w io.Writer) error {
	tw := tar.NewWriter(w)
	if err := fs.WalkDir(os.DirFS(directory), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = p
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(filepath.Join(directory, p))
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to write OCI image layout archive")
	}
	if err := tw.Close(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to finalize OCI image layout archive")
	}
	return nil
}
