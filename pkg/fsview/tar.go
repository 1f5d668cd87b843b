package fsview

import (
	"archive/tar"
	"context"
	"io"
	"path"
	"time"

	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WhiteoutPrefix is the prefix of file names in layer tarballs that
// denote the deletion of a file, as described by the OCI image layer
// specification.
const WhiteoutPrefix = ".wh."

var epoch = time.Unix(0, 0)

// WriteLayerTar renders the diff of a layer as an uncompressed tar
// archive in the format expected by OCI and Docker image layers.
// Deletions are written as whiteout files. Timestamps and ownership are
// normalized, so that the resulting archive only depends on the layer.
func WriteLayerTar(ctx context.Context, contentStore cas.ContentStore, l *layer.Layer, w io.Writer) error {
	tw := tar.NewWriter(w)
	for _, entry := range l.Entries {
		if err := ctx.Err(); err != nil {
			return util.StatusFromContext(ctx)
		}
		hdr := &tar.Header{
			Name:    entry.Path,
			Mode:    int64(entry.Mode),
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}
		var contents []byte
		switch entry.Type {
		case layer.EntryTypeRegular:
			data, err := contentStore.Get(ctx, entry.Digest)
			if err != nil {
				return util.StatusWrapf(err, "Failed to fetch contents of %#v", entry.Path)
			}
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(data))
			contents = data
		case layer.EntryTypeDirectory:
			hdr.Typeflag = tar.TypeDir
			if entry.Path == "" {
				hdr.Name = "."
			}
			hdr.Name += "/"
		case layer.EntryTypeSymlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = entry.LinkTarget
		case layer.EntryTypeWhiteout:
			dir, file := path.Split(entry.Path)
			hdr.Typeflag = tar.TypeReg
			hdr.Name = dir + WhiteoutPrefix + file
			hdr.Mode = 0o644
		default:
			return status.Errorf(codes.InvalidArgument, "Entry %#v has unknown type %d", entry.Path, entry.Type)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write header for %#v", entry.Path)
		}
		if _, err := tw.Write(contents); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write contents of %#v", entry.Path)
		}
	}
	if err := tw.Close(); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to finalize tar archive")
	}
	return nil
}
