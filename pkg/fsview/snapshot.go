package fsview

import (
	"context"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FileInfo describes a single file in a snapshot.
type FileInfo struct {
	Type       layer.EntryType
	Mode       uint32
	SizeBytes  int64
	ModTime    time.Time
	Digest     digest.Digest
	LinkTarget string
}

func newFileInfo(info fs.FileInfo) FileInfo {
	fileInfo := FileInfo{
		Mode:    entryModeFromFileMode(info.Mode()),
		ModTime: info.ModTime(),
	}
	switch {
	case info.Mode().IsRegular():
		fileInfo.Type = layer.EntryTypeRegular
		fileInfo.SizeBytes = info.Size()
	case info.IsDir():
		fileInfo.Type = layer.EntryTypeDirectory
	case info.Mode()&fs.ModeSymlink != 0:
		fileInfo.Type = layer.EntryTypeSymlink
	}
	return fileInfo
}

// unchanged returns whether the metadata of a regular file indicates
// that its contents have not been modified.
func (fi *FileInfo) unchanged(other *FileInfo) bool {
	return fi.Type == layer.EntryTypeRegular && other.Type == layer.EntryTypeRegular &&
		fi.SizeBytes == other.SizeBytes && fi.ModTime.Equal(other.ModTime) && !other.Digest.IsBad()
}

// entryModeFromFileMode converts a Go file mode to the Unix style
// permission bits stored in diff entries.
func entryModeFromFileMode(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}

func fileModeFromEntry(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)
	if m&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if m&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if m&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// Snapshot of the state of all files in a view. The root directory is
// stored under the empty path.
type Snapshot struct {
	files map[string]FileInfo
}

// Get returns the state of a single file in the snapshot.
func (s *Snapshot) Get(p string) (FileInfo, bool) {
	fi, ok := s.files[p]
	return fi, ok
}

// Paths returns all paths in the snapshot in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot captures the state of all files in the view. Regular files
// are hashed, unless their size and modification time are identical to
// those in a previous snapshot (or to those of a file written by
// Apply()), in which case the previously computed digest is reused.
// Withheld directory permissions are applied first.
func (v *View) Snapshot(ctx context.Context, previous *Snapshot) (*Snapshot, error) {
	if err := v.Finalize(); err != nil {
		return nil, err
	}
	s := &Snapshot{files: map[string]FileInfo{}}
	if err := fs.WalkDir(v.root.FS(), ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return util.StatusFromContext(ctx)
		}
		p := name
		if p == "." {
			p = ""
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fileInfo := newFileInfo(info)
		switch fileInfo.Type {
		case layer.EntryTypeRegular:
			if known, ok := v.known[p]; ok && fileInfo.unchanged(&known) {
				fileInfo.Digest = known.Digest
			} else if previous != nil {
				if old, ok := previous.files[p]; ok && fileInfo.unchanged(&old) {
					fileInfo.Digest = old.Digest
				}
			}
			if fileInfo.Digest.IsBad() {
				if fileInfo.Digest, err = v.hashFile(name, fileInfo.SizeBytes); err != nil {
					return err
				}
			}
		case layer.EntryTypeSymlink:
			if fileInfo.LinkTarget, err = v.root.Readlink(name); err != nil {
				return err
			}
		case layer.EntryTypeDirectory:
		default:
			// Sockets, devices and FIFOs cannot be stored in
			// layers.
			return nil
		}
		s.files[p] = fileInfo
		return nil
	}); err != nil {
		if status.Code(err) != codes.Unknown {
			return nil, err
		}
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to snapshot view %#v", v.path)
	}
	return s, nil
}

func (v *View) hashFile(name string, sizeBytes int64) (digest.Digest, error) {
	f, err := v.root.Open(name)
	if err != nil {
		return digest.BadDigest, err
	}
	defer f.Close()
	generator := v.function.NewGenerator(sizeBytes)
	if _, err := io.Copy(generator, f); err != nil {
		return digest.BadDigest, err
	}
	return generator.Sum(), nil
}

// Diff computes the diff entries that transform the state captured by
// one snapshot into that of another. Deletions are expressed as
// whiteouts. If a directory is deleted, only a single whiteout is
// emitted for the directory itself.
func Diff(before, after *Snapshot) []layer.Entry {
	var entries []layer.Entry
	for _, p := range after.Paths() {
		newInfo := after.files[p]
		oldInfo, existed := before.files[p]
		if existed && oldInfo.Type == newInfo.Type && oldInfo.Mode == newInfo.Mode &&
			oldInfo.Digest == newInfo.Digest && oldInfo.LinkTarget == newInfo.LinkTarget {
			continue
		}
		if p == "" && newInfo.Type != layer.EntryTypeDirectory {
			// The root directory can only change its permissions.
			continue
		}
		entry := layer.Entry{
			Path: p,
			Type: newInfo.Type,
			Mode: newInfo.Mode,
		}
		switch newInfo.Type {
		case layer.EntryTypeRegular:
			entry.Digest = newInfo.Digest
			entry.SizeBytes = newInfo.SizeBytes
		case layer.EntryTypeSymlink:
			entry.LinkTarget = newInfo.LinkTarget
		}
		entries = append(entries, entry)
	}

	for _, p := range before.Paths() {
		if _, ok := after.files[p]; ok || p == "" {
			continue
		}
		// Only emit a whiteout if the parent directory still
		// exists. Otherwise the parent is covered by a whiteout
		// or replaced by a file itself.
		parent := path.Dir(p)
		if parent == "." {
			parent = ""
		}
		if parentInfo, ok := after.files[parent]; ok && parentInfo.Type == layer.EntryTypeDirectory {
			if oldParentInfo, ok := before.files[parent]; ok && oldParentInfo.Type == layer.EntryTypeDirectory {
				entries = append(entries, layer.Entry{
					Path: p,
					Type: layer.EntryTypeWhiteout,
				})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}
