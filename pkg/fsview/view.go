// Package fsview provides Materialized Filesystem Views: directories on
// the local file system holding the union of the diffs of a chain of
// layers. Build steps operate on a view, after which the changes made
// to it are captured as the diff of a new layer.
package fsview

import (
	"context"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/olcf/containerbuilder/pkg/cas"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// View is a Materialized Filesystem View. All accesses to the view
// through its methods are confined to its root directory, even in the
// presence of symbolic links pointing outside of it.
//
// A View is not safe for concurrent use.
type View struct {
	path     string
	root     *os.Root
	function digest.Function

	// Digests of regular files written by Apply(), used by
	// Snapshot() to avoid rehashing them.
	known map[string]FileInfo
	// Final permissions of directories that are kept accessible to
	// the owner while the view is populated. Applied by Finalize().
	pendingModes map[string]fs.FileMode

	detached bool
}

// New creates an empty view in a new directory underneath a work
// directory. The directory is removed by Close().
func New(workDirectory string, function digest.Function) (*View, error) {
	p, err := os.MkdirTemp(workDirectory, "view-")
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to create view in %#v", workDirectory)
	}
	if err := os.Chmod(p, 0o755); err != nil {
		os.RemoveAll(p)
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to set permissions of view %#v", p)
	}
	root, err := os.OpenRoot(p)
	if err != nil {
		os.RemoveAll(p)
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to open view %#v", p)
	}
	return &View{
		path:     p,
		root:     root,
		function: function,
		known:    map[string]FileInfo{},

		pendingModes: map[string]fs.FileMode{},
	}, nil
}

// Materialize creates a view containing the union of a chain of
// layers, provided root first.
func Materialize(ctx context.Context, contentStore cas.ContentStore, workDirectory string, function digest.Function, chain []*layer.Layer) (*View, error) {
	v, err := New(workDirectory, function)
	if err != nil {
		return nil, err
	}
	for _, l := range chain {
		if err := v.Apply(ctx, contentStore, l); err != nil {
			v.Close()
			return nil, util.StatusWrapf(err, "Failed to apply layer %s", l.ID)
		}
	}
	if err := v.Finalize(); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// Path returns the location of the view on the local file system.
func (v *View) Path() string {
	return v.path
}

// Close removes the view from the local file system.
func (v *View) Close() error {
	v.root.Close()
	if v.detached {
		return nil
	}
	// Files may have been made read-only by build steps.
	makeDirectoriesWritable(v.path)
	if err := os.RemoveAll(v.path); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to remove view %#v", v.path)
	}
	return nil
}

// MoveTo moves the directory backing the view to a new location, so
// that it is retained after the view is closed. The target must not
// exist, and must be on the same file system as the work directory.
func (v *View) MoveTo(target string) error {
	if err := os.Rename(v.path, target); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to move view %#v to %#v", v.path, target)
	}
	v.path = target
	v.detached = true
	return nil
}

func makeDirectoriesWritable(p string) {
	fs.WalkDir(os.DirFS(p), ".", func(name string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(path.Join(p, name), 0o755)
		}
		return nil
	})
}

// Apply the diff of a layer to the view.
func (v *View) Apply(ctx context.Context, contentStore cas.ContentStore, l *layer.Layer) error {
	for _, entry := range l.Entries {
		if err := ctx.Err(); err != nil {
			return util.StatusFromContext(ctx)
		}
		if err := v.applyEntry(ctx, contentStore, &entry); err != nil {
			return util.StatusWrapf(err, "Failed to apply entry %#v", entry.Path)
		}
	}
	return nil
}

func (v *View) applyEntry(ctx context.Context, contentStore cas.ContentStore, entry *layer.Entry) error {
	name := toRootName(entry.Path)
	delete(v.known, entry.Path)
	switch entry.Type {
	case layer.EntryTypeWhiteout:
		if err := v.prepareParentDirectories(name, false); err != nil {
			return err
		}
		return v.removeAll(name)
	case layer.EntryTypeDirectory:
		return v.AddDirectory(entry.Path, fs.FileMode(entry.Mode))
	case layer.EntryTypeSymlink:
		return v.AddSymlink(entry.Path, entry.LinkTarget)
	case layer.EntryTypeRegular:
		data, err := contentStore.Get(ctx, entry.Digest)
		if err != nil {
			return util.StatusWrapf(err, "Failed to fetch contents")
		}
		if err := v.AddFile(entry.Path, data, fs.FileMode(entry.Mode)); err != nil {
			return err
		}
		info, err := v.root.Lstat(name)
		if err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to stat file")
		}
		fileInfo := newFileInfo(info)
		fileInfo.Digest = entry.Digest
		v.known[entry.Path] = fileInfo
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "Unknown entry type %d", entry.Type)
	}
}

// makeParentDirectories creates the parent directories of a path, and
// grants the owner access to the ones that already exist.
func (v *View) makeParentDirectories(p string) error {
	return v.prepareParentDirectories(p, true)
}

func (v *View) prepareParentDirectories(p string, create bool) error {
	if err := v.makeWritable("."); err != nil {
		return err
	}
	parent := path.Dir(p)
	if parent == "." {
		return nil
	}
	components := strings.Split(parent, "/")
	for i := range components {
		name := strings.Join(components[:i+1], "/")
		info, err := v.root.Lstat(name)
		switch {
		case err == nil && info.IsDir():
			if err := v.makeWritable(name); err != nil {
				return err
			}
		case err == nil:
			// Symbolic links are followed, provided that they
			// resolve to a directory within the view.
			if !create {
				return nil
			}
			if err := v.root.MkdirAll(parent, 0o755); err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create directory %#v", parent)
			}
			return nil
		case os.IsNotExist(err):
			if !create {
				return nil
			}
			if err := v.root.Mkdir(name, 0o755); err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create directory %#v", name)
			}
		default:
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to stat %#v", name)
		}
	}
	return nil
}

// makeWritable grants the owner of an existing directory full access
// to it. Its original permissions are restored by Finalize().
func (v *View) makeWritable(name string) error {
	if _, ok := v.pendingModes[name]; ok {
		return nil
	}
	info, err := v.root.Lstat(name)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to stat %#v", name)
	}
	if info.Mode()&0o700 == 0o700 {
		return nil
	}
	return v.setDirectoryMode(name, info.Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky))
}

// setDirectoryMode sets the permissions of a directory. Permissions
// that deny the owner access are withheld until Finalize() is called.
func (v *View) setDirectoryMode(name string, mode fs.FileMode) error {
	if mode&0o700 == 0o700 {
		delete(v.pendingModes, name)
	} else {
		v.pendingModes[name] = mode
		mode |= 0o700
	}
	if err := v.root.Chmod(name, mode); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to set permissions of directory %#v", name)
	}
	return nil
}

// removeAll removes a path and everything underneath it, including
// directories the owner has no access to.
func (v *View) removeAll(name string) error {
	if info, err := v.root.Lstat(name); err == nil && info.IsDir() {
		fs.WalkDir(v.root.FS(), name, func(p string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				v.root.Chmod(p, 0o700)
			}
			return nil
		})
	}
	for pending := range v.pendingModes {
		if pending == name || strings.HasPrefix(pending, name+"/") {
			delete(v.pendingModes, pending)
		}
	}
	if err := v.root.RemoveAll(name); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to remove %#v", name)
	}
	return nil
}

// Finalize applies the permissions of directories that were withheld
// while populating the view. Directories are processed deepest first,
// as restricting a directory may deny access to its children.
func (v *View) Finalize() error {
	names := make([]string, 0, len(v.pendingModes))
	for name := range v.pendingModes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := directoryDepth(names[i]), directoryDepth(names[j])
		if di != dj {
			return di > dj
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		if err := v.root.Chmod(name, v.pendingModes[name]); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to set permissions of directory %#v", name)
		}
		delete(v.pendingModes, name)
	}
	return nil
}

func directoryDepth(name string) int {
	if name == "." {
		return 0
	}
	return strings.Count(name, "/") + 1
}

// removeUnlessDirectory removes an existing file at a path, unless it
// is a directory.
func (v *View) removeUnlessDirectory(p string) (bool, error) {
	info, err := v.root.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, util.StatusWrapfWithCode(err, codes.Internal, "Failed to stat %#v", p)
	}
	if info.IsDir() {
		return true, nil
	}
	if err := v.removeAll(p); err != nil {
		return false, err
	}
	return false, nil
}

// AddDirectory creates a directory in the view, replacing any file or
// symbolic link at the same path. Existing directories are retained,
// but take the provided permissions. Permissions denying the owner
// access only take effect once Finalize() is called.
func (v *View) AddDirectory(p string, mode fs.FileMode) error {
	if p == "" {
		return v.setDirectoryMode(".", fileModeFromEntry(uint32(mode)))
	}
	if err := v.makeParentDirectories(p); err != nil {
		return err
	}
	isDirectory, err := v.removeUnlessDirectory(p)
	if err != nil {
		return err
	}
	if !isDirectory {
		if err := v.root.Mkdir(p, 0o755); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create directory %#v", p)
		}
	}
	return v.setDirectoryMode(p, fileModeFromEntry(uint32(mode)))
}

// AddFile creates a regular file in the view, replacing any file or
// directory at the same path.
func (v *View) AddFile(p string, data []byte, mode fs.FileMode) error {
	if p == "" {
		return status.Error(codes.InvalidArgument, "Cannot replace the root directory by a file")
	}
	if err := v.makeParentDirectories(p); err != nil {
		return err
	}
	if err := v.removeAll(p); err != nil {
		return err
	}
	f, err := v.root.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create file %#v", p)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to write file %#v", p)
	}
	if err := f.Close(); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to close file %#v", p)
	}
	if err := v.root.Chmod(p, fileModeFromEntry(uint32(mode))); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to set permissions of file %#v", p)
	}
	return nil
}

// AddSymlink creates a symbolic link in the view, replacing any file
// or directory at the same path. The target is not resolved.
func (v *View) AddSymlink(p, target string) error {
	if p == "" {
		return status.Error(codes.InvalidArgument, "Cannot replace the root directory by a symbolic link")
	}
	if err := v.makeParentDirectories(p); err != nil {
		return err
	}
	if err := v.removeAll(p); err != nil {
		return err
	}
	if err := v.root.Symlink(target, p); err != nil {
		return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create symbolic link %#v", p)
	}
	return nil
}

// ReadFile returns the contents of a regular file in the view.
func (v *View) ReadFile(p string) ([]byte, error) {
	data, err := v.root.ReadFile(toRootName(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "File %#v not found", p)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to read file %#v", p)
	}
	return data, nil
}
