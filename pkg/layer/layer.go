// Package layer contains the data model of filesystem layers and the
// Layer Graph, the directed acyclic graph in which every layer points
// to the layer it was built on top of.
package layer

import (
	"sort"

	"github.com/olcf/containerbuilder/pkg/codec"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ID of a layer. It is the digest of the layer blob, which is the
// canonical encoding of the layer's parent, diff and configuration
// delta. It is also the key under which the layer blob is stored in
// the Content Store.
type ID = digest.Digest

// IDSet is a set of layer IDs.
type IDSet = digest.Set

// EntryType denotes the kind of filesystem object described by a diff
// entry.
type EntryType uint8

const (
	// EntryTypeRegular is a regular file, whose contents are stored
	// as a blob in the Content Store.
	EntryTypeRegular EntryType = iota + 1
	// EntryTypeDirectory is a directory.
	EntryTypeDirectory
	// EntryTypeSymlink is a symbolic link.
	EntryTypeSymlink
	// EntryTypeWhiteout marks the deletion of a path (and everything
	// underneath it) that was present in an ancestor.
	EntryTypeWhiteout
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeRegular:
		return "regular"
	case EntryTypeDirectory:
		return "directory"
	case EntryTypeSymlink:
		return "symlink"
	case EntryTypeWhiteout:
		return "whiteout"
	default:
		return "unknown"
	}
}

// Entry of a layer diff. Paths are relative to the root of the
// filesystem, use forward slashes and never contain "." or ".."
// components. The root directory itself has the empty path.
type Entry struct {
	Path       string
	Type       EntryType
	Mode       uint32
	Digest     digest.Digest
	SizeBytes  int64
	LinkTarget string
}

// EnvVar is a single environment variable assignment.
type EnvVar struct {
	Name  string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint"`
}

// ConfigDelta contains the changes to the image configuration made by
// a single build step. Empty fields leave the configuration unchanged.
type ConfigDelta struct {
	Env        []EnvVar          `cbor:"1,keyasint,omitempty"`
	WorkingDir string            `cbor:"2,keyasint,omitempty"`
	Entrypoint []string          `cbor:"3,keyasint,omitempty"`
	Cmd        []string          `cbor:"4,keyasint,omitempty"`
	User       string            `cbor:"5,keyasint,omitempty"`
	Labels     map[string]string `cbor:"6,keyasint,omitempty"`
}

// IsEmpty returns true if the delta leaves the configuration unchanged.
func (cd *ConfigDelta) IsEmpty() bool {
	return len(cd.Env) == 0 && cd.WorkingDir == "" && len(cd.Entrypoint) == 0 &&
		len(cd.Cmd) == 0 && cd.User == "" && len(cd.Labels) == 0
}

// Layer is an immutable filesystem diff applied on top of a parent
// layer. Layers without a parent are applied on top of an empty
// filesystem.
type Layer struct {
	ID              ID
	Parent          *ID
	StepFingerprint digest.Digest
	Entries         []Entry
	Config          ConfigDelta
}

// HasParent returns whether the layer is built on top of another
// layer.
func (l *Layer) HasParent() bool {
	return l.Parent != nil
}

// GetFileDigests returns the digests of the contents of all regular
// files that are added by the layer.
func (l *Layer) GetFileDigests() digest.Set {
	files := digest.NewSetBuilder()
	for _, entry := range l.Entries {
		if entry.Type == EntryTypeRegular {
			files.Add(entry.Digest)
		}
	}
	return files.Build()
}

type encodedEntry struct {
	Path       string    `cbor:"1,keyasint"`
	Type       EntryType `cbor:"2,keyasint"`
	Mode       uint32    `cbor:"3,keyasint,omitempty"`
	Digest     string    `cbor:"4,keyasint,omitempty"`
	SizeBytes  int64     `cbor:"5,keyasint,omitempty"`
	LinkTarget string    `cbor:"6,keyasint,omitempty"`
}

type encodedLayer struct {
	Parent  string         `cbor:"1,keyasint,omitempty"`
	Entries []encodedEntry `cbor:"2,keyasint"`
	Config  ConfigDelta    `cbor:"3,keyasint"`
}

// NewLayer creates a layer from a diff and a configuration delta. It
// returns the layer and its blob. Entries are sorted by path, so that
// the resulting ID does not depend on the order in which the diff was
// computed.
func NewLayer(function digest.Function, parent *ID, stepFingerprint digest.Digest, entries []Entry, config ConfigDelta) (*Layer, []byte, error) {
	sortedEntries := append([]Entry(nil), entries...)
	sort.Slice(sortedEntries, func(i, j int) bool {
		return sortedEntries[i].Path < sortedEntries[j].Path
	})
	for i := 1; i < len(sortedEntries); i++ {
		if sortedEntries[i-1].Path == sortedEntries[i].Path {
			return nil, nil, status.Errorf(codes.InvalidArgument, "Diff contains multiple entries for path %#v", sortedEntries[i].Path)
		}
	}

	encoded := encodedLayer{
		Entries: make([]encodedEntry, 0, len(sortedEntries)),
		Config:  config,
	}
	if parent != nil {
		encoded.Parent = parent.String()
	}
	for _, entry := range sortedEntries {
		if err := validateEntry(&entry); err != nil {
			return nil, nil, err
		}
		e := encodedEntry{
			Path:       entry.Path,
			Type:       entry.Type,
			Mode:       entry.Mode,
			SizeBytes:  entry.SizeBytes,
			LinkTarget: entry.LinkTarget,
		}
		if entry.Type == EntryTypeRegular {
			e.Digest = entry.Digest.String()
		}
		encoded.Entries = append(encoded.Entries, e)
	}
	blob, err := codec.Marshal(&encoded)
	if err != nil {
		return nil, nil, err
	}

	l := &Layer{
		ID:              function.Compute(blob),
		StepFingerprint: stepFingerprint,
		Entries:         sortedEntries,
		Config:          config,
	}
	if parent != nil {
		p := *parent
		l.Parent = &p
	}
	return l, blob, nil
}

// GetBlob returns the blob of a layer. It fails if the layer's ID does
// not correspond with its contents.
func GetBlob(l *Layer) ([]byte, error) {
	if l.ID.IsBad() {
		return nil, status.Error(codes.InvalidArgument, "Layer has no ID")
	}
	computed, blob, err := NewLayer(l.ID.GetFunction(), l.Parent, l.StepFingerprint, l.Entries, l.Config)
	if err != nil {
		return nil, err
	}
	if computed.ID != l.ID {
		return nil, status.Errorf(codes.InvalidArgument, "Layer %s has contents with digest %s", l.ID, computed.ID)
	}
	return blob, nil
}

func validateEntry(entry *Entry) error {
	if entry.Path == "" && entry.Type != EntryTypeDirectory {
		return status.Error(codes.InvalidArgument, "Diff entry for the root directory is not a directory")
	}
	switch entry.Type {
	case EntryTypeRegular:
		if entry.Digest.IsBad() {
			return status.Errorf(codes.InvalidArgument, "Regular file %#v has no digest", entry.Path)
		}
	case EntryTypeDirectory, EntryTypeWhiteout:
	case EntryTypeSymlink:
		if entry.LinkTarget == "" {
			return status.Errorf(codes.InvalidArgument, "Symbolic link %#v has no target", entry.Path)
		}
	default:
		return status.Errorf(codes.InvalidArgument, "Diff entry %#v has unknown type %d", entry.Path, entry.Type)
	}
	return nil
}

// NewLayerFromBlob reconstructs a layer from its blob, as stored in
// the Content Store or in a persistent Layer Graph. The blob is
// validated against the layer ID.
func NewLayerFromBlob(id ID, stepFingerprint digest.Digest, blob []byte) (*Layer, error) {
	if actual := id.GetFunction().Compute(blob); actual != id {
		return nil, status.Errorf(codes.DataLoss, "Blob of layer %s has digest %s", id, actual)
	}
	var encoded encodedLayer
	if err := codec.Unmarshal(blob, &encoded); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Failed to decode layer %s", id)
	}
	l := &Layer{
		ID:              id,
		StepFingerprint: stepFingerprint,
		Config:          encoded.Config,
	}
	if encoded.Parent != "" {
		parent, err := digest.NewDigestFromString(encoded.Parent)
		if err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Invalid parent in layer %s", id)
		}
		l.Parent = &parent
	}
	for _, e := range encoded.Entries {
		entry := Entry{
			Path:       e.Path,
			Type:       e.Type,
			Mode:       e.Mode,
			SizeBytes:  e.SizeBytes,
			LinkTarget: e.LinkTarget,
		}
		if e.Type == EntryTypeRegular {
			d, err := digest.NewDigestFromString(e.Digest)
			if err != nil {
				return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Invalid digest for path %#v in layer %s", e.Path, id)
			}
			entry.Digest = d
		}
		l.Entries = append(l.Entries, entry)
	}
	return l, nil
}
