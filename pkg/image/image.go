// Package image contains the Image Assembler, which turns the leaf
// layer of a build into an image, and exporters that write images in
// formats understood by container runtimes.
package image

import (
	"time"

	"github.com/olcf/containerbuilder/pkg/codec"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Metadata of an image that is not derived from its layers.
type Metadata struct {
	Author string `json:"author,omitempty"`
	// Creation time of the image. The zero value is used for
	// reproducible images.
	Created      time.Time         `json:"created,omitzero"`
	Labels       map[string]string `json:"labels,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	OS           string            `json:"os,omitempty"`
}

// Image is an ordered list of layers, root first, together with the
// configuration that results from applying their configuration deltas.
type Image struct {
	// ID of the image: the digest of its manifest.
	ID       digest.Digest
	Layers   []layer.ID
	Config   layer.Config
	Metadata Metadata
}

// GetLeaf returns the ID of the topmost layer of the image.
func (i *Image) GetLeaf() (layer.ID, bool) {
	if len(i.Layers) == 0 {
		return digest.BadDigest, false
	}
	return i.Layers[len(i.Layers)-1], true
}

// GetLabels returns the labels of the image: those set by build steps,
// overridden by those provided as metadata.
func (i *Image) GetLabels() map[string]string {
	if len(i.Config.Labels) == 0 && len(i.Metadata.Labels) == 0 {
		return nil
	}
	labels := map[string]string{}
	for key, value := range i.Config.Labels {
		labels[key] = value
	}
	for key, value := range i.Metadata.Labels {
		labels[key] = value
	}
	return labels
}

type encodedConfig struct {
	Env        []string          `cbor:"1,keyasint,omitempty"`
	WorkingDir string            `cbor:"2,keyasint,omitempty"`
	Entrypoint []string          `cbor:"3,keyasint,omitempty"`
	Cmd        []string          `cbor:"4,keyasint,omitempty"`
	User       string            `cbor:"5,keyasint,omitempty"`
	Labels     map[string]string `cbor:"6,keyasint,omitempty"`
}

type encodedMetadata struct {
	Author       string            `cbor:"1,keyasint,omitempty"`
	Created      int64             `cbor:"2,keyasint,omitempty"`
	Labels       map[string]string `cbor:"3,keyasint,omitempty"`
	Architecture string            `cbor:"4,keyasint,omitempty"`
	OS           string            `cbor:"5,keyasint,omitempty"`
}

// manifest is the canonical representation of an image, as stored in
// the Content Store.
type manifest struct {
	Layers   []layer.ID      `cbor:"1,keyasint"`
	Config   encodedConfig   `cbor:"2,keyasint"`
	Metadata encodedMetadata `cbor:"3,keyasint"`
}

// newManifest encodes an image, returning its manifest and the
// resulting image ID.
func newManifest(function digest.Function, layers []layer.ID, config layer.Config, metadata Metadata) (*Image, []byte, error) {
	if len(metadata.Labels) == 0 {
		metadata.Labels = nil
	}
	var created int64
	if !metadata.Created.IsZero() {
		metadata.Created = metadata.Created.UTC().Truncate(time.Second)
		created = metadata.Created.Unix()
	}
	data, err := codec.Marshal(&manifest{
		Layers: layers,
		Config: encodedConfig{
			Env:        config.Env,
			WorkingDir: config.WorkingDir,
			Entrypoint: config.Entrypoint,
			Cmd:        config.Cmd,
			User:       config.User,
			Labels:     config.Labels,
		},
		Metadata: encodedMetadata{
			Author:       metadata.Author,
			Created:      created,
			Labels:       metadata.Labels,
			Architecture: metadata.Architecture,
			OS:           metadata.OS,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return &Image{
		ID:       function.Compute(data),
		Layers:   layers,
		Config:   config,
		Metadata: metadata,
	}, data, nil
}

// NewImageFromManifest decodes the manifest of an image, as stored in
// the Content Store.
func NewImageFromManifest(id digest.Digest, data []byte) (*Image, error) {
	if actual := id.GetFunction().Compute(data); actual != id {
		return nil, status.Errorf(codes.DataLoss, "Manifest of image %s has digest %s", id, actual)
	}
	var m manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.DataLoss, "Failed to decode manifest of image %s", id)
	}
	var created time.Time
	if m.Metadata.Created != 0 {
		created = time.Unix(m.Metadata.Created, 0).UTC()
	}
	return &Image{
		ID:     id,
		Layers: m.Layers,
		Config: layer.Config{
			Env:        m.Config.Env,
			WorkingDir: m.Config.WorkingDir,
			Entrypoint: m.Config.Entrypoint,
			Cmd:        m.Config.Cmd,
			User:       m.Config.User,
			Labels:     m.Config.Labels,
		},
		Metadata: Metadata{
			Author:       m.Metadata.Author,
			Created:      created,
			Labels:       m.Metadata.Labels,
			Architecture: m.Metadata.Architecture,
			OS:           m.Metadata.OS,
		},
	}, nil
}
