// Package buildspec contains the build specification file format. A
// build specification lists the steps of a build in YAML. Before it
// can be built, the sources of its copy steps need to be resolved
// against a build context directory, which uploads their contents to
// the Content Store.
package buildspec

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/olcf/containerbuilder/pkg/build"
	"github.com/olcf/containerbuilder/pkg/builder"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/image"
	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/olcf/containerbuilder/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gopkg.in/yaml.v3"
)

// Spec of a build, as stored in a build specification file.
type Spec struct {
	// ID of the layer on top of which the steps are applied.
	Base     string   `yaml:"base,omitempty" json:"base,omitempty"`
	Metadata Metadata `yaml:"metadata,omitempty" json:"metadata"`
	Steps    []Step   `yaml:"steps" json:"steps"`
}

// Metadata of the image that is produced by the build.
type Metadata struct {
	Author       string            `yaml:"author,omitempty" json:"author,omitempty"`
	Created      *time.Time        `yaml:"created,omitempty" json:"created,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Architecture string            `yaml:"architecture,omitempty" json:"architecture,omitempty"`
	OS           string            `yaml:"os,omitempty" json:"os,omitempty"`
}

// Step of a build. Exactly one of the fields must be set.
type Step struct {
	Copy       *CopyStep         `yaml:"copy,omitempty" json:"copy,omitempty"`
	Run        *string           `yaml:"run,omitempty" json:"run,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env"`
	Workdir    *string           `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Entrypoint []string          `yaml:"entrypoint,omitempty" json:"entrypoint"`
	Cmd        []string          `yaml:"cmd,omitempty" json:"cmd"`
	User       *string           `yaml:"user,omitempty" json:"user,omitempty"`
	Label      map[string]string `yaml:"label,omitempty" json:"label"`
}

// CopyStep copies a file or directory from the build context into the
// filesystem of the image.
type CopyStep struct {
	Source      string `yaml:"src" json:"src"`
	Destination string `yaml:"dest" json:"dest"`
	// Files that are copied, filled in by Resolve.
	Inputs []Input `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// Input of a copy step whose contents have been uploaded to the
// Content Store.
type Input struct {
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Type   string `yaml:"type" json:"type"`
	Mode   uint32 `yaml:"mode" json:"mode"`
	Digest string `yaml:"digest,omitempty" json:"digest,omitempty"`
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
}

var inputTypes = map[string]layer.EntryType{
	layer.EntryTypeRegular.String():   layer.EntryTypeRegular,
	layer.EntryTypeDirectory.String(): layer.EntryTypeDirectory,
	layer.EntryTypeSymlink.String():   layer.EntryTypeSymlink,
}

// Parse a build specification in YAML format. Unknown fields are
// rejected.
func Parse(r io.Reader) (*Spec, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var s Spec
	if err := decoder.Decode(&s); err != nil {
		if err == io.EOF {
			return nil, status.Error(codes.InvalidArgument, "Build specification is empty")
		}
		return nil, status.Errorf(codes.InvalidArgument, "Failed to parse build specification: %s", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load a build specification from a file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.NotFound, "Failed to read build specification %#v", path)
	}
	s, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, util.StatusWrapf(err, "Build specification %#v", path)
	}
	return s, nil
}

// Validate the structure of a build specification, without resolving
// any of its copy steps.
func (s *Spec) Validate() error {
	if s.Base != "" {
		if _, err := digest.NewDigestFromString(s.Base); err != nil {
			return util.StatusWrap(err, "Invalid base layer")
		}
	}
	if s.Base == "" && len(s.Steps) == 0 {
		return status.Error(codes.InvalidArgument, "Build specification contains no base and no steps")
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return util.StatusWrapf(err, "Step %d", i)
		}
	}
	return nil
}

func (st *Step) validate() error {
	n := 0
	for _, set := range []bool{
		st.Copy != nil,
		st.Run != nil,
		st.Env != nil,
		st.Workdir != nil,
		st.Entrypoint != nil,
		st.Cmd != nil,
		st.User != nil,
		st.Label != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return status.Errorf(codes.InvalidArgument, "Step must have exactly one kind, while %d were provided", n)
	}
	if st.Copy != nil {
		if st.Copy.Source == "" {
			return status.Error(codes.InvalidArgument, "Copy step has no source")
		}
		if st.Copy.Destination == "" {
			return status.Error(codes.InvalidArgument, "Copy step has no destination")
		}
		for _, input := range st.Copy.Inputs {
			entryType, ok := inputTypes[input.Type]
			if !ok {
				return status.Errorf(codes.InvalidArgument, "Input %#v has unsupported type %#v", input.Path, input.Type)
			}
			if entryType == layer.EntryTypeRegular {
				if _, err := digest.NewDigestFromString(input.Digest); err != nil {
					return util.StatusWrapf(err, "Input %#v has an invalid digest", input.Path)
				}
			}
		}
	}
	return nil
}

// IsResolved returns whether the inputs of all copy steps have been
// filled in.
func (s *Spec) IsResolved() bool {
	for _, st := range s.Steps {
		if st.Copy != nil && len(st.Copy.Inputs) == 0 {
			return false
		}
	}
	return true
}

// ToBuildSpec converts a resolved build specification to the steps
// that are run by the build driver.
func (s *Spec) ToBuildSpec() (*build.Spec, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var bs build.Spec
	if s.Base != "" {
		base := digest.MustNewDigest(s.Base)
		bs.Base = &base
	}
	for i, st := range s.Steps {
		step, err := st.toBuilderStep()
		if err != nil {
			return nil, util.StatusWrapf(err, "Step %d", i)
		}
		bs.Steps = append(bs.Steps, step)
	}
	return &bs, nil
}

func (st *Step) toBuilderStep() (builder.Step, error) {
	switch {
	case st.Copy != nil:
		if len(st.Copy.Inputs) == 0 {
			return nil, status.Errorf(codes.FailedPrecondition, "Source %#v of copy step has not been resolved", st.Copy.Source)
		}
		inputs := make([]builder.CopyInput, 0, len(st.Copy.Inputs))
		for _, input := range st.Copy.Inputs {
			copyInput := builder.CopyInput{
				Path:       input.Path,
				Type:       inputTypes[input.Type],
				Mode:       input.Mode,
				LinkTarget: input.Target,
			}
			if copyInput.Type == layer.EntryTypeRegular {
				copyInput.Digest = digest.MustNewDigest(input.Digest)
			}
			inputs = append(inputs, copyInput)
		}
		return builder.CopyStep{
			Destination: st.Copy.Destination,
			Inputs:      inputs,
		}, nil
	case st.Run != nil:
		return builder.RunStep{Command: *st.Run}, nil
	case st.Env != nil:
		names := make([]string, 0, len(st.Env))
		for name := range st.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		env := make([]layer.EnvVar, 0, len(names))
		for _, name := range names {
			env = append(env, layer.EnvVar{Name: name, Value: st.Env[name]})
		}
		return builder.SetEnvStep{Env: env}, nil
	case st.Workdir != nil:
		return builder.WorkdirStep{Path: *st.Workdir}, nil
	case st.Entrypoint != nil:
		return builder.EntrypointStep{Args: st.Entrypoint}, nil
	case st.Cmd != nil:
		return builder.CmdStep{Args: st.Cmd}, nil
	case st.User != nil:
		return builder.UserStep{User: *st.User}, nil
	case st.Label != nil:
		return builder.LabelStep{Labels: st.Label}, nil
	default:
		panic(fmt.Sprintf("Step %#v has no kind", st))
	}
}

// GetImageMetadata returns the metadata of the image produced by the
// build.
func (s *Spec) GetImageMetadata() image.Metadata {
	m := image.Metadata{
		Author:       s.Metadata.Author,
		Labels:       s.Metadata.Labels,
		Architecture: s.Metadata.Architecture,
		OS:           s.Metadata.OS,
	}
	if s.Metadata.Created != nil {
		m.Created = *s.Metadata.Created
	}
	return m
}
