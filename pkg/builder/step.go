// Package builder implements the Build Step Executor: it runs a single
// build step against the filesystem of a parent layer and captures the
// changes it makes as a new layer.
package builder

import (
	"github.com/olcf/containerbuilder/pkg/codec"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/layer"
)

// Kind of build step.
type Kind string

// The kinds of build steps that are supported. Every kind must have a
// handler registered in stepHandlers.
const (
	KindCopy       Kind = "Copy"
	KindRun        Kind = "Run"
	KindSetEnv     Kind = "SetEnv"
	KindWorkdir    Kind = "Workdir"
	KindEntrypoint Kind = "Entrypoint"
	KindCmd        Kind = "Cmd"
	KindUser       Kind = "User"
	KindLabel      Kind = "Label"
)

// AllKinds lists all kinds of build steps.
var AllKinds = []Kind{
	KindCopy,
	KindRun,
	KindSetEnv,
	KindWorkdir,
	KindEntrypoint,
	KindCmd,
	KindUser,
	KindLabel,
}

// Step is a single instruction of a build. The set of implementations
// is closed: only the types declared in this package implement it.
type Step interface {
	Kind() Kind
	isStep()
}

// CopyInput is a single file, directory or symbolic link that is
// copied into the filesystem by a Copy step. The contents of regular
// files are referenced by digest, and must be present in the Content
// Store at the time the step is executed.
type CopyInput struct {
	// Path relative to the destination of the Copy step. The empty
	// path denotes the destination itself.
	Path       string          `cbor:"1,keyasint"`
	Type       layer.EntryType `cbor:"2,keyasint"`
	Mode       uint32          `cbor:"3,keyasint"`
	Digest     digest.Digest   `cbor:"4,keyasint,omitempty"`
	LinkTarget string          `cbor:"5,keyasint,omitempty"`
}

// CopyStep copies files from the build context into the filesystem.
type CopyStep struct {
	// Destination path. Relative paths are interpreted relative to
	// the working directory of the image.
	Destination string      `cbor:"1,keyasint"`
	Inputs      []CopyInput `cbor:"2,keyasint"`
}

// RunStep runs a shell command against the filesystem.
type RunStep struct {
	Command string `cbor:"1,keyasint"`
}

// SetEnvStep sets environment variables in the image configuration.
type SetEnvStep struct {
	Env []layer.EnvVar `cbor:"1,keyasint"`
}

// WorkdirStep sets the working directory of the image.
type WorkdirStep struct {
	Path string `cbor:"1,keyasint"`
}

// EntrypointStep sets the entrypoint of the image.
type EntrypointStep struct {
	Args []string `cbor:"1,keyasint"`
}

// CmdStep sets the default arguments of the image.
type CmdStep struct {
	Args []string `cbor:"1,keyasint"`
}

// UserStep sets the user as which the image runs.
type UserStep struct {
	User string `cbor:"1,keyasint"`
}

// LabelStep adds labels to the image configuration.
type LabelStep struct {
	Labels map[string]string `cbor:"1,keyasint"`
}

func (CopyStep) Kind() Kind       { return KindCopy }
func (RunStep) Kind() Kind        { return KindRun }
func (SetEnvStep) Kind() Kind     { return KindSetEnv }
func (WorkdirStep) Kind() Kind    { return KindWorkdir }
func (EntrypointStep) Kind() Kind { return KindEntrypoint }
func (CmdStep) Kind() Kind        { return KindCmd }
func (UserStep) Kind() Kind       { return KindUser }
func (LabelStep) Kind() Kind      { return KindLabel }

func (CopyStep) isStep()       {}
func (RunStep) isStep()        {}
func (SetEnvStep) isStep()     {}
func (WorkdirStep) isStep()    {}
func (EntrypointStep) isStep() {}
func (CmdStep) isStep()        {}
func (UserStep) isStep()       {}
func (LabelStep) isStep()      {}

type fingerprintedStep struct {
	Kind Kind `cbor:"1,keyasint"`
	Step Step `cbor:"2,keyasint"`
}

// GetFingerprint computes the step fingerprint: the digest of the
// canonical encoding of the kind of step, its parameters and the
// digests of its declared inputs. Steps with identical fingerprints
// produce identical layers when applied to the same parent.
func GetFingerprint(function digest.Function, step Step) (digest.Digest, error) {
	data, err := codec.Marshal(&fingerprintedStep{
		Kind: step.Kind(),
		Step: step,
	})
	if err != nil {
		return digest.BadDigest, err
	}
	return function.Compute(data), nil
}
