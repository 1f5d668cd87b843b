package buildserver

import (
	"time"

	"github.com/olcf/containerbuilder/pkg/digest"
	http_server "github.com/olcf/containerbuilder/pkg/http/server"
	"github.com/olcf/containerbuilder/pkg/image"
)

// FindMissingRequest is the body of POST /api/v1/blobs/findMissing.
type FindMissingRequest struct {
	Digests []digest.Digest `json:"digests"`
}

// FindMissingResponse is the response of POST /api/v1/blobs/findMissing.
type FindMissingResponse struct {
	Missing []digest.Digest `json:"missing"`
}

// BuildEvent is a single line of the newline delimited JSON stream
// returned by POST /api/v1/builds. The stream consists of zero or more
// events carrying command output, followed by exactly one event
// carrying either the result or the error of the build.
type BuildEvent struct {
	Output string                     `json:"output,omitempty"`
	Result *BuildResult               `json:"result,omitempty"`
	Error  *http_server.ErrorResponse `json:"error,omitempty"`
	// Index of the step that caused the build to fail.
	FailedStep *int `json:"failedStep,omitempty"`
}

// ImageConfig is the configuration of an image, as returned by
// GET /api/v1/images/{id}.
type ImageConfig struct {
	Env        []string          `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	User       string            `json:"user,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// ImageInfo is the response of GET /api/v1/images/{id}.
type ImageInfo struct {
	ID       string         `json:"id"`
	Layers   []string       `json:"layers"`
	Config   ImageConfig    `json:"config"`
	Metadata image.Metadata `json:"metadata"`
}

// NewImageInfo converts an image to its representation in the API.
func NewImageInfo(img *image.Image) *ImageInfo {
	info := &ImageInfo{
		ID:     img.ID.String(),
		Layers: make([]string, 0, len(img.Layers)),
		Config: ImageConfig{
			Env:        img.Config.Env,
			WorkingDir: img.Config.WorkingDir,
			Entrypoint: img.Config.Entrypoint,
			Cmd:        img.Config.Cmd,
			User:       img.Config.User,
			Labels:     img.GetLabels(),
		},
		Metadata: img.Metadata,
	}
	for _, id := range img.Layers {
		info.Layers = append(info.Layers, id.String())
	}
	return info
}

// CatalogEntry is an element of the response of GET /api/v1/images.
type CatalogEntry struct {
	Reference string    `json:"reference"`
	ImageID   string    `json:"imageId"`
	Created   time.Time `json:"created"`
}
